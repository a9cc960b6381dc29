package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string

	// Global target selection
	devicePath string
	cfgFile    string
)

var rootCmd = &cobra.Command{
	Use:   "reiser4ctl",
	Short: "Debug and inspection tool for a reiser4-style Core engine",
	Long: `reiser4ctl is a command-line tool for inspecting the on-disk
state and in-memory engine behavior of a copy-on-write, transactional,
journaled filesystem Core: master block, per-format superblock fields,
tree structure, and transaction/atom lifecycle.

Commands:
  inspect     Decode and print the on-disk master block
  walk        Descend the balanced tree printing node structure
  atoms       Run a synthetic capture/fuse/commit cycle and report atom state
  fsck-bitmap Cross-check the block allocator bitmap for consistency`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "", "path to the block device or image file")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a mount/tuning config file (yaml, toml, json)")
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool { return verbose }

// GetQuiet returns the quiet flag value.
func GetQuiet() bool { return quiet }

// GetOutputFormat returns the output format.
func GetOutputFormat() string { return outputFormat }

// loadViper reads the optional --config file into a fresh viper instance,
// the same "one viper per invocation" pattern internal/super.LoadConfig
// expects.
func loadViper() *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not read config %s: %v\n", cfgFile, err)
		}
	}
	return v
}
