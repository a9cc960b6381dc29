package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/plugin/memnode"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/super"
)

var walkBlockSize int

var walkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Descend the balanced tree printing node structure",
}

var walkTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Walk the tree rooted at the format superblock's root block",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWalkTree(devicePath, walkBlockSize)
	},
}

func init() {
	rootCmd.AddCommand(walkCmd)
	walkCmd.AddCommand(walkTreeCmd)
	walkTreeCmd.Flags().IntVar(&walkBlockSize, "block-size", 4096, "device block size in bytes")
}

func runWalkTree(path string, blockSize int) error {
	if path == "" {
		return fmt.Errorf("walk tree: --device is required")
	}
	dev, err := blockdev.Open(afero.NewOsFs(), path, blockSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	masterBuf, err := dev.ReadBlock(0)
	if err != nil {
		return err
	}
	master, err := super.DecodeMasterBlock(masterBuf)
	if err != nil {
		return err
	}
	formatBuf, err := dev.ReadBlock(1)
	if err != nil {
		return err
	}
	format, err := super.DecodeFormatSuper(formatBuf)
	if err != nil {
		return err
	}

	ops := &plugin.JnodeTypeOps{Name: "memnode", Parse: memnode.Parse}
	core, err := super.Open(dev, master, format, super.LoadConfig(loadViper()), ops, nil)
	if err != nil {
		return err
	}

	stack := lock.NewStack(lock.LowPriority, nil)
	return core.Tree.Walk(context.Background(), stack, func(level int, block rkey.BlockNr, leaf bool, itemCount int) {
		indent := strings.Repeat("  ", format.TreeHeight-level)
		kind := "internal"
		if leaf {
			kind = "leaf"
		}
		fmt.Printf("%sblock=%d level=%d %s items=%d\n", indent, block, level, kind, itemCount)
	})
}
