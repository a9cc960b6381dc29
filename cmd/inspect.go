package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/super"
)

const inspectMasterBlockSize = 512

var inspectBlockSize int

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Decode master block fields",
}

var inspectSuperblockCmd = &cobra.Command{
	Use:   "superblock",
	Short: "Decode and print the master block at the start of --device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspectSuperblock(devicePath, inspectBlockSize)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectSuperblockCmd)
	inspectSuperblockCmd.Flags().IntVar(&inspectBlockSize, "block-size", inspectMasterBlockSize, "device block size in bytes")
}

func runInspectSuperblock(path string, blockSize int) error {
	if path == "" {
		return fmt.Errorf("inspect superblock: --device is required")
	}
	dev, err := blockdev.Open(afero.NewOsFs(), path, blockSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	buf, err := dev.ReadBlock(0)
	if err != nil {
		return err
	}
	m, err := super.DecodeMasterBlock(buf)
	if err != nil {
		return err
	}

	fmt.Printf("magic:              %s\n", m.Magic)
	fmt.Printf("block size:         %d\n", m.BlockSize)
	fmt.Printf("disk format plugin: %s\n", m.DiskFormatPlugin)
	fmt.Printf("uuid:               %s\n", m.UUID)
	fmt.Printf("label:              %s\n", trimLabel(m.Label[:]))
	if m.Diskmap != 0 {
		fmt.Printf("diskmap block:      %d\n", m.Diskmap)
	}
	return nil
}

func trimLabel(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
