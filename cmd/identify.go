/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"evbunpack/internal/restore"
	"evbunpack/internal/vfs"
)

// identifyCmd represents the identify command
var identifyCmd = &cobra.Command{
	Use:     "identify <file>",
	Aliases: []string{"tastetest"},
	Short:   "Identify the packer release and the embedded container",
	Long: `Reports what the unpacker would work with, without writing anything:

* the embedded container (offset, format version, number of nodes)
* the packer release whose header backup is present (10_70, 9_70, 7_80)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := openInput(args[0], false)
		if err != nil {
			fmt.Printf("[!] %v\n", err)
			return err
		}
		defer image.Close()
		data := image.Bytes()

		var found bool
		unpacker, err := vfs.New(data)
		if err != nil {
			fmt.Printf("[!] Virtual filesystem: %v\n", err)
		} else {
			found = true
			fmt.Printf("[+] Container Offset: 0x%x\n", unpacker.Offset())
			fmt.Printf("[+] Container Version: %d\n", unpacker.Version())
			fmt.Printf("[+] Nodes: %d\n", unpacker.Len())
		}

		bound, ok := restore.NewContext(data).WithVariantAuto()
		if !ok {
			fmt.Println("[!] PE Variant: not recognised")
		} else {
			found = true
			report := bound.Report()
			fmt.Printf("[*] PE Variant Identified: %s\n", report.Variant)
			fmt.Printf("[+] CPU Arch: %s\n", report.Arch)
			fmt.Printf("[+] Header Backup Offset: 0x%x\n", report.BlockOffset)
			fmt.Printf("[+] Original Entry Point: 0x%x\n", report.EntryPoint)
		}

		if !found {
			return errors.New("input is not a recognised packed executable")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}
