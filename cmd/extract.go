/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"evbunpack/internal/env"
	"evbunpack/internal/logger"
	"evbunpack/internal/unpack"
)

var extractOpts unpack.Options

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <file> [output]",
	Short: "Extracts the virtual filesystem and restores the original executable",
	Long: `Extracts every file of the embedded virtual filesystem into the output folder
(default "unpacked") and writes the restored executable next to it as <name>_unpacked.exe.

The input file is never modified; restoration works on a private copy-on-write mapping.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := extractOpts
		if len(args) > 1 {
			opts.Output = args[1]
		}

		image, err := openInput(args[0], !opts.SkipPE)
		if err != nil {
			fmt.Printf("[!] unable to read input file. %v\n", err)
			return err
		}
		defer image.Close()

		unpacker := unpack.New(afero.NewOsFs(), logger.Log)
		result, err := unpacker.Run(cmd.Context(), image.Bytes(), args[0], opts)
		if !opts.SkipVFS && (err == nil || result.VFS.Files > 0) {
			fmt.Printf("[+] Virtual filesystem: %d folders, %d files, %d bytes written to %s\n",
				result.VFS.Folders, result.VFS.Files, result.VFS.Bytes, opts.Output)
			if result.VFS.Skipped > 0 {
				fmt.Printf("[!] %d files could not be decoded and were skipped\n", result.VFS.Skipped)
			}
		}
		if err != nil {
			fmt.Printf("[!] unable to unpack. %v\n", err)
			return err
		}
		if !opts.SkipPE {
			fmt.Printf("[*] PE Variant Identified: %s\n", result.Report.Variant)
			fmt.Printf("[+] Restoration Successful! %d bytes written to: %s\n", result.Size, result.Restored)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractOpts.SkipVFS, "no-vfs", false, "Do not extract the virtual filesystem")
	extractCmd.Flags().BoolVar(&extractOpts.SkipPE, "no-pe", false, "Do not restore the PE")
	extractCmd.Flags().Var(&extractOpts.Variant, "variant", "Packer release to restore with (10_70, 9_70, 7_80 or auto)")
	extractCmd.Flags().IntVar(&extractOpts.Workers, "workers", env.WorkerCount(runtime.NumCPU()), "Files decoded in parallel")
	extractCmd.Flags().BoolVar(&extractOpts.KeepGoing, "keep-going", false, "Skip files that fail to decode instead of stopping")
	extractCmd.Flags().BoolVar(&extractOpts.PreserveTimes, "preserve-times", false, "Apply the stored modification times to extracted files")
	extractOpts.Output = env.OutputDir()
	rootCmd.AddCommand(extractCmd)
}
