/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"evbunpack/internal/env"
	"evbunpack/internal/input"
	"evbunpack/internal/logger"
)

// loaded ahead of every init so .env values reach the flag defaults
var dotenvErr = godotenv.Load()

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "evbunpack",
	Short: "Extracts the virtual filesystem and restores the original PE of virtual-box packed executables",
	Long: `Recovers the original content of executables built by a virtual-box packer:

* the embedded virtual filesystem is extracted to a folder
* the relocated PE headers are written back, producing a standalone executable

Supported packer releases: 10_70, 9_70, 7_80 (detected automatically).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel)
		if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
			logger.Log.Warn("unable to load .env", "error", dotenvErr)
		}
	},
}

func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

// openInput maps the input file, copy-on-write when it will be patched.
func openInput(path string, writable bool) (*input.Image, error) {
	fmt.Printf("[*] Input File: %s\n", path)
	image, err := input.Open(path, writable)
	if err != nil {
		return nil, err
	}
	return image, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", env.LogLevel(), "Log level (DEBUG, INFO, WARN, ERROR)")
}
