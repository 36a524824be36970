/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"evbunpack/internal/vfs"
)

var listDigests bool

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list <file>",
	Short: "Lists the embedded virtual filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := openInput(args[0], false)
		if err != nil {
			fmt.Printf("[!] unable to read input file. %v\n", err)
			return err
		}
		defer image.Close()

		unpacker, err := vfs.New(image.Bytes())
		if err != nil {
			fmt.Printf("[!] %v\n", err)
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()
		for p, entry := range unpacker.Files() {
			if entry.IsFolder {
				fmt.Fprintf(w, "%s/\t-\t-\t\n", p)
				continue
			}
			line := fmt.Sprintf("%s\t%d\t%s\t", p, entry.OriginalSize, entry.Encoding)
			if listDigests {
				content, err := unpacker.FileData(entry)
				if err != nil {
					line += "[!] " + err.Error()
				} else {
					line += digest.FromBytes(content).String()
				}
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listDigests, "digest", false, "Decode every file and print its sha256 digest")
	rootCmd.AddCommand(listCmd)
}
