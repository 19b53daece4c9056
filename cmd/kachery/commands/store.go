package commands

import (
	"fmt"

	"kachery/pkg/app"

	"github.com/spf13/cobra"
)

var storeOpts app.StoreOptions

var storeFileCmd = &cobra.Command{
	Use:   "store-file [path]",
	Short: "Store a file locally and print its sha1:// URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := KA.StoreFile(cmd.Context(), args[0], storeOpts)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

var storeDirCmd = &cobra.Command{
	Use:   "store-dir [dir]",
	Short: "Store every file under a directory and print its sha1dir:// URI",
	Long:  `Files matched by .kacheryignore (and .git, .kachery) are skipped.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := KA.StoreDir(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

func init() {
	f := storeFileCmd.Flags()
	f.StringVar(&storeOpts.Basename, "basename", "", "name appended to the URI (default: the file's name)")
	f.BoolVar(&storeOpts.NoManifest, "no-manifest", false, "do not chunk large files")
	f.BoolVar(&storeOpts.Link, "link", false, "record the file by reference instead of copying (offline only)")
	f.BoolVar(&storeOpts.Chunks, "chunks", false, "also store each chunk of a large file as its own blob")

	rootCmd.AddCommand(storeFileCmd, storeDirCmd)
}
