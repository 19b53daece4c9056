package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kachery/pkg/app"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
)

var (
	loadDest     string
	loadFromNode string
)

var loadFileCmd = &cobra.Command{
	Use:   "load-file [uri]",
	Short: "Load a file into the local store and print its path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := KA.LoadFile(cmd.Context(), args[0], app.LoadOptions{FromNode: loadFromNode})
		if err != nil {
			return err
		}
		if loadDest != "" {
			if err := copyFile(p, loadDest); err != nil {
				return fmt.Errorf("unable to write %s: %w", loadDest, err)
			}
			p = loadDest
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	},
}

// copyFile writes src to dest atomically.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	abs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	pending, err := renameio.TempFile("", abs)
	if err != nil {
		return err
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, in); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func init() {
	loadFileCmd.Flags().StringVar(&loadDest, "dest", "", "also copy the file to this path")
	loadFileCmd.Flags().StringVar(&loadFromNode, "from-node", "", "only load from this node")
	rootCmd.AddCommand(loadFileCmd)
}
