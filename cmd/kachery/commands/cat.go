package commands

import (
	"fmt"
	"io"
	"os"

	"kachery/pkg/app"
	"kachery/pkg/exporter"

	"github.com/spf13/cobra"
)

var catStart, catEnd int64

var catCmd = &cobra.Command{
	Use:   "cat-file [uri]",
	Short: "Write the content of a file to stdout",
	Long: `Write the content of a file, or with --start and --end the bytes
[start, end), to stdout. Only the chunks covering the range are loaded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		startSet, endSet := cmd.Flags().Changed("start"), cmd.Flags().Changed("end")
		if startSet != endSet {
			return fmt.Errorf("--start and --end must be given together")
		}
		if startSet {
			if catStart > catEnd {
				return fmt.Errorf("--start (%d) is after --end (%d)", catStart, catEnd)
			}
			if _, err := KA.CopyBytes(ctx, args[0], catStart, catEnd, out); err != nil {
				return fmt.Errorf("cat failed: %w", err)
			}
			return nil
		}

		p, err := KA.LoadFile(ctx, args[0], app.LoadOptions{})
		if err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(out, f)
		return err
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [uri]",
	Short: "Summarize a stored manifest, feed snapshot or directory index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := KA.LoadFile(cmd.Context(), args[0], app.LoadOptions{})
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		known, err := exporter.PrintStructure(data, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if !known {
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes, not a kachery object\n", len(data))
		}
		return nil
	},
}

func init() {
	catCmd.Flags().Int64Var(&catStart, "start", 0, "first byte")
	catCmd.Flags().Int64Var(&catEnd, "end", 0, "end byte (exclusive)")
	rootCmd.AddCommand(catCmd, infoCmd)
}
