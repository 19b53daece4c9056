package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var mutableCmd = &cobra.Command{
	Use:   "mutable",
	Short: "Read and write the daemon's mutable key/value records",
	Long:  `Keys and values are JSON values; a bare word is taken as a string.`,
}

var mutableGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := KA.Mutables()
		if err != nil {
			return err
		}
		var v json.RawMessage
		found, err := m.Get(cmd.Context(), jsonArg(args[0]), &v)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no value for key %s", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(v))
		return nil
	},
}

var mutableSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set the value for a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := KA.Mutables()
		if err != nil {
			return err
		}
		return m.Set(cmd.Context(), jsonArg(args[0]), jsonArg(args[1]))
	},
}

var mutableDeleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := KA.Mutables()
		if err != nil {
			return err
		}
		return m.Delete(cmd.Context(), jsonArg(args[0]))
	},
}

// jsonArg reads a command-line argument as JSON, falling back to a string.
func jsonArg(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func init() {
	mutableCmd.AddCommand(mutableGetCmd, mutableSetCmd, mutableDeleteCmd)
	rootCmd.AddCommand(mutableCmd)
}
