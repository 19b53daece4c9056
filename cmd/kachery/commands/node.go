package commands

import (
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type nodeInfo struct {
	NodeID     string `yaml:"node_id,omitempty"`
	StorageDir string `yaml:"storage_dir"`
	Offline    bool   `yaml:"offline"`
	Channels   int    `yaml:"joined_channels"`
}

var nodeInfoCmd = &cobra.Command{
	Use:   "node-info",
	Short: "Print information about this node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := nodeInfo{StorageDir: KA.StorageDir, Offline: KA.Offline()}
		if !KA.Offline() {
			p, err := KA.Probe(cmd.Context())
			if err != nil {
				return err
			}
			info.NodeID = p.NodeID
			info.Channels = len(p.JoinedChannels)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(info)
	},
}

var findTimeout time.Duration

var findFileCmd = &cobra.Command{
	Use:   "find-file [uri]",
	Short: "List the nodes holding a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		for r, err := range KA.FindFile(cmd.Context(), args[0], findTimeout) {
			if err != nil {
				return err
			}
			doc := map[string]any{
				"node_id":   r.NodeID,
				"file_size": r.FileSize,
			}
			if r.Channel != "" {
				doc["channel"] = r.Channel
			}
			if err := enc.Encode(doc); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	findFileCmd.Flags().DurationVar(&findTimeout, "timeout", 5*time.Second, "how long to search")
	rootCmd.AddCommand(nodeInfoCmd, findFileCmd)
}
