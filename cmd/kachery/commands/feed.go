package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"kachery/pkg/feed"

	"github.com/spf13/cobra"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Create, read and write append-only feeds",
}

var feedCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a feed and print its URI",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := KA.Feeds()
		if err != nil {
			return err
		}
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		f, err := fc.CreateFeed(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), f.URI())
		return nil
	},
}

var feedIDCreate bool

var feedIDCmd = &cobra.Command{
	Use:   "id [name]",
	Short: "Print the ID of a named feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := KA.Feeds()
		if err != nil {
			return err
		}
		id, err := fc.GetFeedID(cmd.Context(), args[0], feedIDCreate)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var feedDeleteCmd = &cobra.Command{
	Use:   "delete [name or uri]",
	Short: "Delete a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := KA.Feeds()
		if err != nil {
			return err
		}
		return fc.DeleteFeed(cmd.Context(), args[0])
	},
}

var feedSubmit bool

var feedAppendCmd = &cobra.Command{
	Use:   "append [subfeed uri] [json message]...",
	Short: "Append JSON messages to a subfeed",
	Long: `Append JSON messages to a subfeed of a feed owned by this node. With
--submit the messages are submitted to a feed owned by another node, which
accepts them only if its access rules grant this node write access.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs := make([]feed.Message, 0, len(args)-1)
		for _, a := range args[1:] {
			if !json.Valid([]byte(a)) {
				return fmt.Errorf("not a JSON value: %s", a)
			}
			msgs = append(msgs, feed.Message(a))
		}
		sf, err := loadSubfeed(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if feedSubmit {
			return sf.SubmitMessages(cmd.Context(), msgs...)
		}
		return sf.AppendMessages(cmd.Context(), msgs...)
	},
}

var (
	printSigned bool
	printFollow bool
)

var feedPrintCmd = &cobra.Command{
	Use:     "print [subfeed uri]",
	Aliases: []string{"print-messages"},
	Short:   "Print the messages of a subfeed, one JSON value per line",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sf, err := loadSubfeed(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if printFollow {
			stream := sf.MessageStream(ctx)
			if printSigned {
				stream = sf.SignedMessageStream(ctx)
			}
			for msg, err := range stream {
				if err != nil {
					return err
				}
				if err := printMessage(out, msg); err != nil {
					return err
				}
			}
			return nil
		}

		// without --follow, stop at the current end of the subfeed
		for {
			var batch []feed.Message
			if printSigned {
				batch, err = sf.GetNextSignedMessages(ctx, 0, 100, true)
			} else {
				batch, err = sf.GetNextMessages(ctx, 0, 100, true)
			}
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			for _, msg := range batch {
				if err := printMessage(out, msg); err != nil {
					return err
				}
			}
		}
	},
}

var feedSnapshotCmd = &cobra.Command{
	Use:   "snapshot [feed name or uri] [subfeed name]...",
	Short: "Store an immutable copy of some subfeeds and print its URI",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := KA.Feeds()
		if err != nil {
			return err
		}
		f, err := fc.LoadFeed(cmd.Context(), args[0], false)
		if err != nil {
			return err
		}
		names := make([]any, 0, len(args)-1)
		for _, n := range args[1:] {
			names = append(names, n)
		}
		snap, err := f.CreateSnapshot(cmd.Context(), names)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), snap.URI())
		return nil
	},
}

var feedGrantCmd = &cobra.Command{
	Use:   "grant [subfeed uri] [node id]",
	Short: "Allow a node to submit messages to a subfeed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sf, err := loadSubfeed(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return sf.GrantWriteAccess(cmd.Context(), args[1])
	},
}

var feedRevokeCmd = &cobra.Command{
	Use:   "revoke [subfeed uri] [node id]",
	Short: "Withdraw a node's write access to a subfeed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sf, err := loadSubfeed(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return sf.RevokeWriteAccess(cmd.Context(), args[1])
	},
}

func loadSubfeed(ctx context.Context, subfeedURI string) (*feed.Subfeed, error) {
	fc, err := KA.Feeds()
	if err != nil {
		return nil, err
	}
	return fc.LoadSubfeed(ctx, subfeedURI)
}

func printMessage(w io.Writer, msg feed.Message) error {
	_, err := fmt.Fprintln(w, string(msg))
	return err
}

func init() {
	feedIDCmd.Flags().BoolVar(&feedIDCreate, "create", false, "create the feed if the name is unknown")
	feedAppendCmd.Flags().BoolVar(&feedSubmit, "submit", false, "submit to a feed owned by another node")
	feedPrintCmd.Flags().BoolVar(&printSigned, "signed", false, "print signed envelopes")
	feedPrintCmd.Flags().BoolVar(&printFollow, "follow", false, "keep waiting for new messages")

	feedCmd.AddCommand(feedCreateCmd, feedIDCmd, feedDeleteCmd, feedAppendCmd, feedPrintCmd,
		feedSnapshotCmd, feedGrantCmd, feedRevokeCmd)
	rootCmd.AddCommand(feedCmd)
}
