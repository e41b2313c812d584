package cmd

import (
	"context"

	"github.com/loomworks/loom/internal/engine"
	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List, send to, and read configured channels",
}

var (
	channelsSendHandle string
	channelsReadLimit  int
	channelsReadOffset int
)

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured channels",
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			descriptors := eng.Channels().List()
			if jsonOutput {
				out.JSON(descriptors)
				return nil
			}
			for _, d := range descriptors {
				out.KeyValue(d.Name, d.Description)
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var channelsSendCmd = &cobra.Command{
	Use:   "send <channel> <message>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			handle := channelsSendHandle
			if handle == "" {
				handle = "loomctl"
			}
			if err := eng.Channels().SendMessage(ctx, args[0], handle, args[1]); err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(map[string]bool{"ok": true})
				return nil
			}
			out.Success("Sent to %s", args[0])
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var channelsReadCmd = &cobra.Command{
	Use:   "read <channel>",
	Short: "Read the most recent messages in a channel",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			msgs, err := eng.Channels().ReadMessages(ctx, args[0], channelsReadLimit, channelsReadOffset)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(msgs)
				return nil
			}
			for _, m := range msgs {
				out.KeyValue(m.Handle, m.Message)
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var channelsStatusCmd = &cobra.Command{
	Use:   "status <channel>",
	Short: "Show a channel's stream metrics",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			metrics, err := eng.Channels().Status(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(metrics)
				return nil
			}
			out.KeyValue("Messages", itoa64(metrics.Messages))
			out.KeyValue("Bytes", itoa64(metrics.Bytes))
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

func init() {
	channelsSendCmd.Flags().StringVar(&channelsSendHandle, "handle", "", "sender handle (default loomctl)")
	channelsReadCmd.Flags().IntVar(&channelsReadLimit, "limit", 20, "max messages to read")
	channelsReadCmd.Flags().IntVar(&channelsReadOffset, "offset", 0, "offset from the newest message")

	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsSendCmd)
	channelsCmd.AddCommand(channelsReadCmd)
	channelsCmd.AddCommand(channelsStatusCmd)
	rootCmd.AddCommand(channelsCmd)
}
