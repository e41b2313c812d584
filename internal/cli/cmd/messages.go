package cmd

import (
	"context"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/inbox"
	"github.com/spf13/cobra"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Send and read direct agent-to-agent messages",
}

var (
	messagesSendType string
	messagesReadLimit int
)

var messagesSendCmd = &cobra.Command{
	Use:   "send <recipient-guid> <message>",
	Short: "Send a direct message to an agent's inbox",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			result, err := eng.Inbox().SendDirect(ctx, operatorEntry(eng), args[0], messagesSendType, args[1], nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(result)
				return nil
			}
			out.Success("Message %s delivered (recipient status: %s)", result.MessageID, result.RecipientStatus)
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <recipient-guid>",
	Short: "Read and consume an inbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			result, err := eng.Inbox().ReadDirect(ctx, args[0], inbox.ReadFilter{Limit: messagesReadLimit})
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(result)
				return nil
			}
			if len(result.Messages) == 0 {
				out.Info("No messages")
				return nil
			}
			for _, m := range result.Messages {
				out.KeyValue("From", m.SenderHandle)
				out.KeyValue("Type", m.MessageType)
				out.KeyValue("Content", m.Content)
				out.Divider()
			}
			if result.HasMore {
				out.Warn("more messages available")
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

func init() {
	messagesSendCmd.Flags().StringVar(&messagesSendType, "type", "note", "message type")
	messagesReadCmd.Flags().IntVar(&messagesReadLimit, "limit", 10, "max messages to read")

	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesReadCmd)
	rootCmd.AddCommand(messagesCmd)
}
