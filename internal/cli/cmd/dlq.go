package cmd

import (
	"context"

	"github.com/loomworks/loom/internal/engine"
	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "View, retry, and discard dead-lettered work items",
}

var (
	dlqListCapability string
	dlqListLimit      int
	dlqResetAttempts  bool
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered work items",
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			items, err := eng.Queue().ListDeadLetterItems(ctx, dlqListCapability, dlqListLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(items)
				return nil
			}
			if len(items) == 0 {
				out.Info("DLQ is empty")
				return nil
			}
			for _, item := range items {
				out.KeyValue("ID", item.ID)
				out.KeyValue("Task", item.WorkItem.TaskID)
				out.KeyValue("Reason", item.Reason)
				out.KeyValue("Attempts", itoa(item.Attempts))
				out.Divider()
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Republish a dead-lettered item to its capability queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			item, err := eng.Queue().RetryDeadLetterItem(ctx, args[0], dlqResetAttempts)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(item)
				return nil
			}
			out.Success("Requeued %s for capability %s", item.ID, item.Capability)
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard <item-id>",
	Short: "Permanently delete a dead-lettered item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.Queue().DiscardDeadLetterItem(ctx, args[0]); err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(map[string]bool{"ok": true})
				return nil
			}
			out.Success("Discarded %s", args[0])
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqListCapability, "capability", "", "filter by capability")
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 100, "max items to list")
	dlqRetryCmd.Flags().BoolVar(&dlqResetAttempts, "reset-attempts", false, "reset the attempt counter on retry")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqDiscardCmd)
	rootCmd.AddCommand(dlqCmd)
}
