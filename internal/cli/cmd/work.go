package cmd

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/workqueue"
	"github.com/spf13/cobra"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Broadcast, claim, and inspect work offers",
}

var (
	workBroadcastCapability string
	workBroadcastPriority   int
	workClaimTimeoutMs      int
	workListLimit           int
)

var workBroadcastCmd = &cobra.Command{
	Use:   "broadcast <task-id> <description>",
	Short: "Broadcast a work offer to every agent holding a capability",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			item, err := eng.Queue().BroadcastWorkOffer(ctx, operatorEntry(eng), workqueue.BroadcastParams{
				TaskID:             args[0],
				Description:        args[1],
				RequiredCapability: workBroadcastCapability,
				Priority:           workBroadcastPriority,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(item)
				return nil
			}
			out.Success("Offered work item %s for capability %s", item.ID, item.Capability)
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var workClaimCmd = &cobra.Command{
	Use:   "claim <capability>",
	Short: "Claim a single queued work item for a capability",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			claimer := registry.Entry{ProjectID: eng.Config().ProjectID, Capabilities: []string{args[0]}}
			result, err := eng.Queue().ClaimWork(ctx, claimer, args[0], time.Duration(workClaimTimeoutMs)*time.Millisecond)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(result)
				return nil
			}
			if !result.Found {
				out.Info("No work available for capability %s", args[0])
				return nil
			}
			out.Success("Claimed %s: %s", result.Item.ID, result.Item.Description)
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var workListCmd = &cobra.Command{
	Use:   "list <capability>",
	Short: "List queued work items without claiming them",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			result, err := eng.Queue().ListWork(ctx, args[0], workqueue.ListFilter{Limit: workListLimit})
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(result)
				return nil
			}
			out.KeyValue("Total", itoa(result.Total))
			for _, item := range result.Items {
				out.KeyValue(item.ID, item.Description)
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var workStatusCmd = &cobra.Command{
	Use:   "status [capability]",
	Short: "Show queue depth for one or every capability",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		capability := ""
		if len(args) == 1 {
			capability = args[0]
		}
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			metrics, err := eng.Queue().QueueStatus(ctx, capability)
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(metrics)
				return nil
			}
			for _, m := range metrics {
				out.KeyValue(m.Capability, itoa64(m.Messages)+" messages")
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

func init() {
	workBroadcastCmd.Flags().StringVar(&workBroadcastCapability, "capability", "", "required capability")
	workBroadcastCmd.Flags().IntVar(&workBroadcastPriority, "priority", 5, "priority 1-10")
	workClaimCmd.Flags().IntVar(&workClaimTimeoutMs, "timeout-ms", 5000, "max wait for an item")
	workListCmd.Flags().IntVar(&workListLimit, "limit", 100, "max items to list")

	workCmd.AddCommand(workBroadcastCmd)
	workCmd.AddCommand(workClaimCmd)
	workCmd.AddCommand(workListCmd)
	workCmd.AddCommand(workStatusCmd)
	rootCmd.AddCommand(workCmd)
}
