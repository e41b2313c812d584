package cmd

import (
	"context"
	"strconv"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/registry"
	"github.com/spf13/cobra"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the agent registry",
}

var (
	registryListAgentType string
	registryListCapability string
	registryListOffline   bool
	registryListLimit     int
)

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover registered agents",
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			filter := registry.Filter{
				AgentType:      registryListAgentType,
				Capability:     registryListCapability,
				IncludeOffline: registryListOffline,
				Limit:          registryListLimit,
			}
			result, err := eng.Registry().Discover(ctx, operatorEntry(eng), filter, "")
			if err != nil {
				return err
			}
			if jsonOutput {
				out.JSON(result)
				return nil
			}
			if len(result.Entries) == 0 {
				out.Info("No agents found")
				return nil
			}
			out.Header("Registered Agents")
			for _, e := range result.Entries {
				out.KeyValue("GUID", e.GUID)
				out.KeyValue("Type", e.AgentType)
				out.KeyValue("Handle", e.Handle)
				out.KeyValue("Status", string(e.Status))
				out.KeyValue("Tasks", strconv.Itoa(e.CurrentTaskCount))
				out.Divider()
			}
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

var registryGetCmd = &cobra.Command{
	Use:   "get <guid>",
	Short: "Show a single agent's visible info",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
			entry, err := eng.Registry().Get(ctx, args[0])
			if err != nil {
				return err
			}
			redacted := registry.Redact(entry, operatorEntry(eng))
			if jsonOutput {
				out.JSON(redacted)
				return nil
			}
			out.Header("Agent " + redacted.GUID)
			out.KeyValue("Type", redacted.AgentType)
			out.KeyValue("Handle", redacted.Handle)
			out.KeyValue("Status", string(redacted.Status))
			out.KeyValue("Scope", string(redacted.Scope))
			return nil
		}); err != nil {
			fail(err)
		}
	},
}

func init() {
	registryListCmd.Flags().StringVar(&registryListAgentType, "agent-type", "", "filter by agent type")
	registryListCmd.Flags().StringVar(&registryListCapability, "capability", "", "filter by capability")
	registryListCmd.Flags().BoolVar(&registryListOffline, "include-offline", false, "include offline agents")
	registryListCmd.Flags().IntVar(&registryListLimit, "limit", 100, "max entries to return")

	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryGetCmd)
	rootCmd.AddCommand(registryCmd)
}
