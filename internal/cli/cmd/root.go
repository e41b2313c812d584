// Package cmd is loomctl's cobra command tree, one file per noun, following
// the teacher's internal/cli/cmd layout narrowed to this spec's nouns:
// registry, messages, work, dlq, channels.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/loomworks/loom/internal/cli/output"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
	"github.com/spf13/cobra"
)

var (
	natsURLFlag string
	jsonOutput  bool
	out         *output.Output
)

// rootCmd is loomctl's base command.
var rootCmd = &cobra.Command{
	Use:   "loomctl",
	Short: "Operator CLI for the loom coordination daemon",
	Long:  `loomctl inspects and drives a loomd coordination engine: registry, inbox, work queue, dead letters, and channels.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		out = output.New(jsonOutput)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&natsURLFlag, "nats-url", "", "substrate URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
}

// withEngine loads configuration, connects to the substrate, builds and
// starts an Engine for the duration of f, and tears it down afterward. Every
// noun command runs its work through this helper rather than holding a
// long-lived connection, since loomctl is a one-shot operator tool, not a
// daemon.
func withEngine(f func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := context.Background()

	projectPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	cfg, err := config.Load(projectPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if natsURLFlag != "" {
		cfg.NatsURL = natsURLFlag
	}

	client, err := substrate.Connect(ctx, cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect to substrate: %w", err)
	}
	defer client.Close()

	eng, err := engine.New(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Shutdown()

	return f(ctx, eng)
}

// operatorEntry is the synthetic requester used for read-only registry
// queries made from the CLI, which runs outside any registered agent
// session. It carries the resolved project ID so team-scoped entries are
// still visible to an operator working inside the same project.
func operatorEntry(eng *engine.Engine) registry.Entry {
	return registry.Entry{ProjectID: eng.Config().ProjectID}
}

func fail(err error) {
	out.Error("%v", err)
	os.Exit(1)
}
