// Command toolcore runs the agent tool orchestration core from the command
// line: workflow runs against the local broker, MCP tool discovery and the
// executor boundary served over stdio.
//
// # Configuration
//
// A YAML file given with --config describes the workspace, the policy lists,
// the model provider, the MCP servers and the event sinks. Environment
// variables override it:
//
//	TOOLCORE_WORKSPACE       - workspace root (default: ".")
//	TOOLCORE_MODEL_PROVIDER  - default model connection: anthropic or openai
//	TOOLCORE_MODEL           - model of the default connection
//	ANTHROPIC_API_KEY        - enables the anthropic connection
//	OPENAI_API_KEY           - enables the openai connection
//	MONGO_URI                - stores run events in MongoDB instead of memory
//	REDIS_URL                - streams run events to Redis and shares model budgets
//	NATS_URL                 - publishes run events on NATS
//
// # Example
//
//	ANTHROPIC_API_KEY=... toolcore run deep --goal "Summarize README.md"
//	toolcore run sdd --feature 001-login --step plan --config toolcore.yaml
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

type rootFlags struct {
	config string
	debug  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "toolcore",
		Short:        "Agent tool orchestration core",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			format := log.FormatJSON
			if log.IsTerminal() {
				format = log.FormatTerminal
			}
			ctx := log.Context(cmd.Context(), log.WithFormat(format), log.WithOutput(cmd.ErrOrStderr()))
			if flags.debug {
				ctx = log.Context(ctx, log.WithDebug())
				log.Debugf(ctx, "debug logs enabled")
			}
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.config, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logs")

	root.AddCommand(
		newRunCmd(flags),
		newMCPCmd(flags),
		newServeExecutorCmd(flags),
	)
	return root
}

// setup loads the configuration and builds the app. The caller closes it.
func setup(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags.config)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}
