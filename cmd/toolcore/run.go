package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"goa.design/toolcore/runtime/agent/runlog"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/workflow/deepagent"
	"goa.design/toolcore/runtime/workflow/edit"
	"goa.design/toolcore/runtime/workflow/sdd"
)

type (
	runFlags struct {
		runID        string
		goal         string
		connectionID string
		modelRef     string
		remote       bool
	}

	deepFlags struct {
		systemPrompt string
		plan         []string
		callsFile    string
	}

	editFlags struct {
		attachments    []string
		allowWrites    bool
		maxPatchBytes  int
		conversationID string
	}

	sddFlags struct {
		featureID string
		step      string
	}
)

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow and print its events as JSON lines",
	}
	cmd.PersistentFlags().StringVar(&flags.runID, "run-id", "", "run id (default: random UUID)")
	cmd.PersistentFlags().StringVar(&flags.goal, "goal", "", "goal given to the model")
	cmd.PersistentFlags().StringVar(&flags.connectionID, "connection", "", "model connection (default: configured provider)")
	cmd.PersistentFlags().StringVar(&flags.modelRef, "model", "", "model override")
	cmd.PersistentFlags().BoolVar(&flags.remote, "remote", false, "execute tool calls in a serve-executor child process")
	cmd.AddCommand(
		newRunDeepCmd(root, flags),
		newRunEditCmd(root, flags),
		newRunSDDCmd(root, flags),
	)
	return cmd
}

func newRunDeepCmd(root *rootFlags, run *runFlags) *cobra.Command {
	flags := &deepFlags{}
	cmd := &cobra.Command{
		Use:   "deep",
		Short: "Run the Deep-Agent workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var calls []tools.CallEnvelope
			if flags.callsFile != "" {
				data, err := os.ReadFile(flags.callsFile)
				if err != nil {
					return fmt.Errorf("read calls: %w", err)
				}
				if err := json.Unmarshal(data, &calls); err != nil {
					return fmt.Errorf("parse calls %s: %w", flags.callsFile, err)
				}
			}
			req := deepagent.Request{
				Goal:         run.goal,
				SystemPrompt: flags.systemPrompt,
				ConnectionID: run.connectionID,
				ModelRef:     run.modelRef,
				Plan:         flags.plan,
			}
			return withRun(cmd, root, run, func(ctx context.Context, a *app, runID string) error {
				return deepagent.New(a.exec, a.emitter, a.workflowOptions()...).StartRun(ctx, runID, req, calls...)
			})
		},
	}
	cmd.Flags().StringVar(&flags.systemPrompt, "system", "", "system prompt of the synthesized model call")
	cmd.Flags().StringSliceVar(&flags.plan, "plan", nil, "titles of the planned steps")
	cmd.Flags().StringVar(&flags.callsFile, "calls", "", "JSON file holding the tool call envelopes to run")
	return cmd
}

func newRunEditCmd(root *rootFlags, run *runFlags) *cobra.Command {
	flags := &editFlags{}
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Run the Edit workflow and print the proposal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRun(cmd, root, run, func(ctx context.Context, a *app, runID string) error {
				attachments := make([]any, 0, len(flags.attachments))
				for _, path := range flags.attachments {
					content, err := a.workspace.Read(ctx, path)
					if err != nil {
						return fmt.Errorf("attachment %s: %w", path, err)
					}
					attachments = append(attachments, map[string]any{"path": path, "content": content})
				}
				inputs := map[string]any{
					"attachments": attachments,
					"options": map[string]any{
						"allowWrites":   flags.allowWrites,
						"maxPatchBytes": flags.maxPatchBytes,
					},
				}
				var metadata map[string]any
				if flags.conversationID != "" {
					metadata = map[string]any{"conversationId": flags.conversationID}
				}
				req := edit.Request{
					Goal:         run.goal,
					ConnectionID: run.connectionID,
					ModelRef:     run.modelRef,
					Inputs:       inputs,
					Metadata:     metadata,
				}
				return edit.New(a.exec, a.emitter, a.workflowOptions()...).StartRun(ctx, runID, req)
			})
		},
	}
	cmd.Flags().StringSliceVar(&flags.attachments, "attach", nil, "workspace files given to the model")
	cmd.Flags().BoolVar(&flags.allowWrites, "allow-writes", true, "accept whole-file writes in the proposal")
	cmd.Flags().IntVar(&flags.maxPatchBytes, "max-patch-bytes", edit.DefaultMaxPatchBytes, "largest accepted patch in bytes")
	cmd.Flags().StringVar(&flags.conversationID, "conversation-id", "", "conversation UUID attached to the proposal")
	return cmd
}

func newRunSDDCmd(root *rootFlags, run *runFlags) *cobra.Command {
	flags := &sddFlags{}
	cmd := &cobra.Command{
		Use:   "sdd",
		Short: "Run one step of the spec-driven development workflow",
		Long: `Runs one SDD step (spec, plan, tasks, implement or review) for a feature.
Interrupting the command cancels the run at its next checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			step, err := sdd.ParseStep(flags.step)
			if err != nil {
				return err
			}
			req := sdd.Request{
				FeatureID:    flags.featureID,
				Step:         step,
				Goal:         run.goal,
				ConnectionID: run.connectionID,
				ModelRef:     run.modelRef,
			}
			// The command context is canceled on interrupt. The run itself
			// keeps a live context so it can emit its cancellation event.
			interrupted := cmd.Context()
			return withRun(cmd, root, run, func(_ context.Context, a *app, runID string) error {
				runner := sdd.New(a.exec, a.emitter, a.workflowOptions()...)
				ctx, cancel := context.WithCancel(context.WithoutCancel(interrupted))
				defer cancel()
				go func() {
					select {
					case <-interrupted.Done():
						_ = runner.ControlRun(ctx, sdd.ControlRequest{RunID: runID, Action: sdd.ActionCancel, Reason: "interrupted"})
					case <-ctx.Done():
					}
				}()
				return runner.StartRun(ctx, runID, req)
			})
		},
	}
	cmd.Flags().StringVar(&flags.featureID, "feature", "", "feature id, the directory under specs/")
	cmd.Flags().StringVar(&flags.step, "step", string(sdd.StepSpec), "step to run")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

// withRun builds the app with its event sinks, runs fn and reports how many
// events the run log recorded.
func withRun(cmd *cobra.Command, root *rootFlags, flags *runFlags, fn func(ctx context.Context, a *app, runID string) error) error {
	ctx := cmd.Context()
	a, err := setup(ctx, root)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn(ctx, "close failed", "err", err)
		}
	}()
	if err := a.withEvents(ctx, cmd.OutOrStdout()); err != nil {
		return err
	}
	if flags.remote {
		client, stop, err := startRemoteExecutor(ctx, root)
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(); err != nil {
				a.logger.Warn(ctx, "executor exited", "err", err)
			}
		}()
		a.exec = client
	}

	runID := flags.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	runErr := fn(ctx, a, runID)

	events, err := runlog.ReadAll(context.WithoutCancel(ctx), a.runlog, runID, 0)
	if err != nil {
		a.logger.Warn(ctx, "read run log failed", "run_id", runID, "err", err)
	} else {
		a.logger.Info(ctx, "run finished", "run_id", runID, "events", len(events), "err", runErr)
	}
	return runErr
}
