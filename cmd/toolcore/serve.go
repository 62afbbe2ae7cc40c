package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"goa.design/toolcore/features/executor/rpc"
)

func newServeExecutorCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve-executor",
		Short: "Serve tool calls over JSON-RPC on stdin and stdout",
		Long: `Serves agent/executeToolCall requests read from stdin with the local broker.
Logs are written to stderr. The command exits when stdin is closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.WithoutCancel(ctx)) }()

			srv := rpc.NewServer(a.exec, rpc.WithLogger(a.logger))
			a.logger.Info(ctx, "serving executor on stdio", "tools", len(a.broker.ListTools()))
			err = srv.Serve(ctx, rpc.Stdio(cmd.InOrStdin(), nopWriteCloser{cmd.OutOrStdout()}))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// startRemoteExecutor runs "toolcore serve-executor" as a child process and
// returns a client executing tool calls through it. stop closes the client
// and waits for the child to exit.
func startRemoteExecutor(ctx context.Context, root *rootFlags) (client *rpc.Client, stop func() error, err error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve-executor"}
	if root.config != "" {
		args = append(args, "--config", root.config)
	}
	if root.debug {
		args = append(args, "--debug")
	}
	child := exec.Command(self, args...)
	child.Stderr = os.Stderr
	stdin, err := child.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := child.Start(); err != nil {
		return nil, nil, fmt.Errorf("start executor: %w", err)
	}
	client = rpc.NewClient(ctx, rpc.Stdio(stdout, stdin))
	stop = func() error {
		_ = client.Close()
		return child.Wait()
	}
	return client, stop, nil
}

// nopWriteCloser leaves the command output open when the server stops.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
