package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/mcp"
)

// cliRequesterID identifies calls issued directly from the command line.
const cliRequesterID = "toolcore-cli"

func newMCPCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect and call the configured MCP servers",
	}
	cmd.AddCommand(newMCPToolsCmd(root), newMCPCallCmd(root))
	return cmd
}

func newMCPToolsCmd(root *rootFlags) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Discover and list the tools of the configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(ctx) }()

			refs := a.bridge.Servers()
			if server != "" {
				ref, err := parseServerRef(server)
				if err != nil {
					return err
				}
				refs = []mcp.ServerRef{ref}
			}
			out := cmd.OutOrStdout()
			var failed int
			for _, ref := range refs {
				ids, err := a.bridge.RefreshServerTools(ctx, ref)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", ref, err)
					continue
				}
				fmt.Fprintf(out, "%s: %d tools\n", ref, len(ids))
				for _, id := range ids {
					fmt.Fprintf(out, "  %s\n", id)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d mcp servers failed", failed, len(refs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "only list the tools of <extensionId>/<serverId>")
	return cmd
}

func newMCPCallCmd(root *rootFlags) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "call <toolId>",
		Short: "Call one tool through the broker and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if input != "" && !json.Valid([]byte(input)) {
				return fmt.Errorf("input is not valid JSON")
			}
			ctx := cmd.Context()
			a, err := setup(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(ctx) }()

			env := tools.CallEnvelope{
				CallID:      uuid.NewString(),
				ToolID:      tools.Ident(args[0]),
				RequesterID: cliRequesterID,
				RunID:       uuid.NewString(),
			}
			if input != "" {
				env.Input = json.RawMessage(input)
			}
			res, err := a.exec.ExecuteToolCall(ctx, env)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("tool call failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "tool input as JSON")
	return cmd
}

// parseServerRef parses "<extensionId>/<serverId>".
func parseServerRef(s string) (mcp.ServerRef, error) {
	ext, srv, ok := strings.Cut(s, "/")
	if !ok || ext == "" || srv == "" {
		return mcp.ServerRef{}, fmt.Errorf("invalid server %q, want <extensionId>/<serverId>", s)
	}
	return mcp.ServerRef{ExtensionID: ext, ServerID: srv}, nil
}
