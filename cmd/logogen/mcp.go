package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"logogen/pkg/domain"
)

// generationAPI is what the MCP tools need from the service.
type generationAPI interface {
	StartGeneration(ctx context.Context, prompt, style string) (domain.StartResult, error)
	GetGeneration(ctx context.Context, id string) (domain.Generation, error)
	ListGenerations(ctx context.Context, limit int) ([]domain.Generation, error)
	Subscribe(ctx context.Context, id string, onChange func(*domain.Generation), onError func(error)) (func(), error)
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve generation tools to an MCP client over stdio",
		Long: `Serve generation tools to an MCP client over stdio.

Tools: start_generation, get_generation, wait_for_generation, list_generations.

Example client configuration:
  {"command": "logogen", "args": ["mcp", "--server", "http://localhost:8080"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := server.NewStdioServer(newMCPServer(c.client()))
			err := srv.Listen(cmd.Context(), os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newMCPServer(api generationAPI) *server.MCPServer {
	s := server.NewMCPServer(
		"logogen",
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions("Start logo generations and follow them until the image is ready."),
		server.WithRecovery(),
	)

	styles := make([]string, len(domain.Styles))
	for i, st := range domain.Styles {
		styles[i] = string(st)
	}

	s.AddTool(
		mcp.NewTool("start_generation",
			mcp.WithDescription("Start an asynchronous logo generation. Returns the generation id immediately."),
			mcp.WithString("prompt", mcp.Description("Description of the logo, at most 500 characters"), mcp.Required()),
			mcp.WithString("style", mcp.Description("Logo style (default none)"), mcp.Enum(styles...)),
		),
		mcpStartGeneration(api),
	)
	s.AddTool(
		mcp.NewTool("get_generation",
			mcp.WithDescription("Fetch the current record of a generation."),
			mcp.WithString("id", mcp.Description("Generation id"), mcp.Required()),
		),
		mcpGetGeneration(api),
	)
	s.AddTool(
		mcp.NewTool("wait_for_generation",
			mcp.WithDescription("Block until a generation is done or failed and return its final record."),
			mcp.WithString("id", mcp.Description("Generation id"), mcp.Required()),
			mcp.WithNumber("timeout_seconds", mcp.Description("Give up after this many seconds (default 120)")),
		),
		mcpWaitForGeneration(api),
	)
	s.AddTool(
		mcp.NewTool("list_generations",
			mcp.WithDescription("List recent generations, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListGenerations(api),
	)
	return s
}

func mcpStartGeneration(api generationAPI) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		style := req.GetString("style", string(domain.StyleNone))
		res, err := api.StartGeneration(ctx, prompt, style)
		if err != nil {
			return mcpError(describe(err).Error()), nil
		}
		return mcpJSON(res)
	}
}

func mcpGetGeneration(api generationAPI) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		g, err := api.GetGeneration(ctx, id)
		if err != nil {
			return mcpError(describe(err).Error()), nil
		}
		return mcpJSON(g)
	}
}

func mcpWaitForGeneration(api generationAPI) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		timeout := time.Duration(req.GetInt("timeout_seconds", 120)) * time.Second
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		g, err := awaitTerminal(ctx, api, id)
		if errors.Is(err, context.DeadlineExceeded) {
			return mcpError(fmt.Sprintf("generation %s still processing after %s", id, timeout)), nil
		}
		if err != nil {
			return mcpError(describe(err).Error()), nil
		}
		return mcpJSON(g)
	}
}

func mcpListGenerations(api generationAPI) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		items, err := api.ListGenerations(ctx, limit)
		if err != nil {
			return mcpError(describe(err).Error()), nil
		}
		if items == nil {
			items = []domain.Generation{}
		}
		return mcpJSON(items)
	}
}

// awaitTerminal follows id until a done or error snapshot arrives.
func awaitTerminal(ctx context.Context, api generationAPI, id string) (domain.Generation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	final := make(chan domain.Generation, 1)
	failed := make(chan error, 1)
	unsub, err := api.Subscribe(ctx, id,
		func(g *domain.Generation) {
			if g != nil && g.Status.Terminal() {
				select {
				case final <- *g:
				default:
				}
			}
		},
		func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	)
	if err != nil {
		return domain.Generation{}, err
	}
	defer unsub()
	select {
	case g := <-final:
		return g, nil
	case err := <-failed:
		return domain.Generation{}, err
	case <-ctx.Done():
		return domain.Generation{}, ctx.Err()
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcpText(string(data)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
