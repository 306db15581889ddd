// Package echo is a built-in MCP module: a minimal in-process server used
// for smoke-testing a hub deployment without any external backend. Importing
// the package registers it under the module path "builtin/echo".
package echo

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dynamiq/mcphub/internal/loader"
	"github.com/dynamiq/mcphub/internal/registry"
)

// ModulePath is the registration key referenced by module definitions.
const ModulePath = "builtin/echo"

func init() {
	loader.RegisterModule(ModulePath, map[string]loader.ModuleFactory{
		loader.DefaultFactoryName: NewServer,
	})
}

// NewServer builds the echo MCP server.
func NewServer(_ context.Context, def *registry.ServerDefinition) (any, error) {
	srv := server.NewMCPServer(
		def.Name,
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	srv.AddTool(
		mcp.Tool{
			Name:        "echo",
			Description: "Echo back the given message",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"message": map[string]any{"type": "string", "description": "Text to echo back"},
				},
				Required: []string{"message"},
			},
		},
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, ok := req.Params.Arguments.(map[string]any)
			if !ok {
				return mcp.NewToolResultError("missing arguments"), nil
			}
			msg, ok := args["message"].(string)
			if !ok {
				return mcp.NewToolResultError("message must be a string"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("echo: %s", msg)), nil
		},
	)

	return srv, nil
}
