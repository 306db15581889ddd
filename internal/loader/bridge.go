package loader

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const mountEndpointPath = "/mcp"

// initializeClient runs the MCP handshake and returns the server's
// advertised capabilities.
func initializeClient(ctx context.Context, c *client.Client, name string) (*mcp.ServerCapabilities, error) {
	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcphub",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return &result.Capabilities, nil
}

// bridgeHandler re-exposes a connected backend client as a locally mounted
// MCP server: its tools and resources are registered on a fresh server whose
// handlers forward every call through the client. The caller keeps ownership
// of the client and must close it when the handle is released.
func bridgeHandler(ctx context.Context, c *client.Client, name, version string, caps *mcp.ServerCapabilities) (http.Handler, error) {
	srv := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(caps.Tools != nil),
		server.WithResourceCapabilities(caps.Resources != nil, caps.Resources != nil),
		server.WithRecovery(),
	)

	if caps.Tools != nil {
		tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", name, err)
		}
		for i := range tools.Tools {
			tool := tools.Tools[i]
			srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return c.CallTool(ctx, mcp.CallToolRequest{
					Params: mcp.CallToolParams{
						Name:      tool.Name,
						Arguments: req.Params.Arguments,
					},
				})
			})
		}
	}

	if caps.Resources != nil {
		resources, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, fmt.Errorf("list resources from %s: %w", name, err)
		}
		for i := range resources.Resources {
			res := resources.Resources[i]
			srv.AddResource(res, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				result, err := c.ReadResource(ctx, mcp.ReadResourceRequest{
					Params: mcp.ReadResourceParams{URI: res.URI},
				})
				if err != nil {
					return nil, err
				}
				return result.Contents, nil
			})
		}
	}

	return server.NewStreamableHTTPServer(srv, server.WithEndpointPath(mountEndpointPath)), nil
}
