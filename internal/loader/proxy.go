package loader

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/dynamiq/mcphub/internal/registry"
)

// ProxyLoader connects to an already-running remote MCP server and wraps the
// connection as a mounted handle.
type ProxyLoader struct{}

// NewProxyLoader creates the proxy loader.
func NewProxyLoader() *ProxyLoader { return &ProxyLoader{} }

// Kind returns the definition kind this loader serves.
func (*ProxyLoader) Kind() registry.ServerKind { return registry.KindProxy }

// Load dials the remote server over the configured transport, runs the MCP
// handshake, and bridges it into a mountable handler.
func (*ProxyLoader) Load(ctx context.Context, def *registry.ServerDefinition) (*Handle, error) {
	httpClient := authHTTPClient(def.AuthConfig)

	var c *client.Client
	var err error
	switch def.KindConfig.Transport {
	case "sse":
		c, err = client.NewSSEMCPClient(def.KindConfig.URL, transport.WithHTTPClient(httpClient))
	default: // streamable-http
		c, err = client.NewStreamableHttpClient(def.KindConfig.URL, transport.WithHTTPBasicClient(httpClient))
	}
	if err != nil {
		return nil, Classify(err, FailConnect, fmt.Sprintf("create client for %s", def.KindConfig.URL))
	}

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, Classify(err, FailConnect, fmt.Sprintf("connect to %s", def.KindConfig.URL))
	}

	caps, err := initializeClient(ctx, c, def.ID)
	if err != nil {
		c.Close()
		return nil, Classify(err, FailConnect, fmt.Sprintf("handshake with %s", def.KindConfig.URL))
	}

	handler, err := bridgeHandler(ctx, c, def.Name, "1.0.0", caps)
	if err != nil {
		c.Close()
		return nil, Classify(err, FailConnect, fmt.Sprintf("mirror capabilities of %s", def.KindConfig.URL))
	}

	return NewHandle(def, handler, c.Close), nil
}
