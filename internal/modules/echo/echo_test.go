package echo

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamiq/mcphub/internal/loader"
	"github.com/dynamiq/mcphub/internal/registry"
)

func TestLoadsThroughModuleLoader(t *testing.T) {
	def := &registry.ServerDefinition{
		ID:   "echo-1",
		Name: "echo-1",
		Kind: registry.KindModule,
		KindConfig: registry.KindConfig{
			ModulePath: ModulePath,
		},
	}

	handle, err := loader.NewModuleLoader().Load(context.Background(), def)
	require.NoError(t, err)
	defer handle.Close()
	assert.NotNil(t, handle.Handler())
}

func TestNewServerReturnsMCPServer(t *testing.T) {
	result, err := NewServer(context.Background(), &registry.ServerDefinition{Name: "echo"})
	require.NoError(t, err)
	_, ok := result.(*server.MCPServer)
	assert.True(t, ok)
}
