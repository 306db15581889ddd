package loader

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dynamiq/mcphub/internal/registry"
)

// DefaultFactoryName is used when a module definition does not name a
// factory.
const DefaultFactoryName = "NewServer"

// ModuleFactory builds a server in-process. It may return an http.Handler
// or a *server.MCPServer; anything else is an invalid factory result.
type ModuleFactory func(ctx context.Context, def *registry.ServerDefinition) (any, error)

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]map[string]ModuleFactory)
)

// RegisterModule makes a compiled-in module available under the given path,
// in the manner of database/sql driver registration. Module definitions
// reference it through kind_config.module_path.
func RegisterModule(modulePath string, factories map[string]ModuleFactory) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if _, ok := modules[modulePath]; ok {
		panic(fmt.Sprintf("loader: module %q registered twice", modulePath))
	}
	modules[modulePath] = factories
}

func lookupFactory(modulePath, factoryName string) (ModuleFactory, *LoadError) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	factories, ok := modules[modulePath]
	if !ok {
		return nil, NewLoadError(FailModuleNotFound, fmt.Sprintf("module %q is not registered", modulePath), nil)
	}
	factory, ok := factories[factoryName]
	if !ok {
		return nil, NewLoadError(FailFactoryNotFound, fmt.Sprintf("module %q has no factory %q", modulePath, factoryName), nil)
	}
	return factory, nil
}

// ModuleLoader builds servers from compiled-in module factories.
type ModuleLoader struct{}

// NewModuleLoader creates the module loader.
func NewModuleLoader() *ModuleLoader { return &ModuleLoader{} }

// Kind returns the definition kind this loader serves.
func (*ModuleLoader) Kind() registry.ServerKind { return registry.KindModule }

// Load resolves the module and factory, invokes the factory, and validates
// that the result exposes a mountable surface.
func (*ModuleLoader) Load(ctx context.Context, def *registry.ServerDefinition) (*Handle, error) {
	factoryName := def.KindConfig.Factory
	if factoryName == "" {
		factoryName = DefaultFactoryName
	}

	factory, lerr := lookupFactory(def.KindConfig.ModulePath, factoryName)
	if lerr != nil {
		return nil, lerr
	}

	result, err := factory(ctx, def)
	if err != nil {
		return nil, Classify(err, FailInvalidFactory, fmt.Sprintf("factory %s.%s failed", def.KindConfig.ModulePath, factoryName))
	}

	switch v := result.(type) {
	case *server.MCPServer:
		handler := server.NewStreamableHTTPServer(v, server.WithEndpointPath(mountEndpointPath))
		return NewHandle(def, handler), nil
	case http.Handler:
		return NewHandle(def, v), nil
	default:
		return nil, NewLoadError(FailInvalidFactory,
			fmt.Sprintf("factory %s.%s returned %T, want http.Handler or *server.MCPServer", def.KindConfig.ModulePath, factoryName, result), nil)
	}
}
