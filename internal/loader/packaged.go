package loader

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/client"

	"github.com/dynamiq/mcphub/internal/registry"
)

// PackagedLoader materializes a packaged MCP server (npm, PyPI, or Docker
// artifact), launches it as an owned subprocess, and speaks MCP to it over
// stdio. The subprocess is torn down on every failure path and again when
// the handle is released, so no orphaned process survives a failed load.
type PackagedLoader struct{}

// NewPackagedLoader creates the packaged loader.
func NewPackagedLoader() *PackagedLoader { return &PackagedLoader{} }

// Kind returns the definition kind this loader serves.
func (*PackagedLoader) Kind() registry.ServerKind { return registry.KindPackaged }

// packagedCommand maps a packaged definition onto the launcher for its
// registry. npx and uvx fetch the artifact on first run, so install and
// start are a single step; docker pulls the image the same way.
func packagedCommand(cfg registry.KindConfig) (command string, env []string, args []string, err error) {
	env = make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	switch cfg.Registry {
	case "npm":
		spec := cfg.Package
		if cfg.Version != "" {
			spec += "@" + cfg.Version
		}
		args = append([]string{"-y", spec}, cfg.Args...)
		return "npx", env, args, nil
	case "pypi":
		spec := cfg.Package
		if cfg.Version != "" {
			spec += "==" + cfg.Version
		}
		args = append([]string{spec}, cfg.Args...)
		return "uvx", env, args, nil
	case "docker":
		image := cfg.Package
		if cfg.Version != "" {
			image += ":" + cfg.Version
		}
		args = []string{"run", "--rm", "-i"}
		for _, kv := range env {
			args = append(args, "-e", kv)
		}
		args = append(args, image)
		args = append(args, cfg.Args...)
		// The container gets its env via -e flags; the docker CLI itself
		// runs with the inherited environment only.
		return "docker", nil, args, nil
	default:
		return "", nil, nil, NewLoadError(FailPackageInstall, fmt.Sprintf("unsupported package registry %q", cfg.Registry), nil)
	}
}

// Load launches the packaged server and bridges its stdio connection into a
// mountable handler.
func (*PackagedLoader) Load(ctx context.Context, def *registry.ServerDefinition) (*Handle, error) {
	command, env, args, err := packagedCommand(def.KindConfig)
	if err != nil {
		return nil, err
	}

	// NewStdioMCPClient starts the subprocess; a missing launcher binary
	// surfaces as exec.ErrNotFound, which Classify maps to a package
	// install failure.
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, Classify(err, FailProcessStart, fmt.Sprintf("start %s %s", command, def.KindConfig.Package))
	}

	caps, err := initializeClient(ctx, c, def.ID)
	if err != nil {
		// Close tears down the subprocess started above.
		c.Close()
		return nil, Classify(err, FailConnect, fmt.Sprintf("handshake with %s", def.KindConfig.Package))
	}

	handler, err := bridgeHandler(ctx, c, def.Name, "1.0.0", caps)
	if err != nil {
		c.Close()
		return nil, Classify(err, FailConnect, fmt.Sprintf("mirror capabilities of %s", def.KindConfig.Package))
	}

	return NewHandle(def, handler, c.Close), nil
}
