// Package loader turns server definitions into running, mountable handles.
// One loader exists per definition kind; all of them capture expected
// failures (network errors, bad specs, missing modules, timeouts) as typed
// LoadErrors instead of faulting.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"

	"github.com/dynamiq/mcphub/internal/registry"
)

// FailureKind names one expected load failure class.
type FailureKind string

const (
	FailSpecFetch       FailureKind = "spec_fetch_error"
	FailSpecParse       FailureKind = "spec_parse_error"
	FailModuleNotFound  FailureKind = "module_not_found"
	FailFactoryNotFound FailureKind = "factory_not_found"
	FailInvalidFactory  FailureKind = "invalid_factory_result"
	FailPackageInstall  FailureKind = "package_install_error"
	FailProcessStart    FailureKind = "process_start_error"
	FailConnect         FailureKind = "connect_error"
	FailTimeout         FailureKind = "timeout_error"
)

// LoadError is a captured, expected load failure.
type LoadError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// NewLoadError creates a typed load failure.
func NewLoadError(kind FailureKind, message string, cause error) *LoadError {
	return &LoadError{Kind: kind, Message: message, Cause: cause}
}

// AsLoadError extracts a LoadError from an error chain.
func AsLoadError(err error) (*LoadError, bool) {
	var le *LoadError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Classify wraps err as a LoadError, promoting context deadlines and network
// timeouts to FailTimeout so operators can tell "too slow" from
// "unreachable". Anything else gets the fallback kind.
func Classify(err error, fallback FailureKind, message string) *LoadError {
	if le, ok := AsLoadError(err); ok {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewLoadError(FailTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewLoadError(FailTimeout, message, err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return NewLoadError(FailPackageInstall, message, err)
	}
	return NewLoadError(fallback, message, err)
}

// Handle is the live, in-memory reference to a successfully loaded server.
// It is owned exclusively by the hub: created on a successful load, replaced
// wholesale on reload, and discarded on disable or delete.
type Handle struct {
	Definition *registry.ServerDefinition
	handler    http.Handler
	closers    []func() error
}

// NewHandle wraps a request surface and its cleanup functions.
func NewHandle(def *registry.ServerDefinition, handler http.Handler, closers ...func() error) *Handle {
	return &Handle{Definition: def, handler: handler, closers: closers}
}

// Handler returns the mounted request surface.
func (h *Handle) Handler() http.Handler { return h.handler }

// Close releases everything the handle owns (client connections, owned
// subprocesses). Every closer runs even if an earlier one fails.
func (h *Handle) Close() error {
	var errs []error
	for _, c := range h.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loader turns one definition into a handle or a typed failure. The context
// carries the load timeout; loaders must respect cancellation.
type Loader interface {
	Kind() registry.ServerKind
	Load(ctx context.Context, def *registry.ServerDefinition) (*Handle, error)
}

// Set dispatches definitions to the loader for their kind. Adding a new
// kind means adding one Loader implementation, not growing a conditional.
type Set struct {
	loaders map[registry.ServerKind]Loader
}

// NewSet builds a dispatch set from the given loaders.
func NewSet(loaders ...Loader) *Set {
	s := &Set{loaders: make(map[registry.ServerKind]Loader, len(loaders))}
	for _, l := range loaders {
		s.loaders[l.Kind()] = l
	}
	return s
}

// DefaultSet wires up the four built-in loaders.
func DefaultSet() *Set {
	return NewSet(
		NewRemoteSpecLoader(nil),
		NewModuleLoader(),
		NewPackagedLoader(),
		NewProxyLoader(),
	)
}

// For returns the loader registered for kind.
func (s *Set) For(kind registry.ServerKind) (Loader, bool) {
	l, ok := s.loaders[kind]
	return l, ok
}
