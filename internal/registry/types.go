package registry

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ServerKind selects which loader turns a definition into a running server.
type ServerKind string

const (
	KindRemoteSpec ServerKind = "remote-spec"
	KindModule     ServerKind = "module"
	KindPackaged   ServerKind = "packaged"
	KindProxy      ServerKind = "proxy"
)

// State is the runtime state of one definition.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateHealthy  State = "healthy"
	StateFailed   State = "failed"
	StateDisabled State = "disabled"
)

// RouteTarget classifies an endpoint derived from a remote spec.
type RouteTarget string

const (
	RouteTool             RouteTarget = "tool"
	RouteResource         RouteTarget = "resource"
	RouteResourceTemplate RouteTarget = "resource-template"
	RouteExclude          RouteTarget = "exclude"
)

// RouteRule maps a spec endpoint to a RouteTarget. Rules are evaluated in
// declared order; the first match wins, ahead of the built-in fallback.
type RouteRule struct {
	// Pattern is a path.Match glob against the endpoint path ("" matches all).
	Pattern string `json:"pattern" yaml:"pattern"`
	// Methods restricts the rule to the given HTTP methods (empty = any).
	Methods []string    `json:"methods,omitempty" yaml:"methods,omitempty"`
	As      RouteTarget `json:"as" yaml:"as"`
}

// Matches reports whether the rule applies to the given method and path.
func (r RouteRule) Matches(method, routePath string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Pattern == "" {
		return true
	}
	if ok, err := path.Match(r.Pattern, routePath); err == nil && ok {
		return true
	}
	// Prefix fallback stops at segment boundaries so "/pets" does not
	// claim "/petstore".
	if !strings.HasPrefix(routePath, r.Pattern) {
		return false
	}
	rest := routePath[len(r.Pattern):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(r.Pattern, "/")
}

// KindConfig is the backend-specific half of a definition. Only the fields
// for the definition's kind are meaningful; Validate enforces that.
type KindConfig struct {
	// remote-spec
	SpecURL   string      `json:"specUrl,omitempty" yaml:"spec_url,omitempty"`
	BaseURL   string      `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	RouteMaps []RouteRule `json:"routeMaps,omitempty" yaml:"route_maps,omitempty"`

	// module
	ModulePath string `json:"modulePath,omitempty" yaml:"module_path,omitempty"`
	Factory    string `json:"factory,omitempty" yaml:"factory,omitempty"`

	// packaged
	Registry string            `json:"registry,omitempty" yaml:"registry,omitempty"` // npm, pypi, docker
	Package  string            `json:"package,omitempty" yaml:"package,omitempty"`
	Version  string            `json:"version,omitempty" yaml:"version,omitempty"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// proxy
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"` // streamable-http, sse
}

// AuthConfig is credential material attached to outbound calls made on
// behalf of a server. The zero value means no authentication.
type AuthConfig struct {
	Type     string `json:"type" yaml:"type"` // none, bearer, api_key, basic
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Header   string `json:"header,omitempty" yaml:"header,omitempty"` // api_key header name
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
)

// RetryPolicy caps how often the orchestrator retries a failing load.
type RetryPolicy struct {
	Attempts int `json:"attempts" yaml:"attempts"`
	DelayMS  int `json:"delayMs" yaml:"delay_ms"`
}

// Wait returns the delay between attempts.
func (p RetryPolicy) Wait() time.Duration {
	return time.Duration(p.DelayMS) * time.Millisecond
}

// DefaultRetryPolicy is applied when a definition does not set one.
var DefaultRetryPolicy = RetryPolicy{Attempts: 1, DelayMS: 1000}

// ServerDefinition is the persisted, declarative description of one MCP
// server the hub should run. The id is immutable once created.
type ServerDefinition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        ServerKind   `json:"kind" yaml:"kind"`
	KindConfig  KindConfig   `json:"kindConfig" yaml:"kind_config"`
	AuthConfig  *AuthConfig  `json:"authConfig,omitempty" yaml:"auth_config,omitempty"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty" yaml:"retry_policy,omitempty"`
	CreatedAt   time.Time    `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time    `json:"updatedAt" yaml:"-"`
}

// Retry returns the effective retry policy.
func (d *ServerDefinition) Retry() RetryPolicy {
	if d.RetryPolicy == nil || d.RetryPolicy.Attempts <= 0 {
		return DefaultRetryPolicy
	}
	return *d.RetryPolicy
}

// HasTag reports whether the definition carries the given tag.
func (d *ServerDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stored definitions are never aliased by
// callers.
func (d *ServerDefinition) Clone() *ServerDefinition {
	out := *d
	out.Tags = append([]string(nil), d.Tags...)
	out.KindConfig.RouteMaps = append([]RouteRule(nil), d.KindConfig.RouteMaps...)
	out.KindConfig.Args = append([]string(nil), d.KindConfig.Args...)
	if d.KindConfig.Env != nil {
		env := make(map[string]string, len(d.KindConfig.Env))
		for k, v := range d.KindConfig.Env {
			env[k] = v
		}
		out.KindConfig.Env = env
	}
	if d.AuthConfig != nil {
		ac := *d.AuthConfig
		out.AuthConfig = &ac
	}
	if d.RetryPolicy != nil {
		rp := *d.RetryPolicy
		out.RetryPolicy = &rp
	}
	return &out
}

// RuntimeStatus is the last-known load outcome for one definition id. It is
// derived state only; the definition remains the source of truth for what
// should run.
type RuntimeStatus struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	Error            string    `json:"error,omitempty"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// ValidationError rejects a malformed definition before it is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var packageRegistries = map[string]bool{"npm": true, "pypi": true, "docker": true}
var proxyTransports = map[string]bool{"": true, "streamable-http": true, "sse": true}

// Validate checks the definition shape, including that kind_config is
// structurally valid for its kind. Invalid definitions are rejected here, at
// write time, so they can never fail repeatedly at load time.
func (d *ServerDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return invalid("id", "must not be empty")
	}
	if strings.ContainsAny(d.ID, "/ \t\n") {
		return invalid("id", "must not contain slashes or whitespace")
	}
	if strings.TrimSpace(d.Name) == "" {
		return invalid("name", "must not be empty")
	}

	switch d.Kind {
	case KindRemoteSpec:
		if d.KindConfig.SpecURL == "" {
			return invalid("kindConfig.specUrl", "required for kind %q", d.Kind)
		}
		if d.KindConfig.BaseURL == "" {
			return invalid("kindConfig.baseUrl", "required for kind %q", d.Kind)
		}
		for i, rule := range d.KindConfig.RouteMaps {
			switch rule.As {
			case RouteTool, RouteResource, RouteResourceTemplate, RouteExclude:
			default:
				return invalid(fmt.Sprintf("kindConfig.routeMaps[%d].as", i), "unknown route target %q", rule.As)
			}
		}
	case KindModule:
		if d.KindConfig.ModulePath == "" {
			return invalid("kindConfig.modulePath", "required for kind %q", d.Kind)
		}
	case KindPackaged:
		if d.KindConfig.Package == "" {
			return invalid("kindConfig.package", "required for kind %q", d.Kind)
		}
		if !packageRegistries[d.KindConfig.Registry] {
			return invalid("kindConfig.registry", "must be one of npm, pypi, docker")
		}
	case KindProxy:
		if d.KindConfig.URL == "" {
			return invalid("kindConfig.url", "required for kind %q", d.Kind)
		}
		if !proxyTransports[d.KindConfig.Transport] {
			return invalid("kindConfig.transport", "must be streamable-http or sse")
		}
	default:
		return invalid("kind", "unknown kind %q", d.Kind)
	}

	if d.AuthConfig != nil {
		switch d.AuthConfig.Type {
		case AuthNone, "":
		case AuthBearer:
			if d.AuthConfig.Token == "" {
				return invalid("authConfig.token", "required for bearer auth")
			}
		case AuthAPIKey:
			if d.AuthConfig.Header == "" || d.AuthConfig.Key == "" {
				return invalid("authConfig", "api_key auth needs header and key")
			}
		case AuthBasic:
			if d.AuthConfig.Username == "" {
				return invalid("authConfig.username", "required for basic auth")
			}
		default:
			return invalid("authConfig.type", "unknown auth type %q", d.AuthConfig.Type)
		}
	}

	if d.RetryPolicy != nil {
		if d.RetryPolicy.Attempts < 0 {
			return invalid("retryPolicy.attempts", "must not be negative")
		}
		if d.RetryPolicy.DelayMS < 0 {
			return invalid("retryPolicy.delayMs", "must not be negative")
		}
	}
	return nil
}
