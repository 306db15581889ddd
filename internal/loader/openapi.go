package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"

	"github.com/dynamiq/mcphub/internal/registry"
)

// maxSpecSize caps how much of a remote interface description is read.
const maxSpecSize = 10 * 1024 * 1024

// maxProxiedBodySize caps response bodies proxied back through derived
// tools and resources.
const maxProxiedBodySize = 32 * 1024 * 1024

var specMethods = []string{"get", "post", "put", "delete", "patch"}

// RemoteSpecLoader fetches a machine-readable interface description
// (OpenAPI) and derives an MCP server from it: each operation becomes a
// tool, a readable resource, or a parameterized resource according to the
// definition's route maps, and every outbound call carries the definition's
// credentials.
type RemoteSpecLoader struct {
	// fetchClient retrieves the spec document itself. Overridable in tests.
	fetchClient *http.Client
}

// NewRemoteSpecLoader creates the remote-spec loader. A nil client uses
// http.DefaultClient for spec fetches.
func NewRemoteSpecLoader(fetchClient *http.Client) *RemoteSpecLoader {
	if fetchClient == nil {
		fetchClient = http.DefaultClient
	}
	return &RemoteSpecLoader{fetchClient: fetchClient}
}

// Kind returns the definition kind this loader serves.
func (*RemoteSpecLoader) Kind() registry.ServerKind { return registry.KindRemoteSpec }

// specRoute is one operation extracted from the interface description.
type specRoute struct {
	Method      string
	Path        string
	Name        string
	Description string
	PathParams  []string
	QueryParams []specParam
	HasBody     bool
}

type specParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Load fetches and parses the spec, classifies its operations, and mounts
// the derived server.
func (l *RemoteSpecLoader) Load(ctx context.Context, def *registry.ServerDefinition) (*Handle, error) {
	data, err := l.fetchSpec(ctx, def)
	if err != nil {
		return nil, err
	}

	routes, err := parseSpecRoutes(data)
	if err != nil {
		return nil, err
	}

	srv := l.buildServer(def, routes)
	handler := server.NewStreamableHTTPServer(srv, server.WithEndpointPath(mountEndpointPath))
	return NewHandle(def, handler), nil
}

func (l *RemoteSpecLoader) fetchSpec(ctx context.Context, def *registry.ServerDefinition) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.KindConfig.SpecURL, nil)
	if err != nil {
		return nil, NewLoadError(FailSpecFetch, fmt.Sprintf("bad spec url %q", def.KindConfig.SpecURL), err)
	}
	for k, vs := range ResolveCredentials(def.AuthConfig) {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := l.fetchClient.Do(req)
	if err != nil {
		return nil, Classify(err, FailSpecFetch, fmt.Sprintf("fetch spec from %s", def.KindConfig.SpecURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewLoadError(FailSpecFetch, fmt.Sprintf("fetch spec from %s: status %d", def.KindConfig.SpecURL, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecSize))
	if err != nil {
		return nil, Classify(err, FailSpecFetch, "read spec body")
	}
	return data, nil
}

// parseSpecRoutes extracts the operations from an OpenAPI document.
func parseSpecRoutes(data []byte) ([]specRoute, error) {
	if !gjson.ValidBytes(data) {
		return nil, NewLoadError(FailSpecParse, "spec is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(data)
	paths := doc.Get("paths")
	if !paths.IsObject() {
		return nil, NewLoadError(FailSpecParse, "spec has no paths object", nil)
	}

	var routes []specRoute
	paths.ForEach(func(routePath, operations gjson.Result) bool {
		for _, method := range specMethods {
			op := operations.Get(method)
			if !op.Exists() {
				continue
			}
			route := specRoute{
				Method:      strings.ToUpper(method),
				Path:        routePath.String(),
				Name:        op.Get("operationId").String(),
				Description: op.Get("summary").String(),
				HasBody:     op.Get("requestBody").Exists(),
			}
			if route.Name == "" {
				route.Name = routeSlug(method, routePath.String())
			}
			if route.Description == "" {
				route.Description = op.Get("description").String()
			}
			op.Get("parameters").ForEach(func(_, param gjson.Result) bool {
				p := specParam{
					Name:        param.Get("name").String(),
					Type:        param.Get("schema.type").String(),
					Description: param.Get("description").String(),
					Required:    param.Get("required").Bool(),
				}
				if p.Type == "" {
					p.Type = "string"
				}
				if param.Get("in").String() == "path" {
					route.PathParams = append(route.PathParams, p.Name)
				} else {
					route.QueryParams = append(route.QueryParams, p)
				}
				return true
			})
			routes = append(routes, route)
		}
		return true
	})

	if len(routes) == 0 {
		return nil, NewLoadError(FailSpecParse, "spec declares no operations", nil)
	}
	return routes, nil
}

func routeSlug(method, routePath string) string {
	s := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(strings.Trim(routePath, "/"))
	if s == "" {
		s = "root"
	}
	return method + "_" + s
}

// classifyRoute applies the definition's route maps: explicit rules in
// declared order, first match wins, then the built-in fallback (GET without
// path parameters is a resource, GET with parameters a resource template,
// everything else a tool).
func classifyRoute(rules []registry.RouteRule, route specRoute) registry.RouteTarget {
	for _, rule := range rules {
		if rule.Matches(route.Method, route.Path) {
			return rule.As
		}
	}
	if route.Method == http.MethodGet {
		if len(route.PathParams) > 0 {
			return registry.RouteResourceTemplate
		}
		return registry.RouteResource
	}
	return registry.RouteTool
}

func (l *RemoteSpecLoader) buildServer(def *registry.ServerDefinition, routes []specRoute) *server.MCPServer {
	srv := server.NewMCPServer(
		def.Name,
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithRecovery(),
	)

	callClient := authHTTPClient(def.AuthConfig)
	baseURL := strings.TrimSuffix(def.KindConfig.BaseURL, "/")

	for _, route := range routes {
		route := route
		switch classifyRoute(def.KindConfig.RouteMaps, route) {
		case registry.RouteExclude:
			continue
		case registry.RouteResource:
			uri := baseURL + route.Path
			srv.AddResource(
				mcp.NewResource(uri, route.Name, mcp.WithResourceDescription(route.Description)),
				func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
					return fetchResource(ctx, callClient, uri)
				},
			)
		case registry.RouteResourceTemplate:
			uriTemplate := baseURL + route.Path
			srv.AddResourceTemplate(
				mcp.NewResourceTemplate(uriTemplate, route.Name, mcp.WithTemplateDescription(route.Description)),
				func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
					return fetchResource(ctx, callClient, req.Params.URI)
				},
			)
		default:
			srv.AddTool(routeTool(route), routeToolHandler(callClient, baseURL, route))
		}
	}
	return srv
}

// routeTool derives the tool declaration, including an input schema built
// from the operation's parameters.
func routeTool(route specRoute) mcp.Tool {
	properties := make(map[string]any)
	var required []string
	for _, p := range route.PathParams {
		properties[p] = map[string]any{"type": "string"}
		required = append(required, p)
	}
	for _, p := range route.QueryParams {
		properties[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if route.HasBody {
		properties["body"] = map[string]any{
			"type":        "object",
			"description": "JSON request body",
		}
	}
	return mcp.Tool{
		Name:        route.Name,
		Description: route.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

// routeToolHandler forwards a tool call to the upstream endpoint: path
// parameters are substituted, declared query parameters go on the query
// string, and the "body" argument (or the leftovers of a bodied operation)
// is sent as JSON. For body-less operations any remaining scalar arguments
// also become query parameters.
func routeToolHandler(callClient *http.Client, baseURL string, route specRoute) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		if args == nil {
			args = make(map[string]any)
		}

		target := route.Path
		for _, p := range route.PathParams {
			v, ok := args[p]
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("missing required path parameter %q", p)), nil
			}
			target = strings.ReplaceAll(target, "{"+p+"}", fmt.Sprintf("%v", v))
			delete(args, p)
		}

		query := make(map[string]any)
		for _, p := range route.QueryParams {
			if v, ok := args[p.Name]; ok {
				query[p.Name] = v
				delete(args, p.Name)
			}
		}

		var body io.Reader
		headers := make(http.Header)
		if route.HasBody {
			payload := args["body"]
			if payload == nil {
				payload = args
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("encode request body: %v", err)), nil
			}
			body = bytes.NewReader(raw)
			headers.Set("Content-Type", "application/json")
		} else {
			for k, v := range args {
				query[k] = v
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, route.Method, baseURL+target, body)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("build request: %v", err)), nil
		}
		httpReq.Header = headers

		if len(query) > 0 {
			q := httpReq.URL.Query()
			for k, v := range query {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			httpReq.URL.RawQuery = q.Encode()
		}

		resp, err := callClient.Do(httpReq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("call %s %s: %v", route.Method, target, err)), nil
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProxiedBodySize))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("read response: %v", err)), nil
		}
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, respBody)), nil
		}
		return mcp.NewToolResultText(string(respBody)), nil
	}
}

func fetchResource(ctx context.Context, callClient *http.Client, uri string) ([]mcp.ResourceContents, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := callClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxiedBodySize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, uri)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/json"
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: mimeType, Text: string(body)},
	}, nil
}
