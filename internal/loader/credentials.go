package loader

import (
	"encoding/base64"
	"net/http"

	"github.com/dynamiq/mcphub/internal/registry"
)

// ResolveCredentials converts a definition's auth config into the headers
// attached to every outbound call the loaded server makes. Unknown auth
// types are rejected at definition write time, so by the time a loader runs
// the config is one of the known variants.
func ResolveCredentials(ac *registry.AuthConfig) http.Header {
	headers := make(http.Header)
	if ac == nil {
		return headers
	}
	switch ac.Type {
	case registry.AuthBearer:
		headers.Set("Authorization", "Bearer "+ac.Token)
	case registry.AuthAPIKey:
		headers.Set(ac.Header, ac.Key)
	case registry.AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(ac.Username + ":" + ac.Password))
		headers.Set("Authorization", "Basic "+cred)
	}
	return headers
}

// headerRoundTripper injects a fixed header set into every request. Used to
// carry resolved credentials through the MCP client transports.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			clone.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(clone)
}

// authHTTPClient builds an http.Client that carries the definition's
// credentials on every request.
func authHTTPClient(ac *registry.AuthConfig) *http.Client {
	headers := ResolveCredentials(ac)
	if len(headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{
		Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers},
	}
}
