// Package client is a thin Go client for the balancer's client-facing
// surfaces: URL helpers, a reconnecting inference-socket connection pool,
// and the NDJSON/SSE streaming readers, grounded in paddler_client.
package client

import (
	"fmt"
	"net/url"
	"strings"
)

// FormatAPIURL joins base and path the way the balancer's own clients do:
// path must start with "/"; the result is base with any trailing slash
// removed, followed by path, unchanged otherwise (testable property 7).
func FormatAPIURL(base *url.URL, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("client: path %q must start with /", path)
	}
	baseStr := strings.TrimSuffix(base.String(), "/")
	return baseStr + path, nil
}

// InferenceSocketURL rewrites u into the balancer's inference-socket
// WebSocket URL: http → ws, https → wss, any other scheme preserved
// untouched; path is always forced to /api/v1/inference_socket (testable
// property 8).
func InferenceSocketURL(u *url.URL) (*url.URL, error) {
	rewritten := *u
	switch u.Scheme {
	case "http":
		rewritten.Scheme = "ws"
	case "https":
		rewritten.Scheme = "wss"
	}
	rewritten.Path = "/api/v1/inference_socket"
	return &rewritten, nil
}
