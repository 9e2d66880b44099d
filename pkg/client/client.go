// Package client is the balancer's own Go client: a small HTTP/WebSocket
// SDK over its management and inference surfaces, grounded in
// paddler_client's split between ClientManagement and ClientInference.
package client

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const defaultInferenceSocketPoolSize = 4

// Client is the entry point: Management() and Inference() return
// narrow, purpose-built sub-clients over a shared http.Client.
type Client struct {
	inferenceURL  *url.URL
	managementURL *url.URL
	httpClient    *http.Client
	logger        *slog.Logger
	poolSize      int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the default no-op logger used for the inference
// socket connections' read/write loops.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithInferenceSocketPoolSize overrides the default pooled-connection count.
func WithInferenceSocketPoolSize(size int) Option {
	return func(c *Client) { c.poolSize = size }
}

// New builds a Client. inferenceURL and managementURL are typically the
// same balancer address; they are split to mirror paddler's split listen
// addresses (spec §6).
func New(inferenceURL, managementURL *url.URL, opts ...Option) *Client {
	c := &Client{
		inferenceURL:  inferenceURL,
		managementURL: managementURL,
		httpClient:    http.DefaultClient,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		poolSize:      defaultInferenceSocketPoolSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Management returns a client over the admin-facing HTTP surface.
func (c *Client) Management() *ManagementClient {
	return newManagementClient(c.managementURL, c.httpClient)
}

// Inference returns a client over the client-facing inference surface.
func (c *Client) Inference() *InferenceClient {
	return newInferenceClient(c.inferenceURL, c.httpClient, c.poolSize, c.logger)
}
