package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/llmops/fleetbalancer/lib/domain"
)

// ManagementClient wraps the balancer's admin-facing HTTP surface: agent
// pool introspection, the desired-state GET/PUT pair, buffered-request
// introspection, and the Prometheus scrape endpoint.
type ManagementClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func newManagementClient(baseURL *url.URL, httpClient *http.Client) *ManagementClient {
	return &ManagementClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *ManagementClient) get(ctx context.Context, path string) (*http.Response, error) {
	target, err := FormatAPIURL(c.baseURL, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}
	return resp, nil
}

// GetAgents fetches the current agent pool snapshot.
func (c *ManagementClient) GetAgents(ctx context.Context) (domain.AgentPoolSnapshot, error) {
	resp, err := c.get(ctx, "/api/v1/agents")
	if err != nil {
		return domain.AgentPoolSnapshot{}, err
	}
	defer resp.Body.Close()

	var snapshot domain.AgentPoolSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return domain.AgentPoolSnapshot{}, fmt.Errorf("client: decode agents: %w", err)
	}
	return snapshot, nil
}

// AgentsStream subscribes to GET /api/v1/agents/stream, invoking handle for
// every pushed snapshot until ctx is cancelled, the server closes the
// stream, or handle returns an error.
func (c *ManagementClient) AgentsStream(ctx context.Context, handle func(domain.AgentPoolSnapshot) error) error {
	resp, err := c.get(ctx, "/api/v1/agents/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return StreamSSEJSON(resp.Body, handle)
}

// GetBalancerDesiredState fetches the current desired state.
func (c *ManagementClient) GetBalancerDesiredState(ctx context.Context) (domain.BalancerDesiredState, error) {
	resp, err := c.get(ctx, "/api/v1/balancer_desired_state")
	if err != nil {
		return domain.BalancerDesiredState{}, err
	}
	defer resp.Body.Close()

	var state domain.BalancerDesiredState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return domain.BalancerDesiredState{}, fmt.Errorf("client: decode desired state: %w", err)
	}
	return state, nil
}

// PutBalancerDesiredState replaces the desired state (testable property 6:
// repeating the same PUT is idempotent on the server).
func (c *ManagementClient) PutBalancerDesiredState(ctx context.Context, state domain.BalancerDesiredState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("client: encode desired state: %w", err)
	}

	target, err := FormatAPIURL(c.baseURL, "/api/v1/balancer_desired_state")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: put desired state: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetBufferedRequests fetches the current buffered-request queue snapshot.
func (c *ManagementClient) GetBufferedRequests(ctx context.Context) (domain.BufferedRequestManagerSnapshot, error) {
	resp, err := c.get(ctx, "/api/v1/buffered_requests")
	if err != nil {
		return domain.BufferedRequestManagerSnapshot{}, err
	}
	defer resp.Body.Close()

	var snapshot domain.BufferedRequestManagerSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return domain.BufferedRequestManagerSnapshot{}, fmt.Errorf("client: decode buffered requests: %w", err)
	}
	return snapshot, nil
}

// BufferedRequestsStream subscribes to GET /api/v1/buffered_requests/stream.
func (c *ManagementClient) BufferedRequestsStream(ctx context.Context, handle func(domain.BufferedRequestManagerSnapshot) error) error {
	resp, err := c.get(ctx, "/api/v1/buffered_requests/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return StreamSSEJSON(resp.Body, handle)
}

// GetMetrics fetches the raw Prometheus text exposition from GET /metrics.
func (c *ManagementClient) GetMetrics(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/metrics")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("client: read metrics: %w", err)
	}
	return string(body), nil
}
