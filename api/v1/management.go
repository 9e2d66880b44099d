// Package v1 implements the balancer's management HTTP surface (spec
// §6 "HTTP (management service)"): typed CRUD/read operations over
// huma/v2 (teacher's declared-but-unused dependency, wired here for
// real, following the chi sub-router-per-concern layout of
// lib/api/mcp_routes.go) and the two SSE streaming mirrors over
// tmaxmax/go-sse.
package v1

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/audit"
	"github.com/llmops/fleetbalancer/lib/dispatch"
	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/reconcile"
)

// snapshotInterval is how often the SSE streams re-publish a fresh
// snapshot. The spec leaves the cadence unspecified beyond "a stream of
// the same" data GET returns.
const snapshotInterval = 2 * time.Second

// ManagementDeps bundles everything the management surface reads from or
// writes to, injected explicitly rather than held as package globals
// (spec §9 "Global state").
type ManagementDeps struct {
	Pool        *agentpool.Pool
	Dispatcher  *dispatch.Manager
	Store       *reconcile.Store
	Reconciler  *reconcile.Reconciler
	AuditLogger *audit.AuditLogger
	Logger      *slog.Logger
}

// RegisterManagementAPI mounts every GET/PUT §6 endpoint plus its SSE
// mirror on router. The background publishers started here run until ctx
// is cancelled.
func RegisterManagementAPI(ctx context.Context, router chi.Router, deps ManagementDeps) {
	config := huma.DefaultConfig("FleetBalancer Management API", "1.0.0")
	api := humachi.New(router, config)

	registerAgentsOp(api, deps)
	registerDesiredStateOps(api, deps)
	registerBufferedRequestsOp(api, deps)

	registerStream(ctx, router, "/api/v1/agents/stream", deps.Logger, func() any {
		return deps.Pool.PublicSnapshot()
	})
	registerStream(ctx, router, "/api/v1/buffered_requests/stream", deps.Logger, func() any {
		return deps.Dispatcher.PublicSnapshot()
	})
}

type agentsOutput struct {
	Body domain.AgentPoolSnapshot
}

func registerAgentsOp(api huma.API, deps ManagementDeps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/api/v1/agents",
		Summary:     "Snapshot of every connected agent and its slot state",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *struct{}) (*agentsOutput, error) {
		return &agentsOutput{Body: deps.Pool.PublicSnapshot()}, nil
	})
}

type desiredStateOutput struct {
	Body domain.BalancerDesiredState
}

type putDesiredStateInput struct {
	Body domain.BalancerDesiredState
}

func registerDesiredStateOps(api huma.API, deps ManagementDeps) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balancer-desired-state",
		Method:      http.MethodGet,
		Path:        "/api/v1/balancer_desired_state",
		Summary:     "Read the declared desired state",
		Tags:        []string{"desired-state"},
	}, func(ctx context.Context, input *struct{}) (*desiredStateOutput, error) {
		return &desiredStateOutput{Body: deps.Store.Get()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-balancer-desired-state",
		Method:      http.MethodPut,
		Path:        "/api/v1/balancer_desired_state",
		Summary:     "Replace the declared desired state",
		Tags:        []string{"desired-state"},
	}, func(ctx context.Context, input *putDesiredStateInput) (*desiredStateOutput, error) {
		changed := deps.Store.Set(input.Body)
		if changed {
			deps.Reconciler.ReconcileAll()
		}
		if deps.AuditLogger != nil {
			if err := audit.LogDesiredStateUpdated(ctx, deps.AuditLogger, "1", map[string]any{
				"changed": changed,
				"model":   input.Body.Model,
			}); err != nil {
				deps.Logger.Warn("management: failed to audit-log desired state update", "error", err)
			}
		}
		return &desiredStateOutput{Body: deps.Store.Get()}, nil
	})
}

type bufferedRequestsOutput struct {
	Body domain.BufferedRequestManagerSnapshot
}

func registerBufferedRequestsOp(api huma.API, deps ManagementDeps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-buffered-requests",
		Method:      http.MethodGet,
		Path:        "/api/v1/buffered_requests",
		Summary:     "Snapshot of the currently buffered (not yet dispatched) requests",
		Tags:        []string{"buffered-requests"},
	}, func(ctx context.Context, input *struct{}) (*bufferedRequestsOutput, error) {
		return &bufferedRequestsOutput{Body: deps.Dispatcher.PublicSnapshot()}, nil
	})
}

// registerStream mounts an SSE endpoint at path that republishes
// snapshot() every snapshotInterval until ctx is cancelled.
func registerStream(ctx context.Context, router chi.Router, path string, logger *slog.Logger, snapshot func() any) {
	srv := &sse.Server{}
	router.Get(path, srv.ServeHTTP)

	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(snapshot())
				if err != nil {
					logger.Warn("management: failed to encode stream snapshot", "path", path, "error", err)
					continue
				}
				msg := &sse.Message{}
				msg.AppendData(string(data))
				if err := srv.Publish(msg); err != nil {
					logger.Debug("management: stream publish failed", "path", path, "error", err)
				}
			}
		}
	}()
}
