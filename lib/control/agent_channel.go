// Package control wires the balancer's agent-facing control channel (spec
// §4.6) to the shared Agent Controller pool, the Reconciler, and the Sender
// Collection registry. The client-facing inference socket lives in
// lib/inference.
package control

import (
	"context"
	"log/slog"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/reconcile"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/wire"
	"github.com/llmops/fleetbalancer/lib/wsconn"
)

// AgentChannel owns the /api/v1/agent_socket endpoint: it registers each
// connecting agent, applies status notifications, routes balancer-bound
// Response envelopes to the right Sender Collection family, and fails
// every request still in flight to an agent whose socket drops.
type AgentChannel struct {
	pool       *agentpool.Pool
	registry   *senders.Registry
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	metrics    *metrics.MetricsRegistry
}

// NewAgentChannel builds an AgentChannel over the shared pool, registry,
// and reconciler. metricsRegistry records malformed/unexpected envelopes arriving
// on the channel (lib/metrics.MetricsRegistry.RecordAgentError).
func NewAgentChannel(pool *agentpool.Pool, registry *senders.Registry, reconciler *reconcile.Reconciler, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) *AgentChannel {
	return &AgentChannel{pool: pool, registry: registry, reconciler: reconciler, logger: logger, metrics: metricsRegistry}
}

// Serve drives one agent connection until it closes or ctx is cancelled:
// registers the agent, runs the session, then unregisters and fails any
// requests left in flight.
func (c *AgentChannel) Serve(ctx context.Context, agentID string, session *wsconn.Session) error {
	agent := agentpool.New(agentID, session)
	c.pool.Register(agent)
	c.reconciler.ReconcileAgent(agent)

	err := session.Run(ctx, func(_ context.Context, env wire.Envelope) wsconn.ContinuationDecision {
		return c.handle(agent, env)
	})

	agent.Close()
	c.pool.Unregister(agent.ID)
	for _, id := range agent.DrainInFlight() {
		c.registry.FailRequest(id, balerrors.ConnectionDropped(id))
	}

	return err
}

func (c *AgentChannel) handle(agent *agentpool.Agent, env wire.Envelope) wsconn.ContinuationDecision {
	switch env.Kind {
	case wire.KindNotification:
		c.handleNotification(agent, env.Notification)
	case wire.KindResponse:
		c.handleResponse(agent, env)
	case wire.KindError:
		c.logger.Warn("agent error envelope", "agent_id", agent.ID, "code", env.ErrorPayload.Code, "description", env.ErrorPayload.Description)
		c.metrics.RecordAgentError(agent.ID, "error_envelope")
	default:
		c.logger.Warn("unexpected envelope kind on agent channel", "agent_id", agent.ID, "kind", env.Kind)
		c.metrics.RecordAgentError(agent.ID, "unexpected_envelope_kind")
	}
	return wsconn.Continue
}

func (c *AgentChannel) handleNotification(agent *agentpool.Agent, n *wire.InnerNotification) {
	if n.Method != wire.MethodUpdateAgentStatus || n.UpdateAgentStatus == nil {
		c.logger.Warn("unexpected notification from agent", "agent_id", agent.ID, "method", n.Method)
		c.metrics.RecordAgentError(agent.ID, "unexpected_notification")
		return
	}
	agent.OnStatusUpdate(*n.UpdateAgentStatus)
	c.pool.NotifySlotFreed(agent.ID)
}

func (c *AgentChannel) handleResponse(agent *agentpool.Agent, env wire.Envelope) {
	id := env.ID
	resp := env.Response
	var found bool

	switch resp.Kind {
	case wire.ResponseGeneratedToken:
		if resp.GeneratedToken != nil {
			found = c.registry.Tokens.SendAndRemoveIfTerminal(id, senders.Ok(*resp.GeneratedToken))
		}
	case wire.ResponseEmbedding:
		if resp.Embedding != nil {
			found = c.registry.Embeddings.SendAndRemoveIfTerminal(id, senders.Ok(*resp.Embedding))
		}
	case wire.ResponseChatTemplateOverride:
		found = c.registry.ChatTemplateOverrides.SendAndRemoveIfTerminal(id, senders.Ok[*domain.ChatTemplate](resp.ChatTemplateOverride))
	case wire.ResponseModelMetadata:
		found = c.registry.ModelMetadata.SendAndRemoveIfTerminal(id, senders.Ok[*domain.ModelMetadata](resp.ModelMetadata))
	default:
		c.logger.Warn("unexpected response kind from agent", "agent_id", agent.ID, "kind", resp.Kind, "request_id", id)
		c.metrics.RecordAgentError(agent.ID, "unexpected_response_kind")
		return
	}

	if found && resp.IsTerminal() {
		agent.RemoveInFlight(id)
	}
}
