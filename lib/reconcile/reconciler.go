// Package reconcile implements the Reconciler: it compares each agent's
// applicable state to the declared desired state and issues configuration
// notifications, transitioning an agent to Draining when its resolved
// model path changes (spec §4.7).
package reconcile

import (
	"context"
	"log/slog"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/audit"
	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// Reconciler drives every agent in pool towards the desired state recorded
// in store. It runs on desired-state change and on every new agent
// registration (spec §4.7).
type Reconciler struct {
	store   *Store
	pool    *agentpool.Pool
	logger  *slog.Logger
	metrics *metrics.MetricsRegistry
	audit   *audit.AuditLogger
}

// New builds a Reconciler over store and pool. registry times the drain
// operation reconcileOne triggers on a model-path change. auditLogger
// additionally records every drain to the audit trail (SPEC_FULL.md
// §4.10); nil disables that recording entirely.
func New(store *Store, pool *agentpool.Pool, logger *slog.Logger, registry *metrics.MetricsRegistry, auditLogger *audit.AuditLogger) *Reconciler {
	return &Reconciler{store: store, pool: pool, logger: logger, metrics: registry, audit: auditLogger}
}

// ReconcileAll reconciles every currently registered agent.
func (r *Reconciler) ReconcileAll() {
	desired := domain.DeriveApplicableState(r.store.Get())
	for _, agent := range r.pool.List() {
		r.reconcileOne(agent, desired)
	}
}

// ReconcileAgent reconciles a single agent, e.g. right after it completes
// its handshake.
func (r *Reconciler) ReconcileAgent(agent *agentpool.Agent) {
	desired := domain.DeriveApplicableState(r.store.Get())
	r.reconcileOne(agent, desired)
}

func (r *Reconciler) reconcileOne(agent *agentpool.Agent, desired domain.AgentApplicableState) {
	current := agent.ApplicableState()
	if current.Equal(desired) {
		return
	}

	modelChanged := current.ModelPathChanged(desired)

	agent.Send(wire.NewNotification(wire.SetApplicableStateNotification(desired)))
	agent.SetApplicableState(desired)

	if modelChanged {
		r.logger.Info("reconcile: model path changed, draining agent",
			"agent_id", agent.ID,
			"previous_model_path", current.ModelPath,
			"next_model_path", desired.ModelPath,
		)
		done := r.metrics.AgentOperationTimer(agent.ID, "drain")
		agent.MarkDraining()
		done(true)
		if r.audit != nil {
			_ = audit.LogAgentDrained(context.Background(), r.audit, agent.ID, "model_path_changed")
		}
	}
}
