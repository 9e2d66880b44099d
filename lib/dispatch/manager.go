// Package dispatch implements the Buffered Request Manager: admission,
// FIFO bounded queueing, slot-availability dispatch, timeout sweeping, and
// cancellation for client requests waiting on agent capacity (spec §4.5).
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/audit"
	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/metrics"
)

// AdmitResult reports what Admit did with a request.
type AdmitResult int

const (
	Dispatched AdmitResult = iota
	Buffered
	Rejected
)

// BufferedRequest is everything the manager needs to know about one
// admitted request: what model it needs, when it was created, and how to
// observe client cancellation. The request's own params/envelope are
// opaque to this package — see Callbacks.
type BufferedRequest struct {
	ID      string
	ModelID string
	Ctx     context.Context
}

// Callbacks are the family-specific operations the manager cannot perform
// itself: actually sending a Request envelope to an agent, and pushing a
// terminal error response when admission or waiting fails. The response
// sink is registered in its Sender Collection family by the caller before
// Admit, not by these callbacks.
type Callbacks struct {
	// Dispatch allocates nothing further (the manager already reserved the
	// agent's slot) — it records the request as in flight on the agent and
	// sends the Request envelope.
	Dispatch func(agent *agentpool.Agent, req BufferedRequest)
	// Terminal pushes err as the terminal response for req and unregisters
	// it from whichever Sender Collection it belongs to.
	Terminal func(req BufferedRequest, err *balerrors.BalancerError)
}

type queuedEntry struct {
	req        BufferedRequest
	enqueuedAt time.Time
}

// Manager is the Buffered Request Manager. One instance is process-wide,
// shared by the Inference Socket Controller (admission) and a background
// goroutine (dispatch-on-slot-free, timeout sweeping).
type Manager struct {
	maxBuffered int32
	timeout     time.Duration
	pool        *agentpool.Pool
	callbacks   Callbacks
	metrics     *metrics.MetricsRegistry
	audit       *audit.AuditLogger

	mu    sync.Mutex
	queue []*queuedEntry
}

// NewManager builds a Buffered Request Manager. maxBuffered bounds queue
// depth; timeout is how long an entry may wait before it is failed.
// registry records admission/resolution outcomes and buffered duration
// (spec §4.5); it must not be nil. auditLogger additionally records every
// admitted/dispatched/timed-out/rejected request to the audit trail
// (SPEC_FULL.md §4.10); nil disables that recording entirely.
func NewManager(pool *agentpool.Pool, maxBuffered int32, timeout time.Duration, callbacks Callbacks, registry *metrics.MetricsRegistry, auditLogger *audit.AuditLogger) *Manager {
	return &Manager{
		pool:        pool,
		maxBuffered: maxBuffered,
		timeout:     timeout,
		callbacks:   callbacks,
		metrics:     registry,
		audit:       auditLogger,
	}
}

// Admit implements spec §4.5's admission algorithm: dispatch immediately if
// a compatible free slot exists, else enqueue if under the depth limit,
// else reject with a terminal TooManyBufferedRequests response.
func (m *Manager) Admit(req BufferedRequest) AdmitResult {
	if agent, ok := m.pool.FindAgentWithFreeSlot(req.ModelID); ok {
		if err := agent.TryReserveSlot(req.ModelID); err == nil {
			m.callbacks.Dispatch(agent, req)
			if m.audit != nil {
				_ = audit.LogRequestDispatched(m.auditCtx(req), m.audit, req.ID, agent.ID)
			}
			return Dispatched
		}
	}

	m.mu.Lock()
	if int32(len(m.queue)) >= m.maxBuffered {
		m.mu.Unlock()
		m.metrics.RecordRequestResolved(req.ID, "rejected")
		m.callbacks.Terminal(req, balerrors.TooManyBufferedRequests())
		if m.audit != nil {
			_ = audit.LogRequestRejected(m.auditCtx(req), m.audit, req.ID)
		}
		return Rejected
	}
	m.queue = append(m.queue, &queuedEntry{req: req, enqueuedAt: time.Now()})
	m.mu.Unlock()

	m.metrics.RecordRequestAdmitted(req.ID)
	if m.audit != nil {
		_ = audit.LogRequestAdmitted(m.auditCtx(req), m.audit, req.ID, req.ModelID)
	}
	return Buffered
}

// auditCtx returns req's own context for audit metadata extraction
// (lib/audit.WithActor et al.), falling back to context.Background() when
// req carries none.
func (m *Manager) auditCtx(req BufferedRequest) context.Context {
	if req.Ctx != nil {
		return req.Ctx
	}
	return context.Background()
}

// BufferedCount reports the current queue depth (testable property 3:
// buffered_count(t) ≤ max_buffered_requests, enforced by Admit above).
func (m *Manager) BufferedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// MaxBuffered reports the configured queue depth limit.
func (m *Manager) MaxBuffered() int32 {
	return m.maxBuffered
}

// PublicSnapshot renders the queue into the read-only view exposed by
// GET /api/v1/buffered_requests and its SSE stream.
func (m *Manager) PublicSnapshot() domain.BufferedRequestManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.BufferedRequestManagerSnapshot{Requests: make([]domain.BufferedRequestSnapshot, 0, len(m.queue))}
	for _, entry := range m.queue {
		out.Requests = append(out.Requests, domain.BufferedRequestSnapshot{
			ID:         entry.req.ID,
			ModelID:    entry.req.ModelID,
			EnqueuedAt: entry.enqueuedAt,
		})
	}
	out.Count = len(out.Requests)
	return out
}

// OnSlotFreed is invoked (directly, or via a goroutine draining
// pool.SlotFreedEvents()) whenever agentID may have newly-free capacity.
// It scans the queue for the oldest entry compatible with that agent —
// strict FIFO within a model cohort, scanning forward across incompatible
// older entries from other cohorts — and dispatches it. A scan that finds
// nothing leaves the slot free.
func (m *Manager) OnSlotFreed(agentID string) {
	agent, ok := m.pool.Get(agentID)
	if !ok {
		return
	}

	for {
		entry, ok := m.popFirstCompatible(agent)
		if !ok {
			return
		}
		if entry.req.Ctx != nil && entry.req.Ctx.Err() != nil {
			m.metrics.RecordRequestResolved(entry.req.ID, "cancelled")
			continue // cancelled while buffered; drop silently and keep scanning
		}
		if err := agent.TryReserveSlot(entry.req.ModelID); err != nil {
			// Lost the race for this agent's slot; put back at its original
			// relative position is not worth the complexity here since a
			// fresh SlotFreedEvent will re-trigger a scan; just requeue at
			// head to avoid reordering within its cohort.
			m.requeueFront(entry)
			return
		}
		m.metrics.RecordRequestResolved(entry.req.ID, "dispatched")
		m.callbacks.Dispatch(agent, entry.req)
		if m.audit != nil {
			_ = audit.LogRequestDispatched(m.auditCtx(entry.req), m.audit, entry.req.ID, agent.ID)
		}
		return
	}
}

func (m *Manager) popFirstCompatible(agent *agentpool.Agent) (*queuedEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.queue {
		if agent.CanAcceptDispatch(entry.req.ModelID) {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return entry, true
		}
	}
	return nil, false
}

func (m *Manager) requeueFront(entry *queuedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]*queuedEntry{entry}, m.queue...)
}

// SweepTimeouts drains every entry whose age is at least the configured
// timeout, failing each with a terminal Timeout response. Intended to be
// called periodically (resolution no worse than min(timeout, 1s), per
// spec §5) by RunTimeoutSweeper.
func (m *Manager) SweepTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var expired []*queuedEntry
	kept := m.queue[:0]
	for _, entry := range m.queue {
		if now.Sub(entry.enqueuedAt) >= m.timeout {
			expired = append(expired, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	m.queue = kept
	m.mu.Unlock()

	for _, entry := range expired {
		m.metrics.RecordRequestResolved(entry.req.ID, "timeout")
		m.callbacks.Terminal(entry.req, balerrors.Timeout(entry.req.ID))
		if m.audit != nil {
			_ = audit.LogRequestTimedOut(m.auditCtx(entry.req), m.audit, entry.req.ID)
		}
	}
}

// RunTimeoutSweeper blocks, periodically calling SweepTimeouts, until ctx
// is cancelled.
func (m *Manager) RunTimeoutSweeper(ctx context.Context) {
	resolution := m.timeout
	if resolution > time.Second {
		resolution = time.Second
	}
	if resolution <= 0 {
		resolution = time.Second
	}

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepTimeouts()
		}
	}
}

// RunSlotFreedDispatcher blocks, draining pool.SlotFreedEvents() and
// calling OnSlotFreed for each, until ctx is cancelled.
func (m *Manager) RunSlotFreedDispatcher(ctx context.Context) {
	events := m.pool.SlotFreedEvents()
	for {
		ev, ok := events.Recv(ctx)
		if !ok {
			return
		}
		m.OnSlotFreed(ev.AgentID)
	}
}
