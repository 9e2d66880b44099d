package agentpool

import (
	"sync"

	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/queue"
)

// SlotFreedEvent is emitted whenever an agent's slot state could plausibly
// have a newly-free, compatible slot: on every UpdateAgentStatus
// notification. Registering an agent does not emit one; a newly registered
// agent is still Handshaking until its first status update. The Buffered
// Request Manager's
// background dispatcher subscribes to these.
type SlotFreedEvent struct {
	AgentID string
}

// Pool is the process-wide registry of connected agents. It is created
// once at startup and injected into the control-channel handler, the
// reconciler, and the Buffered Request Manager as an explicit dependency
// (spec §9: no ambient globals).
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	slotFreed queue.Unbounded[SlotFreedEvent]
}

// NewPool creates an empty agent pool.
func NewPool() *Pool {
	return &Pool{agents: make(map[string]*Agent)}
}

// Register adds a newly-connected agent to the pool.
func (p *Pool) Register(a *Agent) {
	p.mu.Lock()
	p.agents[a.ID] = a
	p.mu.Unlock()
}

// Unregister removes an agent, e.g. on socket close.
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
}

// Get returns the agent registered under id, if any.
func (p *Pool) Get(id string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[id]
	return a, ok
}

// List returns a snapshot of all currently registered agents.
func (p *Pool) List() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	return out
}

// FindAgentWithFreeSlot returns the first Active agent with effective free
// capacity for modelID. Selection order is unspecified beyond "Active and
// compatible"; the Buffered Request Manager is responsible for admission
// ordering, not this lookup.
func (p *Pool) FindAgentWithFreeSlot(modelID string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.agents {
		if a.CanAcceptDispatch(modelID) {
			return a, true
		}
	}
	return nil, false
}

// NotifySlotFreed publishes a SlotFreedEvent for agentID. Called by the
// control-channel handler after applying an UpdateAgentStatus notification.
func (p *Pool) NotifySlotFreed(agentID string) {
	p.slotFreed.Send(SlotFreedEvent{AgentID: agentID})
}

// SlotFreedEvents exposes the event queue for the Buffered Request
// Manager's background dispatcher to drain.
func (p *Pool) SlotFreedEvents() *queue.Unbounded[SlotFreedEvent] {
	return &p.slotFreed
}

// PublicSnapshot renders the pool into the read-only view exposed by
// GET /api/v1/agents and its SSE stream.
func (p *Pool) PublicSnapshot() domain.AgentPoolSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := domain.AgentPoolSnapshot{Agents: make([]domain.AgentSnapshot, 0, len(p.agents))}
	for _, a := range p.agents {
		out.Agents = append(out.Agents, a.PublicSnapshot())
	}
	return out
}
