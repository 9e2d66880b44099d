// Package agentpool implements the Agent Controller: per-connected-agent
// state (declared slot count, free/busy snapshot, last status, outbound
// RPC sender, applicable state last set by the reconciler) and the
// Handshaking → Active →
// Draining → Closed state machine from spec §4.6.
package agentpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// State is one of the four agent lifecycle states.
type State string

const (
	Handshaking State = "handshaking"
	Active      State = "active"
	Draining    State = "draining"
	Closed      State = "closed"
)

// Sender is the minimal outbound capability an Agent needs from its
// WebSocket session; satisfied by *wsconn.Session.
type Sender interface {
	Send(env wire.Envelope)
}

// Agent is the balancer's view of one connected agent: its declared slot
// count, the most recent authoritative slot snapshot, the applicable state
// it is currently known to run, and its outbound RPC sender.
type Agent struct {
	ID string

	mu             sync.RWMutex
	state          State
	declaredSlots  int
	snapshot       domain.SlotAggregatedStatusSnapshot
	snapshotAt     time.Time
	applicable     domain.AgentApplicableState
	optimisticBusy int
	sender         Sender
	inFlight       map[string]struct{}
}

// New creates an Agent in the Handshaking state. It has no declared slot
// count or snapshot until its first UpdateAgentStatus notification.
func New(id string, sender Sender) *Agent {
	return &Agent{
		ID:       id,
		state:    Handshaking,
		sender:   sender,
		inFlight: make(map[string]struct{}),
	}
}

// State reports the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Send forwards env over the agent's outbound RPC channel.
func (a *Agent) Send(env wire.Envelope) {
	a.sender.Send(env)
}

// OnStatusUpdate applies an authoritative UpdateAgentStatus snapshot: it is
// the single source of truth for slot state and resets any optimistic
// decrement accumulated since the previous snapshot. The first valid
// snapshot transitions Handshaking → Active.
func (a *Agent) OnStatusUpdate(snapshot domain.SlotAggregatedStatusSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshot = snapshot
	a.snapshotAt = time.Now()
	a.declaredSlots = snapshot.DeclaredSlots()
	a.optimisticBusy = 0

	if a.state == Handshaking {
		a.state = Active
	}
}

// MarkDraining transitions an Active agent to Draining: no new dispatches
// are made to it, but requests already in flight are left to complete.
// It is a no-op if the agent is not Active.
func (a *Agent) MarkDraining() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Active {
		a.state = Draining
	}
}

// Close transitions the agent to Closed, its terminal state, on socket
// close.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = Closed
}

// DeclaredSlots returns the slot count from the most recent snapshot.
func (a *Agent) DeclaredSlots() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.declaredSlots
}

// EffectiveFreeSlots is the snapshot's free-slot count minus any
// optimistic decrements applied since that snapshot, floored at zero.
func (a *Agent) EffectiveFreeSlots() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.effectiveFreeSlotsLocked()
}

func (a *Agent) effectiveFreeSlotsLocked() int {
	free := a.snapshot.FreeSlots() - a.optimisticBusy
	if free < 0 {
		return 0
	}
	return free
}

// CanAcceptDispatch reports whether this agent is Active and currently has
// effective free capacity for modelID.
func (a *Agent) CanAcceptDispatch(modelID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != Active {
		return false
	}
	return a.effectiveFreeSlotsLocked() > 0 && a.snapshot.HasFreeSlotForModel(modelID)
}

// TryReserveSlot optimistically decrements the agent's effective free slot
// count for a dispatch, returning an error if no capacity remains. The
// decrement is reconciled away by the next OnStatusUpdate.
func (a *Agent) TryReserveSlot(modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Active {
		return fmt.Errorf("agentpool: agent %s is not active (state=%s)", a.ID, a.state)
	}
	if a.effectiveFreeSlotsLocked() <= 0 || !a.snapshot.HasFreeSlotForModel(modelID) {
		return fmt.Errorf("agentpool: agent %s has no free slot for model %q", a.ID, modelID)
	}
	a.optimisticBusy++
	return nil
}

// ApplicableState returns the applicable state this agent is currently
// known to be running.
func (a *Agent) ApplicableState() domain.AgentApplicableState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.applicable
}

// SetApplicableState records the applicable state most recently pushed to
// this agent by the reconciler.
func (a *Agent) SetApplicableState(s domain.AgentApplicableState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applicable = s
}

// Snapshot returns the most recent authoritative slot snapshot.
func (a *Agent) Snapshot() domain.SlotAggregatedStatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// AddInFlight records that request id was just dispatched to this agent,
// so a subsequent connection drop knows to fail it.
func (a *Agent) AddInFlight(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight[id] = struct{}{}
}

// RemoveInFlight drops id once its response stream has ended (terminal
// message observed, or its relay gave up).
func (a *Agent) RemoveInFlight(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}

// DrainInFlight empties and returns every request id still in flight to
// this agent, for the control channel to fail with ConnectionDropped on
// socket close.
func (a *Agent) DrainInFlight() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.inFlight))
	for id := range a.inFlight {
		ids = append(ids, id)
	}
	a.inFlight = make(map[string]struct{})
	return ids
}

// PublicSnapshot renders the agent's state into the read-only view exposed
// by GET /api/v1/agents.
func (a *Agent) PublicSnapshot() domain.AgentSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return domain.AgentSnapshot{
		ID:            a.ID,
		State:         string(a.state),
		DeclaredSlots: a.declaredSlots,
		FreeSlots:     a.effectiveFreeSlotsLocked(),
		Slots:         a.snapshot.Slots,
		Applicable:    a.applicable,
	}
}
