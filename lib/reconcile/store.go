package reconcile

import (
	"sync"

	"github.com/llmops/fleetbalancer/lib/domain"
)

// Store holds the single process-wide BalancerDesiredState: one writer
// (the admin PUT handler), many readers (the reconciler, one read per
// agent). Initialised from the persisted state file at startup.
type Store struct {
	mu    sync.RWMutex
	state domain.BalancerDesiredState
}

// NewStore builds a Store seeded with the given initial state.
func NewStore(initial domain.BalancerDesiredState) *Store {
	return &Store{state: initial}
}

// Get returns the current desired state.
func (s *Store) Get() domain.BalancerDesiredState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set replaces the desired state, returning whether it actually changed
// (testable property 6: two identical PUTs are observationally equivalent
// to one — callers use this to decide whether to trigger reconciliation).
func (s *Store) Set(next domain.BalancerDesiredState) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = !s.state.Equal(next)
	s.state = next
	return changed
}
