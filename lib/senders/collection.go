// Package senders implements the Sender Collections: keyed registries
// mapping a request id to an unbounded single-consumer sink that streams
// one response family back to the originating client. §9 prefers one
// concrete type per family over a single heterogeneous container, so
// Collection is a generic building block instantiated once per family in
// families.go.
package senders

import (
	"context"
	"fmt"
	"sync"

	balerrors "github.com/llmops/fleetbalancer/lib/errors"
)

// Message is either a successful value of T or a terminal error — the unit
// actually pushed through a Collection's sinks, so that connection-drop and
// other failures can terminate a stream without T itself needing an error
// variant.
type Message[T any] struct {
	Value T
	Err   *balerrors.BalancerError
}

// Ok wraps a successful value.
func Ok[T any](v T) Message[T] { return Message[T]{Value: v} }

// Err wraps a terminal error.
func Err[T any](err *balerrors.BalancerError) Message[T] { return Message[T]{Err: err} }

// IsTerminalFunc decides whether a non-error Message[T] ends its stream.
type IsTerminalFunc[T any] func(T) bool

// Collection is a concurrent keyed registry from request id to a response
// sink. At most one entry may be registered per request id at a time.
type Collection[T any] struct {
	isTerminal IsTerminalFunc[T]

	mu      sync.RWMutex
	entries map[string]*sink[Message[T]]
}

// NewCollection builds an empty Collection using isTerminal to decide when
// a pushed value ends its request's stream.
func NewCollection[T any](isTerminal IsTerminalFunc[T]) *Collection[T] {
	return &Collection[T]{
		isTerminal: isTerminal,
		entries:    make(map[string]*sink[Message[T]]),
	}
}

// Insert registers a new sink under id. It is an error to insert when id
// is already registered.
func (c *Collection[T]) Insert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; exists {
		return fmt.Errorf("senders: request id %q already registered", id)
	}
	c.entries[id] = newSink[Message[T]]()
	return nil
}

// Remove unregisters and closes the sink for id, if present.
func (c *Collection[T]) Remove(id string) {
	c.mu.Lock()
	s, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Get returns the sink registered under id, if any.
func (c *Collection[T]) Get(id string) (*sink[Message[T]], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[id]
	return s, ok
}

// Iter returns a snapshot of currently registered request ids.
func (c *Collection[T]) Iter() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len reports how many requests are currently registered.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SendAndRemoveIfTerminal looks up id, pushes msg into its sink, and
// removes the entry if msg is terminal (an error, or the family predicate
// fires) or if the push itself failed (sink already closed). It reports
// whether id was found at all.
func (c *Collection[T]) SendAndRemoveIfTerminal(id string, msg Message[T]) bool {
	c.mu.RLock()
	s, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	pushed := s.Send(msg)
	terminal := msg.Err != nil || (pushed && c.isTerminal != nil && c.isTerminal(msg.Value))
	if !pushed || terminal {
		c.Remove(id)
	}
	return true
}

// Recv blocks until a message is available for id, the entry is removed,
// or ctx is done.
func (c *Collection[T]) Recv(ctx context.Context, id string) (Message[T], bool) {
	s, ok := c.Get(id)
	if !ok {
		var zero Message[T]
		return zero, false
	}
	return s.Recv(ctx)
}

// Shutdown pushes err into every currently registered sink as a terminal
// message, then clears the collection. Used when the owning connection
// (agent or client) closes.
func (c *Collection[T]) Shutdown(err *balerrors.BalancerError) {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*sink[Message[T]])
	c.mu.Unlock()

	for _, s := range entries {
		s.Send(Err[T](err))
		s.Close()
	}
}
