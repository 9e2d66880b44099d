package senders

import "github.com/llmops/fleetbalancer/lib/queue"

// sink is the unbounded, single-consumer queue backing every Sender
// Collection entry: §5 notes the per-request sink is unbounded because an
// individual request's output is already bounded by the engine
// (max_tokens, embedding batch size).
type sink[T any] = queue.Unbounded[T]

func newSink[T any]() *sink[T] {
	return &queue.Unbounded[T]{}
}
