package client

import (
	"context"

	balerrors "github.com/llmops/fleetbalancer/lib/errors"

	"github.com/gorilla/websocket"
)

// Dialer opens one inference-socket WebSocket connection.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

type slot struct {
	conn *websocket.Conn
}

// InferenceSocketPool is a bounded pool of lazily-established
// /api/v1/inference_socket connections. Each slot is dialed on first use; a
// slot whose connection was reported broken is redialed once on its next
// Acquire. A dial failure on that attempt is surfaced as PoolExhausted and
// is not retried again within the same Acquire call (spec §4.6, testable
// property 8).
type InferenceSocketPool struct {
	dial  Dialer
	slots chan *slot
}

// NewInferenceSocketPool builds a pool of size connections, dialed lazily
// via dial.
func NewInferenceSocketPool(dial Dialer, size int) *InferenceSocketPool {
	slots := make(chan *slot, size)
	for i := 0; i < size; i++ {
		slots <- &slot{}
	}
	return &InferenceSocketPool{dial: dial, slots: slots}
}

// Release is returned by Acquire. Callers must call it exactly once,
// passing the error (if any) observed while using the connection so the
// pool knows whether to redial the slot next time.
type Release func(err error)

// Acquire borrows a connection from the pool, dialing it if the slot is
// empty or was marked broken by a previous Release. Blocks until a slot is
// available or ctx is done.
func (p *InferenceSocketPool) Acquire(ctx context.Context) (*websocket.Conn, Release, error) {
	select {
	case s := <-p.slots:
		if s.conn != nil {
			return s.conn, p.releaseFunc(s), nil
		}

		conn, err := p.dial(ctx)
		if err != nil {
			p.slots <- s
			return nil, nil, balerrors.PoolExhausted()
		}
		s.conn = conn
		return conn, p.releaseFunc(s), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *InferenceSocketPool) releaseFunc(s *slot) Release {
	return func(err error) {
		if err != nil {
			if s.conn != nil {
				_ = s.conn.Close()
			}
			s.conn = nil
		}
		p.slots <- s
	}
}

// Close closes every currently idle connection in the pool. In-flight
// connections are closed as their holders call Release.
func (p *InferenceSocketPool) Close() {
	for {
		select {
		case s := <-p.slots:
			if s.conn != nil {
				_ = s.conn.Close()
			}
		default:
			return
		}
	}
}
