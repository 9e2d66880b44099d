// Package wsconn owns a single WebSocket connection on behalf of either
// side of the system (agent control channel or client inference socket):
// a write-serializing queue drained by a dedicated write loop, a
// demultiplexing read loop, and a broadcast close signal any number of
// per-request streams can subscribe to as a cancellation source. The
// transport idiom (gorilla/websocket, two goroutines over one connection,
// a done channel) is grounded in the gateway↔host-agent tunnel proxy this
// system's balancer↔agent channel plays the same role as.
package wsconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llmops/fleetbalancer/lib/queue"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// ContinuationDecision is returned by a Session's incoming-message handler
// to say whether the read loop should keep going.
type ContinuationDecision int

const (
	Continue ContinuationDecision = iota
	CloseSession
)

// Handler processes one decoded incoming envelope.
type Handler func(ctx context.Context, env wire.Envelope) ContinuationDecision

const writeDeadline = 10 * time.Second

// Session owns one WebSocket connection end-to-end: Send queues an
// outbound envelope, Run drives the read/write loops until the connection
// closes or ctx is cancelled, and CloseBroadcast lets other goroutines
// (per-request streaming relays) observe the close as a cancellation
// signal.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeQueue queue.Unbounded[wire.Envelope]

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSession wraps an already-upgraded WebSocket connection.
func NewSession(conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		conn:    conn,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
}

// Send enqueues env for delivery; the write loop frames and sends it in
// enqueue order. Send never blocks.
func (s *Session) Send(env wire.Envelope) {
	s.writeQueue.Send(env)
}

// CloseBroadcast returns a channel that's closed exactly once, when this
// session ends for any reason.
func (s *Session) CloseBroadcast() <-chan struct{} {
	return s.closeCh
}

// fireClose closes the broadcast channel at most once.
func (s *Session) fireClose() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// Run drives the session until the connection closes, ctx is cancelled, or
// handler requests CloseSession. It always returns once the session is
// fully torn down: the write queue closed, the broadcast fired, and the
// underlying connection closed. The returned error is the reason the
// session ended, or nil on a clean close.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	writeDone := make(chan struct{})
	go s.writeLoop(writeDone)

	readErr := s.readLoop(ctx, handler)

	s.writeQueue.Close()
	<-writeDone
	s.fireClose()
	_ = s.conn.Close()

	return readErr
}

func (s *Session) writeLoop(done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		env, ok := s.writeQueue.Recv(ctx)
		if !ok {
			return
		}
		line, err := env.ToString()
		if err != nil {
			s.logger.Error("wsconn: failed to encode outgoing envelope", "error", err)
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			s.logger.Warn("wsconn: write failed, closing session", "error", err)
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			env, err := wire.DecodeEnvelope(data)
			if err != nil {
				s.logger.Warn("wsconn: discarding unparsable frame", "error", err)
				continue
			}
			if handler(ctx, env) == CloseSession {
				return nil
			}
		case websocket.BinaryMessage:
			s.logger.Debug("wsconn: ignoring binary frame")
		default:
			// ping/pong are handled by gorilla's default handlers below
			// ReadMessage; nothing else reaches here.
		}
	}
}
