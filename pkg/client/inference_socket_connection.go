package client

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/wire"
	"github.com/llmops/fleetbalancer/lib/wsconn"
)

// inferenceSocketConnection multiplexes many concurrent requests over one
// /api/v1/inference_socket WebSocket: one Sender-Collection-style registry
// keyed by request id demultiplexes inbound Response/Error envelopes back
// to the caller awaiting them, mirroring how the agent side of the same
// protocol demultiplexes in lib/senders.
type inferenceSocketConnection struct {
	session *wsconn.Session
	pending *senders.Collection[wire.Envelope]
}

func newInferenceSocketConnection(conn *websocket.Conn, logger *slog.Logger) *inferenceSocketConnection {
	return &inferenceSocketConnection{
		session: wsconn.NewSession(conn, logger),
		pending: senders.NewCollection[wire.Envelope](wire.Envelope.IsTerminal),
	}
}

// run drives the connection's read loop until ctx is cancelled or the
// socket closes, dispatching every inbound frame to its awaiting request.
func (c *inferenceSocketConnection) run(ctx context.Context) error {
	err := c.session.Run(ctx, c.handle)
	c.pending.Shutdown(balerrors.ConnectionDropped(""))
	return err
}

func (c *inferenceSocketConnection) handle(_ context.Context, env wire.Envelope) wsconn.ContinuationDecision {
	id := correlationID(env)
	if id != "" {
		c.pending.SendAndRemoveIfTerminal(id, senders.Ok(env))
	}
	return wsconn.Continue
}

func correlationID(env wire.Envelope) string {
	switch env.Kind {
	case wire.KindResponse:
		return env.ID
	case wire.KindError:
		if env.RequestID != nil {
			return *env.RequestID
		}
	}
	return ""
}

// sendRequest registers id in the pending registry and sends req over the
// socket. Responses arrive via recv.
func (c *inferenceSocketConnection) sendRequest(id string, req wire.InnerRequest) error {
	if err := c.pending.Insert(id); err != nil {
		return err
	}
	c.session.Send(wire.NewRequest(id, req))
	return nil
}

func (c *inferenceSocketConnection) recv(ctx context.Context, id string) (wire.Envelope, bool) {
	msg, ok := c.pending.Recv(ctx, id)
	if !ok {
		return wire.Envelope{}, false
	}
	return msg.Value, true
}
