package wsconn

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/llmops/fleetbalancer/lib/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionEchoesRequestAsResponse(t *testing.T) {
	var serverSession *Session
	serverDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSession = NewSession(conn, testLogger())
		go func() {
			defer close(serverDone)
			_ = serverSession.Run(context.Background(), func(ctx context.Context, env wire.Envelope) ContinuationDecision {
				serverSession.Send(wire.NewResponse(env.ID, wire.TimeoutResponse()))
				return Continue
			})
		}()
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	req := wire.NewRequest("req-1", wire.GetModelMetadata())
	line, err := req.ToString()
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(line)))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)

	env, err := wire.DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, env.Kind)
	require.Equal(t, "req-1", env.ID)
}
