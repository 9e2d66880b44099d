package control

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/reconcile"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/wire"
	"github.com/llmops/fleetbalancer/lib/wsconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopSender struct{}

func (nopSender) Send(wire.Envelope) {}

func newTestChannel() (*AgentChannel, *agentpool.Pool, *senders.Registry) {
	pool := agentpool.NewPool()
	registry := senders.NewRegistry()
	store := reconcile.NewStore(domain.DefaultBalancerDesiredState())
	mr := metrics.NewMetricsRegistry()
	reconciler := reconcile.New(store, pool, testLogger(), mr, nil)
	return NewAgentChannel(pool, registry, reconciler, testLogger(), mr), pool, registry
}

func TestHandleNotificationAppliesStatusAndMarksActive(t *testing.T) {
	c, _, _ := newTestChannel()
	agent := agentpool.New("a1", nopSender{})

	n := wire.UpdateAgentStatusNotification(domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	})
	c.handleNotification(agent, &n)

	assert.Equal(t, agentpool.Active, agent.State())
	assert.Equal(t, 1, agent.DeclaredSlots())
}

func TestHandleResponseRemovesInFlightOnlyOnTerminal(t *testing.T) {
	c, _, registry := newTestChannel()
	agent := agentpool.New("a1", nopSender{})
	agent.AddInFlight("req-1")
	require.NoError(t, registry.Tokens.Insert("req-1"))

	partial := wire.NewResponse("req-1", wire.GeneratedTokenResponse(domain.GeneratedTokenResult{Token: "he", IsLast: false}))
	c.handleResponse(agent, partial)
	assert.Contains(t, agent.DrainInFlight(), "req-1")

	// DrainInFlight above emptied the set; re-add to observe the terminal case.
	// The non-terminal response left the sender entry registered.
	agent.AddInFlight("req-1")
	_, stillRegistered := registry.Tokens.Get("req-1")
	require.True(t, stillRegistered)
	last := wire.NewResponse("req-1", wire.GeneratedTokenResponse(domain.GeneratedTokenResult{Token: "y", IsLast: true}))
	c.handleResponse(agent, last)
	assert.Empty(t, agent.DrainInFlight())
}

func TestServeFailsInFlightRequestsOnAgentDisconnect(t *testing.T) {
	c, pool, registry := newTestChannel()
	require.NoError(t, registry.Tokens.Insert("req-pending"))

	serveErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := wsconn.NewSession(conn, testLogger())

		go func() {
			serveErr <- c.Serve(context.Background(), "agent-1", session)
		}()

		// Give Serve a moment to register the agent before the test drops
		// its in-flight request and closes the socket from the client side.
		for i := 0; i < 100; i++ {
			if _, ok := pool.Get("agent-1"); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		agent, ok := pool.Get("agent-1")
		require.True(t, ok)
		agent.AddInFlight("req-pending")
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	clientConn.Close()

	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after client disconnect")
	}

	_, stillPending := registry.Tokens.Get("req-pending")
	assert.False(t, stillPending, "in-flight request should be failed and removed on agent disconnect")

	_, ok := pool.Get("agent-1")
	assert.False(t, ok, "agent should be unregistered after Serve returns")
}
