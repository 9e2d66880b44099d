package inference

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/dispatch"
	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession is a Session test double that records every envelope
// sent to it and can simulate the client connection closing.
type fakeSession struct {
	mu     sync.Mutex
	sent   []wire.Envelope
	closed chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{closed: make(chan struct{})}
}

func (f *fakeSession) Send(env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
}

func (f *fakeSession) Envelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSession) CloseBroadcast() <-chan struct{} { return f.closed }

func newTestController(maxBuffered int32, timeout time.Duration) (*Controller, *agentpool.Pool, *dispatch.Manager) {
	pool := agentpool.NewPool()
	registry := senders.NewRegistry()
	mr := metrics.NewMetricsRegistry()
	c := New(pool, nil, registry, testLogger(), mr)
	manager := dispatch.NewManager(pool, maxBuffered, timeout, c.Callbacks(), mr, nil)
	c.dispatcher = manager
	return c, pool, manager
}

func activeAgent(id string, freeSlots int, modelID string) *agentpool.Agent {
	slots := make([]domain.SlotSnapshot, 0, freeSlots+1)
	for i := 0; i < freeSlots; i++ {
		slots = append(slots, domain.SlotSnapshot{State: domain.SlotIdle, ModelID: modelID})
	}
	agent := agentpool.New(id, noopSender{})
	agent.OnStatusUpdate(domain.SlotAggregatedStatusSnapshot{Slots: slots})
	return agent
}

type noopSender struct{}

func (noopSender) Send(wire.Envelope) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAdmitDispatchesImmediatelyToCompatibleAgent(t *testing.T) {
	c, pool, _ := newTestController(10, time.Minute)
	agent := activeAgent("a1", 1, "llama")
	pool.Register(agent)

	session := newFakeSession()
	req := wire.ContinueFromRawPrompt(domain.ContinueFromRawPromptParams{Prompt: "hi", Model: "llama"})
	c.admit(session, "req-1", req)

	assert.Contains(t, agent.DrainInFlight(), "req-1")

	c.mu.Lock()
	_, stillHeldByController := c.pending["req-1"]
	c.mu.Unlock()
	assert.False(t, stillHeldByController)
}

func TestRelayStreamsTokensUntilTerminalThenClientReceivesAll(t *testing.T) {
	c, pool, _ := newTestController(10, time.Minute)
	agent := activeAgent("a1", 1, "llama")
	pool.Register(agent)

	session := newFakeSession()
	req := wire.ContinueFromRawPrompt(domain.ContinueFromRawPromptParams{Prompt: "hi", Model: "llama"})
	c.admit(session, "req-1", req)

	waitFor(t, func() bool {
		_, ok := c.registry.Tokens.Get("req-1")
		return ok
	})

	assert.True(t, c.registry.Tokens.SendAndRemoveIfTerminal("req-1", senders.Ok(domain.GeneratedTokenResult{Token: "he", IsLast: false})))
	assert.True(t, c.registry.Tokens.SendAndRemoveIfTerminal("req-1", senders.Ok(domain.GeneratedTokenResult{Token: "y", IsLast: true})))

	waitFor(t, func() bool { return len(session.Envelopes()) >= 2 })

	envs := session.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, wire.KindResponse, envs[0].Kind)
	assert.Equal(t, "he", envs[0].Response.GeneratedToken.Token)
	assert.True(t, envs[1].Response.GeneratedToken.IsLast)

	_, found := c.registry.Tokens.Get("req-1")
	assert.False(t, found, "terminal token should have unregistered the sink")
}

func TestAdmitRejectsWhenQueueFull(t *testing.T) {
	c, _, _ := newTestController(0, time.Minute)
	// No agents registered, and maxBuffered=0: Admit can neither dispatch
	// nor buffer, so onTerminal fires synchronously with a wire error.
	session := newFakeSession()
	req := wire.GetModelMetadata()
	c.admit(session, "req-1", req)

	envs := session.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, wire.KindError, envs[0].Kind)
	require.NotNil(t, envs[0].RequestID)
	assert.Equal(t, "req-1", *envs[0].RequestID)

	_, found := c.registry.ModelMetadata.Get("req-1")
	assert.False(t, found, "rejected request's sink should be cleaned up")
}

func TestAdmitRejectsInvalidToolSchemaBeforeBuffering(t *testing.T) {
	c, _, _ := newTestController(10, time.Minute)
	session := newFakeSession()

	req := wire.ContinueFromConversationHistory(domain.ContinueFromConversationHistoryParams{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Tools:    []domain.ToolDefinition{{Name: "broken"}},
		Model:    "llama",
	})
	c.admit(session, "req-1", req)

	envs := session.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, wire.KindError, envs[0].Kind)

	_, found := c.registry.Tokens.Get("req-1")
	assert.False(t, found)
}

func TestBufferedRequestCleansUpWhenClientDisconnects(t *testing.T) {
	c, _, _ := newTestController(10, time.Minute)
	// No agent registered: the request is buffered, not dispatched.
	session := newFakeSession()
	req := wire.GetChatTemplateOverride()
	c.admit(session, "req-1", req)

	_, found := c.registry.ChatTemplateOverrides.Get("req-1")
	require.True(t, found)

	close(session.closed)

	waitFor(t, func() bool {
		_, found := c.registry.ChatTemplateOverrides.Get("req-1")
		return !found
	})

	c.mu.Lock()
	_, stillPending := c.pending["req-1"]
	c.mu.Unlock()
	assert.False(t, stillPending)
}
