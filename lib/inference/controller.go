// Package inference implements the Inference Socket Controller (spec
// §4.4): it demuxes client Request envelopes arriving over
// /api/v1/inference_socket, admits each through the Buffered Request
// Manager, and relays the dispatched agent's Response envelopes back to
// the client under the original request id. It also serves the HTTP NDJSON
// /api/v1/generate_embedding_batch endpoint over the same admission path.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/dispatch"
	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/redis"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/wire"
	"github.com/llmops/fleetbalancer/lib/wsconn"
)

// embeddingCacheName identifies the embedding cache in cache-hit/miss
// metrics (lib/metrics.MetricsRegistry.RecordCacheHit et al.).
const embeddingCacheName = "embedding"

// pendingAdmission is what a request needs after Admit returns Buffered:
// enough to either dispatch it later (agent + original InnerRequest) or
// fail it (session to notify).
type pendingAdmission struct {
	session Session
	req     wire.InnerRequest
}

// Controller is the Inference Socket Controller. One instance is shared
// by every client connection.
type Controller struct {
	pool       *agentpool.Pool
	dispatcher *dispatch.Manager
	registry   *senders.Registry
	logger     *slog.Logger
	metrics    *metrics.MetricsRegistry

	embeddingCache *redis.EmbeddingCache

	mu      sync.Mutex
	pending map[string]*pendingAdmission
}

// New builds a Controller. New does not touch dispatcher's Callbacks: the
// Buffered Request Manager has to be built with this Controller's
// Callbacks() to route dispatches and terminal failures here. metricsRegistry records embedding
// cache hit/miss (spec §4.10's ambient observability surface).
func New(pool *agentpool.Pool, dispatcher *dispatch.Manager, registry *senders.Registry, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) *Controller {
	return &Controller{
		pool:       pool,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger,
		metrics:    metricsRegistry,
		pending:    make(map[string]*pendingAdmission),
	}
}

// SetDispatcher wires the Buffered Request Manager after the fact — used
// where the manager's own construction needs this Controller's Callbacks()
// first, so New is called with dispatcher == nil and SetDispatcher closes
// the loop once the manager exists.
func (c *Controller) SetDispatcher(dispatcher *dispatch.Manager) {
	c.dispatcher = dispatcher
}

// SetEmbeddingCache wires an optional cross-request embedding cache into
// the HTTP embedding-batch path (lib/inference/embedding_http.go). A nil
// cache (the default) disables caching entirely; callers only set this
// when a Redis address is configured at startup.
func (c *Controller) SetEmbeddingCache(cache *redis.EmbeddingCache) {
	c.embeddingCache = cache
}

// Callbacks returns the dispatch.Callbacks the Buffered Request Manager
// should be constructed with, bound to this Controller.
func (c *Controller) Callbacks() dispatch.Callbacks {
	return dispatch.Callbacks{
		Dispatch: c.onDispatch,
		Terminal: c.onTerminal,
	}
}

// ServeClientSession drives one client connection's request demultiplexing
// until it closes or ctx is cancelled.
func (c *Controller) ServeClientSession(ctx context.Context, session *wsconn.Session) error {
	return session.Run(ctx, func(_ context.Context, env wire.Envelope) wsconn.ContinuationDecision {
		return c.handle(session, env)
	})
}

func (c *Controller) handle(session *wsconn.Session, env wire.Envelope) wsconn.ContinuationDecision {
	switch env.Kind {
	case wire.KindRequest:
		c.handleRequest(session, env.ID, *env.Request)
	case wire.KindError:
		c.logger.Info("client error envelope", "id", env.RequestID)
	default:
		c.logger.Warn("unexpected envelope kind on inference socket", "kind", env.Kind)
	}
	return wsconn.Continue
}

func (c *Controller) handleRequest(session *wsconn.Session, id string, req wire.InnerRequest) {
	c.admit(session, id, req)
}

// Session is the subset of *wsconn.Session the controller needs: used
// both by the real WebSocket session and by the synthetic sink the HTTP
// NDJSON embedding-batch handler uses to share this same admission path.
type Session interface {
	Send(env wire.Envelope)
	CloseBroadcast() <-chan struct{}
}

// Admit is the exported entry point other HTTP surfaces (the OpenAI-compat
// chat shim, the NDJSON embedding-batch endpoint) use to feed a request
// through the exact same admission/dispatch/relay path a WebSocket client
// request takes.
func (c *Controller) Admit(session Session, id string, req wire.InnerRequest) {
	c.admit(session, id, req)
}

func (c *Controller) admit(session Session, id string, req wire.InnerRequest) {
	if req.Method == wire.MethodContinueFromConversationHistory && req.ConversationHistory != nil {
		if err := domain.ValidateToolSchemas(req.ConversationHistory.Tools); err != nil {
			be := balerrors.InvalidParameters(err.Error())
			session.Send(wire.NewError(&id, be.WireCode(), be.Message))
			return
		}
	}

	modelID := modelIDFor(req)
	if err := c.insertFamilySink(req.Method, id); err != nil {
		be := balerrors.InvalidParameters(err.Error())
		session.Send(wire.NewError(&id, be.WireCode(), be.Message))
		return
	}

	c.mu.Lock()
	c.pending[id] = &pendingAdmission{session: session, req: req}
	c.mu.Unlock()

	ctx, cancel := closeBoundContext(session)

	result := c.dispatcher.Admit(dispatch.BufferedRequest{ID: id, ModelID: modelID, Ctx: ctx})
	if result != dispatch.Buffered {
		cancel()
		return
	}

	// Buffered: the only cancellation this protocol defines is the whole
	// client connection closing (there is no per-request cancel frame), so
	// a still-queued entry is reaped here rather than left to leak if
	// OnSlotFreed or SweepTimeouts never revisits it before the socket
	// closes.
	go func() {
		<-ctx.Done()
		cancel()

		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()

		if stillPending {
			c.removeFamilySink(req.Method, id)
		}
	}()
}

// onDispatch is the dispatch.Callbacks.Dispatch implementation: it records
// the dispatched id against agent, sends the original request envelope,
// and spawns the goroutine that relays the agent's responses back to the
// client session.
func (c *Controller) onDispatch(agent *agentpool.Agent, req dispatch.BufferedRequest) {
	c.mu.Lock()
	p, ok := c.pending[req.ID]
	delete(c.pending, req.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	agent.AddInFlight(req.ID)
	agent.Send(wire.NewRequest(req.ID, p.req))

	go c.relay(p.req.Method, p.session, req.ID)
}

// onTerminal is the dispatch.Callbacks.Terminal implementation: it fails a
// request that never reached an agent (rejected at admission, or timed out
// while buffered) with a wire error, and unregisters its Sender Collection
// entry.
func (c *Controller) onTerminal(req dispatch.BufferedRequest, err *balerrors.BalancerError) {
	c.mu.Lock()
	p, ok := c.pending[req.ID]
	delete(c.pending, req.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.removeFamilySink(p.req.Method, req.ID)
	p.session.Send(wire.NewError(&req.ID, err.WireCode(), err.Message))
}

// relay drains the response family collection matching method for id and
// forwards each message to session as a Response or terminal Error
// envelope, until the stream ends. Removing id from the dispatched agent's
// in-flight set is the agent control channel's job — it observes the
// terminal Response itself; relay only needs to stop when the client
// session goes away.
func (c *Controller) relay(method wire.InnerRequestMethod, session Session, id string) {
	ctx, cancel := closeBoundContext(session)
	defer cancel()

	switch method {
	case wire.MethodContinueFromConversationHistory, wire.MethodContinueFromRawPrompt:
		relayFamily(ctx, c.registry.Tokens, session, id, wire.GeneratedTokenResponse)
	case wire.MethodGenerateEmbeddingBatch:
		relayFamily(ctx, c.registry.Embeddings, session, id, wire.EmbeddingResponse)
	case wire.MethodGetChatTemplateOverride:
		relayFamily(ctx, c.registry.ChatTemplateOverrides, session, id, wire.ChatTemplateOverrideResponse)
	case wire.MethodGetModelMetadata:
		relayFamily(ctx, c.registry.ModelMetadata, session, id, wire.ModelMetadataResponse)
	default:
		c.logger.Warn("relay: unknown request method", "method", method, "request_id", id)
	}
}

// relayFamily is the generic loop shared by every response family: receive
// until the collection drops the entry (terminal push, Shutdown, or ctx
// cancellation), converting each successful value to a Response envelope
// and each terminal error to an Error envelope.
func relayFamily[T any](ctx context.Context, coll *senders.Collection[T], session Session, id string, toResponse func(T) wire.InnerResponse) {
	for {
		msg, ok := coll.Recv(ctx, id)
		if !ok {
			return
		}
		if msg.Err != nil {
			session.Send(wire.NewError(&id, msg.Err.WireCode(), msg.Err.Message))
			return
		}
		session.Send(wire.NewResponse(id, toResponse(msg.Value)))
	}
}

// closeBoundContext returns a context cancelled when session's connection
// closes, with its own independent cancel for callers that finish earlier.
func closeBoundContext(session Session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go func() {
		select {
		case <-session.CloseBroadcast():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() { close(stop); cancel() }
}

func modelIDFor(req wire.InnerRequest) string {
	switch req.Method {
	case wire.MethodContinueFromConversationHistory:
		if req.ConversationHistory != nil {
			return req.ConversationHistory.Model
		}
	case wire.MethodContinueFromRawPrompt:
		if req.RawPrompt != nil {
			return req.RawPrompt.Model
		}
	}
	return ""
}

// insertFamilySink registers id in the Sender Collection matching req's
// method. GetChatTemplateOverride/GetModelMetadata/GenerateEmbeddingBatch
// each have their own family; a method with no matching family (shouldn't
// occur given the InnerRequest union) is an error.
func (c *Controller) insertFamilySink(method wire.InnerRequestMethod, id string) error {
	switch method {
	case wire.MethodContinueFromConversationHistory, wire.MethodContinueFromRawPrompt:
		return c.registry.Tokens.Insert(id)
	case wire.MethodGenerateEmbeddingBatch:
		return c.registry.Embeddings.Insert(id)
	case wire.MethodGetChatTemplateOverride:
		return c.registry.ChatTemplateOverrides.Insert(id)
	case wire.MethodGetModelMetadata:
		return c.registry.ModelMetadata.Insert(id)
	default:
		return fmt.Errorf("inference: unknown request method %q", method)
	}
}

// removeFamilySink unregisters id from whichever family method maps to,
// without pushing a message — used when the entry never received one
// (admission rejection, client disconnect while still buffered).
func (c *Controller) removeFamilySink(method wire.InnerRequestMethod, id string) {
	switch method {
	case wire.MethodContinueFromConversationHistory, wire.MethodContinueFromRawPrompt:
		c.registry.Tokens.Remove(id)
	case wire.MethodGenerateEmbeddingBatch:
		c.registry.Embeddings.Remove(id)
	case wire.MethodGetChatTemplateOverride:
		c.registry.ChatTemplateOverrides.Remove(id)
	case wire.MethodGetModelMetadata:
		c.registry.ModelMetadata.Remove(id)
	}
}
