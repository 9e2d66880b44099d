package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/redis"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// httpEmbeddingSession adapts one POST /api/v1/generate_embedding_batch
// request/response pair to Session, so GenerateEmbeddingBatch admits
// through the exact same path as an inference-socket request. The first
// Send call commits the response to 200 + application/x-ndjson: once bytes
// are flowing there is no HTTP status left to change, so a rejection or
// timeout that fires before the agent ever streams anything is reported as
// an in-band error line rather than a 4xx/5xx, matching how pkg/client's
// StreamNDJSON treats a stream's contents as the source of truth.
//
// When cache is non-nil, every Embedding result that streams through Send
// is also written back to the cache keyed by its source document text, so
// a later request for the same text can skip dispatch entirely (see
// Controller.HandleGenerateEmbeddingBatch's cache-lookup fast path).
type httpEmbeddingSession struct {
	w       http.ResponseWriter
	flusher http.Flusher
	closeCh <-chan struct{}

	cache       *redis.EmbeddingCache
	textByDocID map[string]string

	mu          sync.Mutex
	wroteHeader bool

	done     chan struct{}
	doneOnce sync.Once
}

func newHTTPEmbeddingSession(w http.ResponseWriter, r *http.Request, cache *redis.EmbeddingCache, textByDocID map[string]string) *httpEmbeddingSession {
	flusher, _ := w.(http.Flusher)
	return &httpEmbeddingSession{
		w:           w,
		flusher:     flusher,
		closeCh:     r.Context().Done(),
		cache:       cache,
		textByDocID: textByDocID,
		done:        make(chan struct{}),
	}
}

func (s *httpEmbeddingSession) Send(env wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wroteHeader {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.wroteHeader = true
	}

	switch env.Kind {
	case wire.KindResponse:
		if env.Response == nil || env.Response.Embedding == nil {
			return
		}
		result := *env.Response.Embedding
		_ = json.NewEncoder(s.w).Encode(result)
		if s.flusher != nil {
			s.flusher.Flush()
		}
		if s.cache != nil {
			if text, ok := s.textByDocID[result.DocumentID]; ok {
				_ = s.cache.Put(context.Background(), text, result.Embedding)
			}
		}
		if env.Response.IsTerminal() {
			s.markDone()
		}
	case wire.KindError:
		if env.ErrorPayload != nil {
			_ = json.NewEncoder(s.w).Encode(struct {
				Code        int    `json:"error_code"`
				Description string `json:"error_description"`
			}{env.ErrorPayload.Code, env.ErrorPayload.Description})
			if s.flusher != nil {
				s.flusher.Flush()
			}
		}
		s.markDone()
	}
}

func (s *httpEmbeddingSession) CloseBroadcast() <-chan struct{} { return s.closeCh }

func (s *httpEmbeddingSession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// HandleGenerateEmbeddingBatch implements POST /api/v1/generate_embedding_batch:
// it decodes the request body, admits it through the Buffered Request
// Manager under a synthesized request id, and blocks until every embedding
// result (or a terminal error) has been written as an NDJSON response
// line.
func (c *Controller) HandleGenerateEmbeddingBatch(w http.ResponseWriter, r *http.Request) {
	var params domain.GenerateEmbeddingBatchParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		balerrors.WriteHTTPError(w, balerrors.InvalidParameters(err.Error()))
		return
	}

	textByDocID := make(map[string]string, len(params.Documents))
	for _, doc := range params.Documents {
		textByDocID[doc.ID] = doc.Text
	}

	if c.embeddingCache != nil {
		if results, ok := c.allCached(r.Context(), params); ok {
			writeCachedEmbeddingBatch(w, results)
			return
		}
	}

	session := newHTTPEmbeddingSession(w, r, c.embeddingCache, textByDocID)
	id := uuid.NewString()
	c.admit(session, id, wire.GenerateEmbeddingBatch(params))

	select {
	case <-session.done:
	case <-r.Context().Done():
	}
}

// allCached checks every document in params against the embedding cache
// under params.Normalization, returning the assembled results (in request
// order, with IsLast set on the final one) and true only when every single
// document hit — a partial hit still dispatches the whole batch to an
// agent, keeping the wire behavior identical to an uncached request. Every
// per-document lookup is recorded as a cache hit or miss regardless of the
// batch's overall outcome.
func (c *Controller) allCached(ctx context.Context, params domain.GenerateEmbeddingBatchParams) ([]domain.EmbeddingResult, bool) {
	if len(params.Documents) == 0 {
		return nil, false
	}
	results := make([]domain.EmbeddingResult, len(params.Documents))
	allHit := true
	for i, doc := range params.Documents {
		emb, ok := c.embeddingCache.Get(ctx, doc.Text, params.Normalization)
		if ok {
			c.metrics.RecordCacheHit(embeddingCacheName)
			results[i] = domain.EmbeddingResult{DocumentID: doc.ID, Embedding: emb}
			continue
		}
		c.metrics.RecordCacheMiss(embeddingCacheName)
		allHit = false
	}
	if !allHit {
		return nil, false
	}
	results[len(results)-1].IsLast = true
	return results, true
}

// writeCachedEmbeddingBatch writes a fully cache-served batch as the same
// NDJSON shape an agent-dispatched batch would produce.
func writeCachedEmbeddingBatch(w http.ResponseWriter, results []domain.EmbeddingResult) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, r := range results {
		_ = enc.Encode(r)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
