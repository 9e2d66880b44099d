// Package chat implements the OpenAI-compatible /v1/chat/completions and
// /v1/models shim (SPEC_FULL.md §4.9, a supplemented feature grounded in
// the teacher's lib/chat/handler.go). It is an additive, thin adapter:
// every request still flows through the Buffered Request Manager via
// inference.Controller.Admit, so it gets exactly the same admission,
// queueing, and slot-dispatch semantics as a native inference-socket
// client — it only translates the wire shape at the edges.
package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/inference"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// Message is one OpenAI-shaped chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of POST /v1/chat/completions.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int32    `json:"max_tokens,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Delta is the incremental content of one streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Choice is one completion candidate. Message is populated for the
// non-streaming response; Delta is populated for each streaming chunk.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason,omitempty"`
}

// CompletionResponse is the non-streaming response body, and (with
// Object == "chat.completion.chunk") the shape of each streamed chunk.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

var stopReason = "stop"

// Handler adapts OpenAI-shaped HTTP requests onto the balancer's own
// dispatch path.
type Handler struct {
	controller *inference.Controller
	pool       *agentpool.Pool
}

// NewHandler builds a Handler bound to the process-wide inference
// Controller and agent Pool.
func NewHandler(controller *inference.Controller, pool *agentpool.Pool) *Handler {
	return &Handler{controller: controller, pool: pool}
}

// HandleChatCompletion serves POST /v1/chat/completions. When Stream is
// true it re-frames GeneratedToken responses as chat.completion.chunk SSE
// events (following the teacher's handleStreamingCompletion pattern,
// without its orchestrator fallback — this shim has only one backend
// path); otherwise it accumulates the full token stream and returns one
// JSON response.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages are required", http.StatusBadRequest)
		return
	}

	params := domain.ContinueFromConversationHistoryParams{
		Messages: make([]domain.Message, len(req.Messages)),
		Model:    req.Model,
	}
	for i, m := range req.Messages {
		params.Messages[i] = domain.Message{Role: m.Role, Content: m.Content}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		params.InferenceParameters = &domain.InferenceParameters{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		}
	}

	id := uuid.NewString()
	completionID := "chatcmpl-" + id
	created := time.Now().Unix()

	if req.Stream {
		h.streamCompletion(w, r, id, completionID, created, req.Model, params)
		return
	}
	h.collectCompletion(w, r, id, completionID, created, req.Model, params)
}

// openAISession adapts one HTTP response writer to inference.Session,
// following the same single-request adapter shape as
// lib/inference/embedding_http.go's httpEmbeddingSession, but re-framing
// GeneratedToken payloads as OpenAI chunks instead of passing wire
// envelopes through verbatim.
type openAISession struct {
	w       http.ResponseWriter
	flusher http.Flusher
	closeCh <-chan struct{}

	completionID string
	created      int64
	model        string

	mu          sync.Mutex
	wroteHeader bool
	wroteRole   bool
	content     strings.Builder

	done     chan struct{}
	doneOnce sync.Once
	stream   bool
}

func (s *openAISession) CloseBroadcast() <-chan struct{} { return s.closeCh }

func (s *openAISession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *openAISession) Send(env wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wroteHeader {
		if s.stream {
			s.w.Header().Set("Content-Type", "text/event-stream")
			s.w.Header().Set("Cache-Control", "no-cache")
			s.w.Header().Set("Connection", "keep-alive")
		} else {
			s.w.Header().Set("Content-Type", "application/json")
		}
		s.w.WriteHeader(http.StatusOK)
		s.wroteHeader = true
	}

	switch env.Kind {
	case wire.KindResponse:
		if env.Response == nil || env.Response.GeneratedToken == nil {
			return
		}
		tok := env.Response.GeneratedToken
		if s.stream {
			s.writeChunk(tok.Token, tok.IsLast)
		} else {
			s.content.WriteString(tok.Token)
		}
		if tok.IsDone() {
			if !s.stream {
				s.writeFinal()
			} else {
				fmt.Fprint(s.w, "data: [DONE]\n\n")
				if s.flusher != nil {
					s.flusher.Flush()
				}
			}
			s.markDone()
		}
	case wire.KindError:
		if s.stream {
			fmt.Fprintf(s.w, "data: {\"error\":%q}\n\n", env.ErrorPayload.Description)
			if s.flusher != nil {
				s.flusher.Flush()
			}
		} else {
			_ = json.NewEncoder(s.w).Encode(map[string]any{"error": env.ErrorPayload.Description})
		}
		s.markDone()
	}
}

func (s *openAISession) writeChunk(content string, isLast bool) {
	choice := Choice{Index: 0, Delta: &Delta{Content: content}}
	if !s.wroteRole {
		choice.Delta.Role = "assistant"
		s.wroteRole = true
	}
	if isLast {
		choice.FinishReason = &stopReason
	}
	chunk := CompletionResponse{
		ID:      s.completionID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{choice},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *openAISession) writeFinal() {
	resp := CompletionResponse{
		ID:      s.completionID,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: "assistant", Content: s.content.String()},
			FinishReason: &stopReason,
		}},
	}
	_ = json.NewEncoder(s.w).Encode(resp)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, id, completionID string, created int64, model string, params domain.ContinueFromConversationHistoryParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	session := &openAISession{
		w: w, flusher: flusher, closeCh: r.Context().Done(),
		completionID: completionID, created: created, model: model,
		done: make(chan struct{}), stream: true,
	}
	h.controller.Admit(session, id, wire.ContinueFromConversationHistory(params))
	select {
	case <-session.done:
	case <-r.Context().Done():
	}
}

func (h *Handler) collectCompletion(w http.ResponseWriter, r *http.Request, id, completionID string, created int64, model string, params domain.ContinueFromConversationHistoryParams) {
	session := &openAISession{
		w: w, closeCh: r.Context().Done(),
		completionID: completionID, created: created, model: model,
		done: make(chan struct{}), stream: false,
	}
	h.controller.Admit(session, id, wire.ContinueFromConversationHistory(params))
	select {
	case <-session.done:
	case <-r.Context().Done():
	}
}

// modelEntry is one row of GET /v1/models.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// HandleListModels serves GET /v1/models: the set of model ids currently
// reachable through any agent's slot snapshot (spec §4.9 — "lists the
// model ids currently reachable through any agent's slot snapshot").
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var models []modelEntry
	for _, a := range h.pool.List() {
		for _, slot := range a.Snapshot().Slots {
			if slot.ModelID == "" || seen[slot.ModelID] {
				continue
			}
			seen[slot.ModelID] = true
			models = append(models, modelEntry{ID: slot.ModelID, Object: "model", OwnedBy: "fleetbalancer"})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}
