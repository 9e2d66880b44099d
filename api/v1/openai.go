package v1

import (
	"github.com/go-chi/chi/v5"

	"github.com/llmops/fleetbalancer/lib/chat"
)

// RegisterOpenAICompatAPI mounts the OpenAI-compatible shim (spec
// §4.9 — supplemented feature) on router: POST /v1/chat/completions and
// GET /v1/models.
func RegisterOpenAICompatAPI(router chi.Router, handler *chat.Handler) {
	router.Post("/v1/chat/completions", handler.HandleChatCompletion)
	router.Get("/v1/models", handler.HandleListModels)
}
