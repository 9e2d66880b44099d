package senders

import (
	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
)

// TokenCollection fans out GeneratedToken responses for in-flight
// conversation/raw-prompt completions.
type TokenCollection = Collection[domain.GeneratedTokenResult]

// NewTokenCollection builds the token family's Sender Collection.
func NewTokenCollection() *TokenCollection {
	return NewCollection(func(t domain.GeneratedTokenResult) bool { return t.IsDone() })
}

// EmbeddingCollection fans out Embedding responses for in-flight embedding
// batch requests.
type EmbeddingCollection = Collection[domain.EmbeddingResult]

// NewEmbeddingCollection builds the embedding family's Sender Collection.
func NewEmbeddingCollection() *EmbeddingCollection {
	return NewCollection(func(e domain.EmbeddingResult) bool { return e.IsDone() })
}

// ChatTemplateOverrideCollection fans out GetChatTemplateOverride replies.
// A single reply is always terminal.
type ChatTemplateOverrideCollection = Collection[*domain.ChatTemplate]

// NewChatTemplateOverrideCollection builds the chat-template-override
// family's Sender Collection.
func NewChatTemplateOverrideCollection() *ChatTemplateOverrideCollection {
	return NewCollection(func(*domain.ChatTemplate) bool { return true })
}

// ModelMetadataCollection fans out GetModelMetadata replies. A single
// reply is always terminal.
type ModelMetadataCollection = Collection[*domain.ModelMetadata]

// NewModelMetadataCollection builds the model-metadata family's Sender
// Collection.
func NewModelMetadataCollection() *ModelMetadataCollection {
	return NewCollection(func(*domain.ModelMetadata) bool { return true })
}

// Registry bundles the four response-family Sender Collections that the
// agent control channel (producer) and the inference socket / embedding
// HTTP handler (consumer) share, one instance process-wide.
type Registry struct {
	Tokens                *TokenCollection
	Embeddings            *EmbeddingCollection
	ChatTemplateOverrides *ChatTemplateOverrideCollection
	ModelMetadata         *ModelMetadataCollection
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		Tokens:                NewTokenCollection(),
		Embeddings:            NewEmbeddingCollection(),
		ChatTemplateOverrides: NewChatTemplateOverrideCollection(),
		ModelMetadata:         NewModelMetadataCollection(),
	}
}

// FailRequest pushes err as the terminal message for id into whichever
// family collection currently holds it (at most one does). Used when an
// agent connection drops and its in-flight request ids must all be failed
// with ConnectionDropped.
func (r *Registry) FailRequest(id string, err *balerrors.BalancerError) {
	failIfPresent(r.Tokens, id, err)
	failIfPresent(r.Embeddings, id, err)
	failIfPresent(r.ChatTemplateOverrides, id, err)
	failIfPresent(r.ModelMetadata, id, err)
}

func failIfPresent[T any](c *Collection[T], id string, err *balerrors.BalancerError) {
	if _, ok := c.Get(id); ok {
		c.SendAndRemoveIfTerminal(id, Err[T](err))
	}
}
