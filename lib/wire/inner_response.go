package wire

import (
	"encoding/json"
	"fmt"

	"github.com/llmops/fleetbalancer/lib/domain"
)

// InnerResponseKind tags which variant of the response union is present.
type InnerResponseKind string

const (
	ResponseChatTemplateOverride    InnerResponseKind = "chat_template_override"
	ResponseEmbedding               InnerResponseKind = "embedding"
	ResponseGeneratedToken          InnerResponseKind = "generated_token"
	ResponseModelMetadata           InnerResponseKind = "model_metadata"
	ResponseTimeout                 InnerResponseKind = "timeout"
	ResponseTooManyBufferedRequests InnerResponseKind = "too_many_buffered_requests"
)

// InnerResponse is the response union: ChatTemplateOverride(optional
// template), Embedding(embedding-result), GeneratedToken(token-result),
// ModelMetadata(optional metadata), Timeout, TooManyBufferedRequests.
type InnerResponse struct {
	Kind InnerResponseKind

	ChatTemplateOverride *domain.ChatTemplate
	Embedding            *domain.EmbeddingResult
	GeneratedToken       *domain.GeneratedTokenResult
	ModelMetadata        *domain.ModelMetadata
}

func ChatTemplateOverrideResponse(t *domain.ChatTemplate) InnerResponse {
	return InnerResponse{Kind: ResponseChatTemplateOverride, ChatTemplateOverride: t}
}

func EmbeddingResponse(r domain.EmbeddingResult) InnerResponse {
	return InnerResponse{Kind: ResponseEmbedding, Embedding: &r}
}

func GeneratedTokenResponse(r domain.GeneratedTokenResult) InnerResponse {
	return InnerResponse{Kind: ResponseGeneratedToken, GeneratedToken: &r}
}

func ModelMetadataResponse(m *domain.ModelMetadata) InnerResponse {
	return InnerResponse{Kind: ResponseModelMetadata, ModelMetadata: m}
}

func TimeoutResponse() InnerResponse {
	return InnerResponse{Kind: ResponseTimeout}
}

func TooManyBufferedRequestsResponse() InnerResponse {
	return InnerResponse{Kind: ResponseTooManyBufferedRequests}
}

// IsTerminal implements the terminal predicate from §3: true when the
// response is Timeout or TooManyBufferedRequests, or when its typed payload
// signals IsDone (last token, or last embedding result in a batch).
func (r InnerResponse) IsTerminal() bool {
	switch r.Kind {
	case ResponseTimeout, ResponseTooManyBufferedRequests:
		return true
	case ResponseGeneratedToken:
		return r.GeneratedToken != nil && r.GeneratedToken.IsDone()
	case ResponseEmbedding:
		return r.Embedding != nil && r.Embedding.IsDone()
	default:
		return false
	}
}

type innerResponseWire struct {
	Kind    InnerResponseKind `json:"kind"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// MarshalJSON encodes InnerResponse as {"kind": ..., "payload": ...}.
// Payload may be `null` for the optional-template/metadata variants, or
// absent entirely for Timeout/TooManyBufferedRequests.
func (r InnerResponse) MarshalJSON() ([]byte, error) {
	w := innerResponseWire{Kind: r.Kind}

	var payload any
	hasPayload := true
	switch r.Kind {
	case ResponseChatTemplateOverride:
		payload = r.ChatTemplateOverride
	case ResponseEmbedding:
		payload = r.Embedding
	case ResponseGeneratedToken:
		payload = r.GeneratedToken
	case ResponseModelMetadata:
		payload = r.ModelMetadata
	case ResponseTimeout, ResponseTooManyBufferedRequests:
		hasPayload = false
	default:
		return nil, fmt.Errorf("wire: unknown inner response kind %q", r.Kind)
	}

	if hasPayload {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes an InnerResponse, rejecting unknown fields.
func (r *InnerResponse) UnmarshalJSON(data []byte) error {
	var w innerResponseWire
	if err := strictUnmarshal(data, &w); err != nil {
		return err
	}

	r.Kind = w.Kind
	switch w.Kind {
	case ResponseChatTemplateOverride:
		var t *domain.ChatTemplate
		if len(w.Payload) != 0 {
			if err := json.Unmarshal(w.Payload, &t); err != nil {
				return fmt.Errorf("wire: decoding chat_template_override payload: %w", err)
			}
		}
		r.ChatTemplateOverride = t
	case ResponseEmbedding:
		var e domain.EmbeddingResult
		if err := strictUnmarshal(w.Payload, &e); err != nil {
			return fmt.Errorf("wire: decoding embedding payload: %w", err)
		}
		r.Embedding = &e
	case ResponseGeneratedToken:
		var tok domain.GeneratedTokenResult
		if err := strictUnmarshal(w.Payload, &tok); err != nil {
			return fmt.Errorf("wire: decoding generated_token payload: %w", err)
		}
		r.GeneratedToken = &tok
	case ResponseModelMetadata:
		var m *domain.ModelMetadata
		if len(w.Payload) != 0 {
			if err := json.Unmarshal(w.Payload, &m); err != nil {
				return fmt.Errorf("wire: decoding model_metadata payload: %w", err)
			}
		}
		r.ModelMetadata = m
	case ResponseTimeout, ResponseTooManyBufferedRequests:
		if len(w.Payload) != 0 {
			return fmt.Errorf("wire: kind %q takes no payload", w.Kind)
		}
	default:
		return fmt.Errorf("wire: unknown inner response kind %q", w.Kind)
	}

	return nil
}
