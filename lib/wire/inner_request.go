package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/llmops/fleetbalancer/lib/domain"
)

// InnerRequestMethod tags which variant of the agent-bound request union is
// present on an InnerRequest.
type InnerRequestMethod string

const (
	MethodContinueFromConversationHistory InnerRequestMethod = "continue_from_conversation_history"
	MethodContinueFromRawPrompt           InnerRequestMethod = "continue_from_raw_prompt"
	MethodGenerateEmbeddingBatch          InnerRequestMethod = "generate_embedding_batch"
	MethodGetChatTemplateOverride         InnerRequestMethod = "get_chat_template_override"
	MethodGetModelMetadata                InnerRequestMethod = "get_model_metadata"
)

// InnerRequest is the agent-bound request union: ContinueFromConversationHistory,
// ContinueFromRawPrompt, GenerateEmbeddingBatch, GetChatTemplateOverride,
// GetModelMetadata. Exactly one of the typed fields is populated, selected
// by Method.
type InnerRequest struct {
	Method InnerRequestMethod

	ConversationHistory *domain.ContinueFromConversationHistoryParams
	RawPrompt           *domain.ContinueFromRawPromptParams
	EmbeddingBatch      *domain.GenerateEmbeddingBatchParams
}

// ContinueFromConversationHistory builds the corresponding request variant.
func ContinueFromConversationHistory(p domain.ContinueFromConversationHistoryParams) InnerRequest {
	return InnerRequest{Method: MethodContinueFromConversationHistory, ConversationHistory: &p}
}

// ContinueFromRawPrompt builds the corresponding request variant.
func ContinueFromRawPrompt(p domain.ContinueFromRawPromptParams) InnerRequest {
	return InnerRequest{Method: MethodContinueFromRawPrompt, RawPrompt: &p}
}

// GenerateEmbeddingBatch builds the corresponding request variant.
func GenerateEmbeddingBatch(p domain.GenerateEmbeddingBatchParams) InnerRequest {
	return InnerRequest{Method: MethodGenerateEmbeddingBatch, EmbeddingBatch: &p}
}

// GetChatTemplateOverride builds the (parameter-less) request variant.
func GetChatTemplateOverride() InnerRequest {
	return InnerRequest{Method: MethodGetChatTemplateOverride}
}

// GetModelMetadata builds the (parameter-less) request variant.
func GetModelMetadata() InnerRequest {
	return InnerRequest{Method: MethodGetModelMetadata}
}

type innerRequestWire struct {
	Method InnerRequestMethod `json:"method"`
	Params json.RawMessage    `json:"params,omitempty"`
}

// MarshalJSON encodes InnerRequest as {"method": ..., "params": ...},
// omitting params entirely for the parameter-less variants.
func (r InnerRequest) MarshalJSON() ([]byte, error) {
	w := innerRequestWire{Method: r.Method}

	var params any
	switch r.Method {
	case MethodContinueFromConversationHistory:
		params = r.ConversationHistory
	case MethodContinueFromRawPrompt:
		params = r.RawPrompt
	case MethodGenerateEmbeddingBatch:
		params = r.EmbeddingBatch
	case MethodGetChatTemplateOverride, MethodGetModelMetadata:
		params = nil
	default:
		return nil, fmt.Errorf("wire: unknown inner request method %q", r.Method)
	}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		w.Params = raw
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes an InnerRequest, rejecting unknown top-level fields
// and unknown fields within params.
func (r *InnerRequest) UnmarshalJSON(data []byte) error {
	var w innerRequestWire
	if err := strictUnmarshal(data, &w); err != nil {
		return err
	}

	r.Method = w.Method
	switch w.Method {
	case MethodContinueFromConversationHistory:
		var p domain.ContinueFromConversationHistoryParams
		if err := strictUnmarshal(w.Params, &p); err != nil {
			return fmt.Errorf("wire: decoding continue_from_conversation_history params: %w", err)
		}
		r.ConversationHistory = &p
	case MethodContinueFromRawPrompt:
		var p domain.ContinueFromRawPromptParams
		if err := strictUnmarshal(w.Params, &p); err != nil {
			return fmt.Errorf("wire: decoding continue_from_raw_prompt params: %w", err)
		}
		r.RawPrompt = &p
	case MethodGenerateEmbeddingBatch:
		var p domain.GenerateEmbeddingBatchParams
		if err := strictUnmarshal(w.Params, &p); err != nil {
			return fmt.Errorf("wire: decoding generate_embedding_batch params: %w", err)
		}
		r.EmbeddingBatch = &p
	case MethodGetChatTemplateOverride, MethodGetModelMetadata:
		if len(w.Params) != 0 {
			return fmt.Errorf("wire: method %q takes no params", w.Method)
		}
	default:
		return fmt.Errorf("wire: unknown inner request method %q", w.Method)
	}

	return nil
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("wire: empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
