package domain

import "encoding/json"

// Message is one turn in a conversation history.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single function invocation the model is offered, or made.
type ToolCall struct {
	Name string `json:"name"`
	// Arguments holds the raw JSON arguments as received. ValidateToolSchemas
	// checks ToolDefinition schemas only; it does not inspect these
	// arguments.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one callable tool offered to the model, carrying
// its JSON-schema parameter definition either in raw form (as received from
// the client) or already validated.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	RawSchema   json.RawMessage `json:"parameters"`
	validated   bool
}

// MarkValidated records that RawSchema has passed schema validation. It is
// called by the balancer's validation pass, never by a client.
func (t *ToolDefinition) MarkValidated() { t.validated = true }

// Validated reports whether RawSchema has been validated.
func (t ToolDefinition) Validated() bool { return t.validated }

// ValidateToolSchemas performs the separable validation pass §4.1 requires
// before tool definitions may be forwarded to an agent: every RawSchema
// must be a syntactically valid JSON object. Returns an error describing
// the first invalid tool found.
func ValidateToolSchemas(tools []ToolDefinition) error {
	for i := range tools {
		if len(tools[i].RawSchema) == 0 {
			return &InvalidToolSchemaError{ToolName: tools[i].Name, Reason: "missing parameters schema"}
		}
		var v any
		if err := json.Unmarshal(tools[i].RawSchema, &v); err != nil {
			return &InvalidToolSchemaError{ToolName: tools[i].Name, Reason: err.Error()}
		}
		if _, ok := v.(map[string]any); !ok {
			return &InvalidToolSchemaError{ToolName: tools[i].Name, Reason: "schema must be a JSON object"}
		}
		tools[i].MarkValidated()
	}
	return nil
}

// InvalidToolSchemaError reports why a tool's parameter schema failed
// validation.
type InvalidToolSchemaError struct {
	ToolName string
	Reason   string
}

func (e *InvalidToolSchemaError) Error() string {
	return "invalid tool schema for " + e.ToolName + ": " + e.Reason
}

// ContinueFromConversationHistoryParams requests a streamed completion
// continuing an existing conversation history.
type ContinueFromConversationHistoryParams struct {
	Messages             []Message            `json:"messages"`
	Tools                []ToolDefinition     `json:"tools,omitempty"`
	InferenceParameters  *InferenceParameters `json:"inference_parameters,omitempty"`
	Model                string               `json:"model,omitempty"`
}

// ContinueFromRawPromptParams requests a streamed completion from a raw
// (un-templated) prompt string.
type ContinueFromRawPromptParams struct {
	Prompt              string               `json:"prompt"`
	InferenceParameters *InferenceParameters  `json:"inference_parameters,omitempty"`
	Model               string               `json:"model,omitempty"`
}

// EmbeddingInputDocument is one document submitted for batch embedding.
type EmbeddingInputDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// GenerateEmbeddingBatchParams requests embeddings for a set of documents.
type GenerateEmbeddingBatchParams struct {
	Documents     []EmbeddingInputDocument     `json:"documents"`
	Normalization EmbeddingNormalizationMethod `json:"normalization"`
	Pooling       PoolingType                  `json:"pooling,omitempty"`
}

// ChunkByInputSize splits documents into batches such that each batch's
// total character count (not byte count) stays at or under chunkSize,
// except that a single document already larger than chunkSize gets a
// batch of its own. Order is preserved.
func ChunkByInputSize(documents []EmbeddingInputDocument, chunkSize int) [][]EmbeddingInputDocument {
	var batches [][]EmbeddingInputDocument
	var current []EmbeddingInputDocument
	currentLen := 0

	for _, doc := range documents {
		docLen := len([]rune(doc.Text))
		if len(current) > 0 && currentLen+docLen > chunkSize {
			batches = append(batches, current)
			current = nil
			currentLen = 0
		}
		current = append(current, doc)
		currentLen += docLen
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}
