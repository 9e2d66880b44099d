package domain

// HuggingFaceModelReference identifies a model hosted on the HuggingFace
// hub, optionally pinned to a specific file within the repo (for GGUF
// multi-file repos) and revision.
type HuggingFaceModelReference struct {
	Repo     string `json:"repo"`
	Filename string `json:"filename,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// AgentDesiredModelKind discriminates the three ways a model may be
// specified in desired state.
type AgentDesiredModelKind string

const (
	ModelNone           AgentDesiredModelKind = "none"
	ModelHuggingFace    AgentDesiredModelKind = "huggingface"
	ModelAgentLocalPath AgentDesiredModelKind = "local_path"
)

// AgentDesiredModel is the tagged union of model references the balancer
// can declare: none (agent keeps whatever it has loaded), a HuggingFace
// reference the agent must resolve and download, or a path already present
// on the agent's filesystem.
type AgentDesiredModel struct {
	Kind        AgentDesiredModelKind     `json:"kind"`
	HuggingFace HuggingFaceModelReference `json:"huggingface,omitempty"`
	LocalPath   string                    `json:"local_path,omitempty"`
}

// NoneModel builds the "no model declared" variant.
func NoneModel() AgentDesiredModel {
	return AgentDesiredModel{Kind: ModelNone}
}

// HuggingFaceModel builds the HuggingFace-reference variant.
func HuggingFaceModel(ref HuggingFaceModelReference) AgentDesiredModel {
	return AgentDesiredModel{Kind: ModelHuggingFace, HuggingFace: ref}
}

// LocalPathModel builds the agent-local-path variant.
func LocalPathModel(path string) AgentDesiredModel {
	return AgentDesiredModel{Kind: ModelAgentLocalPath, LocalPath: path}
}

// ResolvedPath returns the filesystem path an agent applying this model
// reference would load from, and whether this variant resolves to one at
// all (ModelNone does not).
func (m AgentDesiredModel) ResolvedPath() (string, bool) {
	switch m.Kind {
	case ModelAgentLocalPath:
		return m.LocalPath, true
	case ModelHuggingFace:
		return m.HuggingFace.Repo + "/" + m.HuggingFace.Filename, true
	default:
		return "", false
	}
}

// ChatTemplate is the Jinja-style chat template text an agent renders
// conversation histories with, plus whatever bos/eos tokens it needs.
type ChatTemplate struct {
	Source   string `json:"source"`
	BosToken string `json:"bos_token,omitempty"`
	EosToken string `json:"eos_token,omitempty"`
}

// InferenceParameters are the sampling/generation parameters applied to a
// request unless overridden per-request.
type InferenceParameters struct {
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int32   `json:"top_k,omitempty"`
	MaxTokens     *int32   `json:"max_tokens,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// DefaultInferenceParameters returns the zero-configuration parameter set:
// every field unset, letting the agent apply its own defaults.
func DefaultInferenceParameters() InferenceParameters {
	return InferenceParameters{}
}

// ModelMetadata is what an agent reports about the model it currently has
// loaded, in response to GetModelMetadata.
type ModelMetadata struct {
	ModelID       string `json:"model_id"`
	ContextLength int32  `json:"context_length"`
	EmbeddingDims int32  `json:"embedding_dims,omitempty"`
}
