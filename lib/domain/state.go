package domain

// BalancerDesiredState is the single admin-writable configuration that the
// reconciler drives every agent towards. There is exactly one instance,
// process-wide, with a single writer (the admin PUT handler) and many
// readers (the reconciler, one per agent).
type BalancerDesiredState struct {
	ChatTemplateOverride    *ChatTemplate       `json:"chat_template_override"`
	UseChatTemplateOverride bool                `json:"use_chat_template_override"`
	InferenceParameters     InferenceParameters `json:"inference_parameters"`
	Model                   AgentDesiredModel   `json:"model"`
}

// DefaultBalancerDesiredState is the zero-configuration desired state: no
// template override, default inference parameters, no declared model.
func DefaultBalancerDesiredState() BalancerDesiredState {
	return BalancerDesiredState{
		ChatTemplateOverride:    nil,
		UseChatTemplateOverride: false,
		InferenceParameters:     DefaultInferenceParameters(),
		Model:                   NoneModel(),
	}
}

// Equal reports whether two desired states are observationally equivalent,
// used to make repeated identical PUTs idempotent (testable property 6).
func (s BalancerDesiredState) Equal(other BalancerDesiredState) bool {
	if s.UseChatTemplateOverride != other.UseChatTemplateOverride {
		return false
	}
	if !chatTemplatePtrEqual(s.ChatTemplateOverride, other.ChatTemplateOverride) {
		return false
	}
	if s.Model != other.Model {
		return false
	}
	return inferenceParamsEqual(s.InferenceParameters, other.InferenceParameters)
}

func chatTemplatePtrEqual(a, b *ChatTemplate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func inferenceParamsEqual(a, b InferenceParameters) bool {
	if !float32PtrEqual(a.Temperature, b.Temperature) {
		return false
	}
	if !float32PtrEqual(a.TopP, b.TopP) {
		return false
	}
	if !int32PtrEqual(a.TopK, b.TopK) {
		return false
	}
	if !int32PtrEqual(a.MaxTokens, b.MaxTokens) {
		return false
	}
	if !float32PtrEqual(a.RepeatPenalty, b.RepeatPenalty) {
		return false
	}
	if len(a.StopSequences) != len(b.StopSequences) {
		return false
	}
	for i := range a.StopSequences {
		if a.StopSequences[i] != b.StopSequences[i] {
			return false
		}
	}
	return true
}

func float32PtrEqual(a, b *float32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func int32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AgentApplicableState is the concrete per-agent configuration derived
// deterministically from BalancerDesiredState plus whatever that agent is
// actually capable of. It is recomputed whenever desired state changes.
type AgentApplicableState struct {
	ChatTemplateOverride *ChatTemplate       `json:"chat_template_override"`
	InferenceParameters  InferenceParameters `json:"inference_parameters"`
	ModelPath            string              `json:"model_path,omitempty"`
}

// DeriveApplicableState computes what an agent should apply given the
// current desired state. The chat template override only takes effect when
// UseChatTemplateOverride is set — this is the gating flag the source
// keeps separate from the override value itself, so an admin can stage an
// override without activating it.
func DeriveApplicableState(desired BalancerDesiredState) AgentApplicableState {
	applicable := AgentApplicableState{
		InferenceParameters: desired.InferenceParameters,
	}

	if desired.UseChatTemplateOverride {
		applicable.ChatTemplateOverride = desired.ChatTemplateOverride
	}

	if path, ok := desired.Model.ResolvedPath(); ok {
		applicable.ModelPath = path
	}

	return applicable
}

// Equal reports whether two applicable states are observationally
// equivalent; used by the reconciler to decide whether an agent's
// applicable state already matches the derived target.
func (s AgentApplicableState) Equal(other AgentApplicableState) bool {
	if !chatTemplatePtrEqual(s.ChatTemplateOverride, other.ChatTemplateOverride) {
		return false
	}
	if s.ModelPath != other.ModelPath {
		return false
	}
	return inferenceParamsEqual(s.InferenceParameters, other.InferenceParameters)
}

// ModelPathChanged reports whether other declares a different resolved
// model path than s. The reconciler uses this to decide whether an agent
// must be moved to Draining rather than reconfigured in place.
func (s AgentApplicableState) ModelPathChanged(other AgentApplicableState) bool {
	return s.ModelPath != other.ModelPath
}
