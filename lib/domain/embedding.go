package domain

// Embedding is a single dense vector produced by an agent for one input
// document, tagged with the normalization method it was produced under.
type Embedding struct {
	Vector        []float32                   `json:"vector"`
	Normalization EmbeddingNormalizationMethod `json:"normalization"`
}

// TransformTo returns a copy of the embedding normalized under to, or
// ErrCannotTransform if e's normalization method cannot be transformed
// (see EmbeddingNormalizationMethod.CanTransformTo).
func (e Embedding) TransformTo(to EmbeddingNormalizationMethod) (Embedding, error) {
	if !e.Normalization.CanTransformTo(to) {
		return Embedding{}, &ErrCannotTransform{From: e.Normalization, To: to}
	}

	var vector []float32
	switch to.Method {
	case NormalizationNone:
		vector = append([]float32(nil), e.Vector...)
	case NormalizationL2:
		vector = L2Norm(e.Vector)
	case NormalizationRmsNorm:
		vector = RmsNorm(e.Vector, to.Epsilon)
	default:
		vector = append([]float32(nil), e.Vector...)
	}

	return Embedding{Vector: vector, Normalization: to}, nil
}

// EmbeddingResult is the per-document outcome of an embedding batch request.
// IsLast marks the final message of the batch's stream; the wire codec has
// no separate "batch done" variant, so the terminal predicate lives here.
type EmbeddingResult struct {
	DocumentID string    `json:"document_id"`
	Embedding  Embedding `json:"embedding"`
	IsLast     bool      `json:"is_last"`
}

// IsDone reports whether this result is the terminal message for its
// request id.
func (r EmbeddingResult) IsDone() bool { return r.IsLast }
