// Package domain holds the wire-level entities the balancer and its agents
// exchange: embeddings, tokens, model metadata, slot snapshots, and the
// desired/applicable state pair that drives reconciliation.
package domain

import (
	"fmt"
	"math"
)

// EmbeddingNormalizationMethod is a closed tagged union: exactly one of
// Method's values is meaningful at a time, and RmsNorm carries an epsilon.
type EmbeddingNormalizationMethod struct {
	Method  NormalizationMethodKind `json:"method"`
	Epsilon float32                 `json:"epsilon,omitempty"`
}

// NormalizationMethodKind enumerates the normalization families.
type NormalizationMethodKind string

const (
	NormalizationNone    NormalizationMethodKind = "none"
	NormalizationL2      NormalizationMethodKind = "l2"
	NormalizationRmsNorm NormalizationMethodKind = "rms_norm"
)

// NoneNormalization is the zero-value, always-transformable source method.
func NoneNormalization() EmbeddingNormalizationMethod {
	return EmbeddingNormalizationMethod{Method: NormalizationNone}
}

// L2Normalization builds the L2 variant.
func L2Normalization() EmbeddingNormalizationMethod {
	return EmbeddingNormalizationMethod{Method: NormalizationL2}
}

// RmsNormNormalization builds the RmsNorm variant with the given epsilon.
func RmsNormNormalization(epsilon float32) EmbeddingNormalizationMethod {
	return EmbeddingNormalizationMethod{Method: NormalizationRmsNorm, Epsilon: epsilon}
}

// CanTransformTo reports whether an embedding carrying this method may be
// converted into other. Only None is a valid source — this mirrors the
// source implementation's behaviour exactly (see DESIGN.md: L2 -> L2 also
// returns false), which the spec calls out as a conscious invariant rather
// than a bug to fix.
func (m EmbeddingNormalizationMethod) CanTransformTo(EmbeddingNormalizationMethod) bool {
	return m.Method == NormalizationNone
}

// NeedsTransformationTo reports whether the discriminant differs; epsilon
// does not participate in the comparison, matching RmsNorm{a} vs RmsNorm{b}
// being considered the same discriminant regardless of epsilon.
func (m EmbeddingNormalizationMethod) NeedsTransformationTo(other EmbeddingNormalizationMethod) bool {
	return m.Method != other.Method
}

// RmsNorm implements root-mean-square normalization over a float32 vector.
func RmsNorm(embedding []float32, eps float32) []float32 {
	var sumSquares float64
	for _, v := range embedding {
		sumSquares += float64(v) * float64(v)
	}
	meanSquare := sumSquares / float64(len(embedding))
	rms := math.Sqrt(meanSquare + float64(eps))

	out := make([]float32, len(embedding))
	if rms == 0 {
		return out
	}
	for i, v := range embedding {
		out[i] = float32(float64(v) / rms)
	}
	return out
}

// L2Norm implements L2 (Euclidean) normalization over a float32 vector.
func L2Norm(embedding []float32) []float32 {
	var sumSquares float64
	for _, v := range embedding {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)

	out := make([]float32, len(embedding))
	if norm == 0 {
		return out
	}
	for i, v := range embedding {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// ErrCannotTransform is returned by Embedding.TransformTo when the source
// normalization method is not None.
type ErrCannotTransform struct {
	From EmbeddingNormalizationMethod
	To   EmbeddingNormalizationMethod
}

func (e *ErrCannotTransform) Error() string {
	return fmt.Sprintf("cannot transform from %s to %s", e.From.Method, e.To.Method)
}
