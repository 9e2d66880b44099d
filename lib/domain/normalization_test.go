package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRmsNorm(t *testing.T) {
	got := RmsNorm([]float32{4, 4, 4, 4}, 0)
	for _, v := range got {
		assert.InDelta(t, 1.0, v, 1e-6)
	}
}

func TestRmsNormAllZero(t *testing.T) {
	got := RmsNorm([]float32{0, 0, 0, 0}, 0)
	assert.Equal(t, []float32{0, 0, 0, 0}, got)
}

func TestL2Norm(t *testing.T) {
	got := L2Norm([]float32{3, 4})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.6, got[0], 1e-6)
	assert.InDelta(t, 0.8, got[1], 1e-6)
}

func TestCanTransformTo(t *testing.T) {
	none := NoneNormalization()
	l2 := L2Normalization()
	rms := RmsNormNormalization(1e-5)

	assert.True(t, none.CanTransformTo(l2))
	assert.True(t, none.CanTransformTo(rms))
	assert.True(t, none.CanTransformTo(none))

	assert.False(t, l2.CanTransformTo(l2))
	assert.False(t, l2.CanTransformTo(none))
	assert.False(t, rms.CanTransformTo(rms))
	assert.False(t, rms.CanTransformTo(none))
}

func TestNeedsTransformationTo(t *testing.T) {
	none := NoneNormalization()
	l2 := L2Normalization()
	rmsA := RmsNormNormalization(1e-5)
	rmsB := RmsNormNormalization(1e-3)

	assert.True(t, none.NeedsTransformationTo(l2))
	assert.False(t, none.NeedsTransformationTo(none))
	// epsilon does not participate in the discriminant comparison.
	assert.False(t, rmsA.NeedsTransformationTo(rmsB))
}

func TestEmbeddingTransformTo(t *testing.T) {
	e := Embedding{Vector: []float32{4, 4, 4, 4}, Normalization: NoneNormalization()}

	transformed, err := e.TransformTo(RmsNormNormalization(0))
	require.NoError(t, err)
	for _, v := range transformed.Vector {
		assert.InDelta(t, 1.0, v, 1e-6)
	}

	_, err = transformed.TransformTo(NoneNormalization())
	assert.Error(t, err)
}
