package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaultsMissingVersion(t *testing.T) {
	raw := `{"balancer_desired_state":{"chat_template_override":null,"use_chat_template_override":false,"inference_parameters":{},"model":{"kind":"none"}}}`

	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "1", f.Version)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	raw := `{"balancer_desired_state":{"chat_template_override":null,"use_chat_template_override":false,"inference_parameters":{},"model":{"kind":"none"}},"bogus":1}`
	_, err := Decode([]byte(raw))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := File{
		BalancerDesiredState: domain.BalancerDesiredState{
			UseChatTemplateOverride: false,
			InferenceParameters:     domain.DefaultInferenceParameters(),
			Model:                   domain.NoneModel(),
		},
		Version: "1",
	}

	encoded, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.True(t, original.BalancerDesiredState.Equal(decoded.BalancerDesiredState))
	assert.Equal(t, original.Version, decoded.Version)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	original := File{
		BalancerDesiredState: domain.BalancerDesiredState{
			Model:               domain.LocalPathModel("/models/a.gguf"),
			InferenceParameters: domain.DefaultInferenceParameters(),
		},
		Version: "1",
	}
	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, original.BalancerDesiredState.Equal(loaded.BalancerDesiredState))
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	f, err := Load(path)
	require.NoError(t, err)
	assert.True(t, f.BalancerDesiredState.Equal(domain.DefaultBalancerDesiredState()))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
