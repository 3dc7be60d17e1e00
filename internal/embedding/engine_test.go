package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	same, err := CosineSimilarity(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-6)

	orth, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, orth, 1e-6)
}

func TestCosineSimilarity_EdgeCases(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Error(t, err, "dimension mismatch")

	zero, err := CosineSimilarity([]float32{0, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero, "zero vectors have no direction")
}

func TestNewEngine_UnknownProvider(t *testing.T) {
	_, err := NewEngine(Config{Provider: "mystery"})
	assert.Error(t, err)
}

func TestNewEngine_OllamaDefaults(t *testing.T) {
	e, err := NewEngine(Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, 768, e.Dimensions())
}
