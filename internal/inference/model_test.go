package inference

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelArtifact(t *testing.T, weights []float64, bias float64, version string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	data, err := json.Marshal(linearModelArtifact{Weights: weights, Bias: bias, Version: version})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadLinearModel_RejectsWeightCountMismatch(t *testing.T) {
	path := writeModelArtifact(t, []float64{1, 2}, 0, "v0")
	_, err := LoadLinearModel(path)
	assert.Error(t, err)
}

func TestLoadLinearModel_RoundTrips(t *testing.T) {
	weights := make([]float64, len(FeatureOrder))
	for i := range weights {
		weights[i] = 1
	}
	path := writeModelArtifact(t, weights, 0.5, "v1")

	model, err := LoadLinearModel(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", model.Version())
}

func TestLinearModel_PredictIsWeightedSumPlusBias(t *testing.T) {
	weights := make([]float64, len(FeatureOrder))
	for i := range weights {
		weights[i] = 0
	}
	weights[0] = 2
	model := &LinearModel{weights: weights, bias: 10, version: "v1"}

	input := make([]float64, len(FeatureOrder))
	input[0] = 3

	got, err := model.Predict(input)
	require.NoError(t, err)
	assert.Equal(t, 16.0, got) // 2*3 + 10
}

func TestLinearModel_PredictRejectsLengthMismatch(t *testing.T) {
	model := &LinearModel{weights: []float64{1, 2, 3}, bias: 0, version: "v1"}
	_, err := model.Predict([]float64{1, 2})
	assert.Error(t, err)
}
