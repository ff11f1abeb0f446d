package inference

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hotpath/internal/marketdata"
)

func TestBuildInputVector_OrdersFieldsByFeatureOrder(t *testing.T) {
	fv := &marketdata.FeatureVector{
		Price:    100,
		Mid:      99.5,
		Return1s: 0.001,
		SpreadBp: 2,
		Momentum: 0.5,
		HourSin:  0.1,
		HourCos:  0.9,
	}

	vec := BuildInputVector(fv)

	require.Len(t, vec, len(FeatureOrder))
	assert.Equal(t, 100.0, vec[0])  // price
	assert.Equal(t, 99.5, vec[1])   // mid
	assert.Equal(t, 0.001, vec[2])  // return_1s
}

func TestScaler_TransformAppliesMeanStd(t *testing.T) {
	n := len(FeatureOrder)
	mean := make([]float64, n)
	std := make([]float64, n)
	for i := range mean {
		mean[i] = 1
		std[i] = 2
	}
	scaler := &Scaler{Mean: mean, Std: std}

	input := make([]float64, n)
	for i := range input {
		input[i] = 5
	}

	out := scaler.Transform(input)
	for _, v := range out {
		assert.InDelta(t, 2.0, v, 1e-9) // (5-1)/2
	}
}

func TestScaler_TransformLeavesZeroStdUnscaled(t *testing.T) {
	n := len(FeatureOrder)
	mean := make([]float64, n)
	std := make([]float64, n)
	for i := range mean {
		mean[i] = 3
		std[i] = 0
	}
	scaler := &Scaler{Mean: mean, Std: std}

	input := make([]float64, n)
	for i := range input {
		input[i] = 10
	}

	out := scaler.Transform(input)
	for _, v := range out {
		assert.InDelta(t, 7.0, v, 1e-9) // 10 - mean, no division
	}
}

func TestLoadScaler_RejectsLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scaler.json")
	data, err := json.Marshal(scalerArtifact{Mean: []float64{1, 2}, Std: []float64{1, 2}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = LoadScaler(path)
	assert.Error(t, err)
}

func TestLoadScaler_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scaler.json")
	n := len(FeatureOrder)
	mean := make([]float64, n)
	std := make([]float64, n)
	for i := range mean {
		mean[i] = float64(i)
		std[i] = 1
	}
	data, err := json.Marshal(scalerArtifact{Mean: mean, Std: std})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	scaler, err := LoadScaler(path)
	require.NoError(t, err)
	assert.Equal(t, mean, scaler.Mean)
	assert.Equal(t, std, scaler.Std)
}
