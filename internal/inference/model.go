package inference

import (
	"encoding/json"
	"os"

	"github.com/aristath/hotpath/internal/errkind"
)

// Model is the pretrained regressor InferenceTick evaluates every tick.
// Per spec §9's Open Question resolution ("the spec fixes only that ...
// the model is pure and stateless"), a Model must not hold mutable state
// across calls; it sees nothing but the scaled input vector for one tick.
type Model interface {
	Predict(input []float64) (float64, error)
	Version() string
}

// LinearModel is a small pretrained regressor: a weighted sum of the
// scaled feature vector plus a bias, predicting price ten seconds ahead.
// The spec treats the model itself as an opaque tensor function whose
// predictive quality is out of scope; a linear model is the simplest
// faithful stand-in that is genuinely "pure and stateless" and loadable
// from a plain artifact file.
type LinearModel struct {
	weights []float64
	bias    float64
	version string
}

// linearModelArtifact is the on-disk JSON shape of a trained LinearModel.
type linearModelArtifact struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Version string    `json:"version"`
}

// LoadLinearModel reads a weights/bias artifact from path.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "read model artifact", err)
	}
	var artifact linearModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "parse model artifact", err)
	}
	if len(artifact.Weights) != len(FeatureOrder) {
		return nil, errkind.New(errkind.Fatal, "model artifact weight count does not match feature order length")
	}
	return &LinearModel{weights: artifact.Weights, bias: artifact.Bias, version: artifact.Version}, nil
}

// Predict implements Model.
func (m *LinearModel) Predict(input []float64) (float64, error) {
	if len(input) != len(m.weights) {
		return 0, errkind.New(errkind.Fatal, "model input length does not match weight count")
	}
	sum := m.bias
	for i, w := range m.weights {
		sum += w * input[i]
	}
	return sum, nil
}

// Version implements Model.
func (m *LinearModel) Version() string { return m.version }
