package inference

import (
	"encoding/json"
	"os"

	"github.com/aristath/hotpath/internal/errkind"
	"github.com/aristath/hotpath/internal/marketdata"
)

// FeatureOrder fixes the model-input ordering (spec §9's Open Question
// resolution: "FV carries a documented fixed-shape tuple"). Changing this
// slice requires retraining and redeploying a matching model artifact.
var FeatureOrder = []string{
	"price", "mid",
	"return_1s", "return_5s", "return_10s",
	"volume_1s", "volume_5s",
	"imbalance_1s", "imbalance_5s",
	"spread_bp", "book_imbalance", "bid_strength", "ask_strength",
	"trade_intensity_1s", "trade_intensity_5s",
	"avg_trade_size_1s", "avg_trade_size_5s",
	"vwap_dev_1s", "vwap_dev_5s",
	"volatility", "momentum",
	"hour_sin", "hour_cos",
	"spread_times_imbalance", "momentum_times_volume",
}

var featureExtractors = map[string]func(*marketdata.FeatureVector) float64{
	"price":                  func(fv *marketdata.FeatureVector) float64 { return fv.Price },
	"mid":                    func(fv *marketdata.FeatureVector) float64 { return fv.Mid },
	"return_1s":              func(fv *marketdata.FeatureVector) float64 { return fv.Return1s },
	"return_5s":              func(fv *marketdata.FeatureVector) float64 { return fv.Return5s },
	"return_10s":             func(fv *marketdata.FeatureVector) float64 { return fv.Return10s },
	"volume_1s":              func(fv *marketdata.FeatureVector) float64 { return fv.Volume1s },
	"volume_5s":              func(fv *marketdata.FeatureVector) float64 { return fv.Volume5s },
	"imbalance_1s":           func(fv *marketdata.FeatureVector) float64 { return fv.Imbalance1s },
	"imbalance_5s":           func(fv *marketdata.FeatureVector) float64 { return fv.Imbalance5s },
	"spread_bp":              func(fv *marketdata.FeatureVector) float64 { return fv.SpreadBp },
	"book_imbalance":         func(fv *marketdata.FeatureVector) float64 { return fv.BookImbalance },
	"bid_strength":           func(fv *marketdata.FeatureVector) float64 { return fv.BidStrength },
	"ask_strength":           func(fv *marketdata.FeatureVector) float64 { return fv.AskStrength },
	"trade_intensity_1s":     func(fv *marketdata.FeatureVector) float64 { return fv.TradeIntensity1s },
	"trade_intensity_5s":     func(fv *marketdata.FeatureVector) float64 { return fv.TradeIntensity5s },
	"avg_trade_size_1s":      func(fv *marketdata.FeatureVector) float64 { return fv.AvgTradeSize1s },
	"avg_trade_size_5s":      func(fv *marketdata.FeatureVector) float64 { return fv.AvgTradeSize5s },
	"vwap_dev_1s":            func(fv *marketdata.FeatureVector) float64 { return fv.VWAPDev1s },
	"vwap_dev_5s":            func(fv *marketdata.FeatureVector) float64 { return fv.VWAPDev5s },
	"volatility":             func(fv *marketdata.FeatureVector) float64 { return fv.Volatility },
	"momentum":               func(fv *marketdata.FeatureVector) float64 { return fv.Momentum },
	"hour_sin":               func(fv *marketdata.FeatureVector) float64 { return fv.HourSin },
	"hour_cos":               func(fv *marketdata.FeatureVector) float64 { return fv.HourCos },
	"spread_times_imbalance": func(fv *marketdata.FeatureVector) float64 { return fv.SpreadTimesImbalance },
	"momentum_times_volume":  func(fv *marketdata.FeatureVector) float64 { return fv.MomentumTimesVolume },
}

// BuildInputVector arranges fv's fields into FeatureOrder.
func BuildInputVector(fv *marketdata.FeatureVector) []float64 {
	vec := make([]float64, len(FeatureOrder))
	for i, name := range FeatureOrder {
		vec[i] = featureExtractors[name](fv)
	}
	return vec
}

// Scaler applies a per-feature (value-mean)/std transform, the "pretrained
// feature scaler" of spec §4.4 step 4.
type Scaler struct {
	Mean []float64
	Std  []float64
}

type scalerArtifact struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// LoadScaler reads a mean/std sidecar artifact from path.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "read scaler artifact", err)
	}
	var artifact scalerArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "parse scaler artifact", err)
	}
	if len(artifact.Mean) != len(FeatureOrder) || len(artifact.Std) != len(FeatureOrder) {
		return nil, errkind.New(errkind.Fatal, "scaler artifact length does not match feature order")
	}
	return &Scaler{Mean: artifact.Mean, Std: artifact.Std}, nil
}

// Transform returns a new slice with (v-mean)/std applied element-wise. A
// zero std leaves that feature unscaled rather than dividing by zero.
func (s *Scaler) Transform(input []float64) []float64 {
	out := make([]float64, len(input))
	for i, v := range input {
		if i >= len(s.Mean) || s.Std[i] == 0 {
			out[i] = v - meanAt(s, i)
			continue
		}
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out
}

func meanAt(s *Scaler, i int) float64 {
	if i >= len(s.Mean) {
		return 0
	}
	return s.Mean[i]
}
