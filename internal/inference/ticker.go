// Package inference implements InferenceTick (spec §4.4): a periodic reader
// of HotState that evaluates a pretrained model and publishes a price
// prediction ten seconds ahead.
package inference

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/marketdata"
)

// targetOffsetMs is the fixed prediction horizon (spec §1: "predict price
// ten seconds into the future"). It is not part of the configuration
// surface in spec §6.
const targetOffsetMs = 10_000

const (
	baseConfidence          = 0.8
	staleFeaturesAgeMs      = 2_000
	staleFeaturesDiscount   = 0.8
	highVolatilityThreshold = 0.01
	highVolatilityDiscount  = 0.8
	wideSpreadThresholdBp   = 10
	wideSpreadDiscount      = 0.8
	degradedStaleConfidence = 0.3
	degradedErrorConfidence = 0.1
	minConfidence           = 0.1
	maxConfidence           = 1.0
)

// Tick runs the periodic inference loop.
type Tick struct {
	cfg    *config.Config
	store  *hotstate.Store
	model  Model
	scaler *Scaler
	sink   Sink
	bus    *events.Bus
	log    zerolog.Logger

	prevPrediction   *Prediction
	prevCurrentPrice float64
	prevPredictionAt time.Time
}

// New builds a Tick.
func New(cfg *config.Config, store *hotstate.Store, model Model, scaler *Scaler, sink Sink, bus *events.Bus, log zerolog.Logger) *Tick {
	return &Tick{
		cfg:    cfg,
		store:  store,
		model:  model,
		scaler: scaler,
		sink:   sink,
		bus:    bus,
		log:    log.With().Str("component", "inference_tick").Logger(),
	}
}

// Run schedules ticks at t_prev + period (spec §4.4 step 1: "not now +
// period, to avoid drift") until ctx is canceled. A tick that falls more
// than one period behind wall-clock skips the backlog rather than firing
// repeatedly to catch up (spec §4.4, "Scheduling contract").
func (t *Tick) Run(ctx context.Context) {
	period := t.cfg.TickPeriod
	if period <= 0 {
		period = 2 * time.Second
	}

	next := time.Now().Add(period)
	for {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		t.tick()

		next = next.Add(period)
		if time.Since(next) > period {
			next = time.Now().Add(period)
		}
	}
}

func (t *Tick) tick() {
	start := time.Now()

	bundle, err := t.store.GetRevision()
	if err != nil {
		t.log.Debug().Msg("hot state not initialized yet, skipping tick")
		return
	}

	fv := bundle.FV
	nowWall := time.Now()
	ageMs := nowWall.UnixMilli() - fv.TsUs/1000

	var prediction *Prediction
	if ageMs > t.cfg.StaleThreshold.Milliseconds() || fv.Completeness < t.cfg.MinCompleteness {
		prediction = t.degradedStale(fv.Price, ageMs)
	} else {
		prediction = t.evaluate(&fv, ageMs)
	}

	prediction.Symbol = t.cfg.Symbol
	prediction.TickMs = nowWall.UnixMilli()
	prediction.TargetOffsetMs = targetOffsetMs
	prediction.InferenceLatencyUs = time.Since(start).Microseconds()

	if err := t.sink.Publish(prediction); err != nil {
		t.log.Warn().Err(err).Msg("prediction sink publish failed")
	}
	t.bus.Emit("inference_tick", &events.PredictionData{
		Symbol: prediction.Symbol, TickMs: prediction.TickMs,
		Predicted: prediction.PredictedPrice, Confidence: prediction.Confidence,
		Source: prediction.Source,
	})

	t.prevPrediction = prediction
	t.prevCurrentPrice = fv.Price
	t.prevPredictionAt = nowWall
}

func (t *Tick) evaluate(fv *marketdata.FeatureVector, ageMs int64) *Prediction {
	input := BuildInputVector(fv)
	if t.scaler != nil {
		input = t.scaler.Transform(input)
	}

	predicted, err := t.model.Predict(input)
	if err != nil {
		t.log.Error().Err(err).Msg("model evaluation failed")
		return &Prediction{
			CurrentPrice:   fv.Price,
			PredictedPrice: fv.Price,
			Confidence:     degradedErrorConfidence,
			ModelVersion:   t.model.Version(),
			FeaturesAgeMs:  ageMs,
			Source:         "degraded-error",
		}
	}

	confidence := baseConfidence * fv.Completeness
	if ageMs > staleFeaturesAgeMs {
		confidence *= staleFeaturesDiscount
	}
	if fv.Volatility > highVolatilityThreshold {
		confidence *= highVolatilityDiscount
	}
	if fv.SpreadBp > wideSpreadThresholdBp {
		confidence *= wideSpreadDiscount
	}
	confidence = clamp(confidence, minConfidence, maxConfidence)

	return &Prediction{
		CurrentPrice:   fv.Price,
		PredictedPrice: predicted,
		Confidence:     confidence,
		ModelVersion:   t.model.Version(),
		FeaturesAgeMs:  ageMs,
		Source:         "normal",
	}
}

// degradedStale implements spec §4.4's stale-features degraded mode: linear
// continuation of the previous prediction's implied drift, scaled to the
// interval since that prediction, with reduced confidence.
func (t *Tick) degradedStale(currentPrice float64, ageMs int64) *Prediction {
	predicted := currentPrice
	if t.prevPrediction != nil && t.prevCurrentPrice > 0 && !t.prevPredictionAt.IsZero() {
		drift := t.prevPrediction.PredictedPrice - t.prevCurrentPrice
		elapsedMs := float64(time.Since(t.prevPredictionAt).Milliseconds())
		scale := elapsedMs / float64(targetOffsetMs)
		predicted = currentPrice + drift*scale
	}

	return &Prediction{
		CurrentPrice:   currentPrice,
		PredictedPrice: predicted,
		Confidence:     degradedStaleConfidence,
		ModelVersion:   t.modelVersionOrUnknown(),
		FeaturesAgeMs:  ageMs,
		Source:         "degraded-stale",
	}
}

func (t *Tick) modelVersionOrUnknown() string {
	if t.model == nil {
		return "unknown"
	}
	return t.model.Version()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
