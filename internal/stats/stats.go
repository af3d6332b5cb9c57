// Package stats derives aggregate statistics from stored price samples.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"crypto-stats-worker/internal/storage"
)

// MaxSamples bounds how many of the newest samples feed a deviation.
const MaxSamples = 100

// ErrInsufficientData is returned when there are no samples to aggregate.
var ErrInsufficientData = errors.New("stats: insufficient data")

// Deviation is the population standard deviation of price over a sample window.
type Deviation struct {
	Value      float64 `json:"deviation"`
	Mean       float64 `json:"mean"`
	SampleSize int     `json:"sampleSize"`
}

// ComputeDeviation computes the mean and population standard deviation of price.
// Samples are expected newest first; only the first MaxSamples are used.
func ComputeDeviation(samples []storage.Sample) (Deviation, error) {
	if len(samples) == 0 {
		return Deviation{}, ErrInsufficientData
	}
	if len(samples) > MaxSamples {
		samples = samples[:MaxSamples]
	}

	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += s.Price.InexactFloat64()
	}
	mean := sum / n

	var squares float64
	for _, s := range samples {
		d := s.Price.InexactFloat64() - mean
		squares += d * d
	}

	return Deviation{
		Value:      math.Sqrt(squares / n),
		Mean:       mean,
		SampleSize: len(samples),
	}, nil
}

// Engine answers statistics queries against the sample store.
type Engine struct {
	store storage.SampleStore
}

// NewEngine builds an Engine over store.
func NewEngine(store storage.SampleStore) *Engine {
	return &Engine{store: store}
}

// Deviation reads the newest MaxSamples samples of asset and aggregates them.
func (e *Engine) Deviation(ctx context.Context, asset string) (Deviation, error) {
	samples, err := e.store.RecentSamples(ctx, asset, MaxSamples)
	if err != nil {
		return Deviation{}, fmt.Errorf("load samples for %s: %w", asset, err)
	}
	return ComputeDeviation(samples)
}

// Latest returns the newest stored sample of asset.
func (e *Engine) Latest(ctx context.Context, asset string) (storage.Sample, error) {
	samples, err := e.store.RecentSamples(ctx, asset, 1)
	if err != nil {
		return storage.Sample{}, fmt.Errorf("load latest sample for %s: %w", asset, err)
	}
	if len(samples) == 0 {
		return storage.Sample{}, ErrInsufficientData
	}
	return samples[0], nil
}
