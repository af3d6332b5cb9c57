package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-worker/internal/storage"
)

func samplesWithPrices(prices ...int64) []storage.Sample {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.Sample, 0, len(prices))
	for i, p := range prices {
		out = append(out, storage.Sample{
			Asset:      "bitcoin",
			Price:      decimal.NewFromInt(p),
			ObservedAt: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestComputeDeviationPopulation(t *testing.T) {
	dev, err := ComputeDeviation(samplesWithPrices(40000, 45000, 50000))
	require.NoError(t, err)

	assert.Equal(t, 3, dev.SampleSize)
	assert.InDelta(t, 45000, dev.Mean, 1e-9)
	assert.InDelta(t, 4082.48, dev.Value, 0.01)
}

func TestComputeDeviationEmpty(t *testing.T) {
	_, err := ComputeDeviation(nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputeDeviationSingleSample(t *testing.T) {
	dev, err := ComputeDeviation(samplesWithPrices(42))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.SampleSize)
	assert.Zero(t, dev.Value)
}

func TestComputeDeviationCapsAtMaxSamples(t *testing.T) {
	prices := make([]int64, 0, 150)
	for i := 0; i < 100; i++ {
		prices = append(prices, 10)
	}
	for i := 0; i < 50; i++ {
		prices = append(prices, 1_000_000)
	}

	dev, err := ComputeDeviation(samplesWithPrices(prices...))
	require.NoError(t, err)
	assert.Equal(t, MaxSamples, dev.SampleSize)
	assert.Zero(t, dev.Value, "older samples beyond the cap must be ignored")
}

func TestEngineReadsNewestSamples(t *testing.T) {
	store := storage.NewMemoryStore(500)
	ctx := context.Background()
	for _, s := range samplesWithPrices(50000, 45000, 40000) {
		require.NoError(t, store.AppendSample(ctx, s))
	}

	engine := NewEngine(store)

	dev, err := engine.Deviation(ctx, "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 3, dev.SampleSize)
	assert.InDelta(t, 4082.48, dev.Value, 0.01)

	latest, err := engine.Latest(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(50000)))

	_, err = engine.Deviation(ctx, "dogecoin")
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = engine.Latest(ctx, "dogecoin")
	assert.ErrorIs(t, err, ErrInsufficientData)
}
