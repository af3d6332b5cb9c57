package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-stats-worker/internal/storage"
)

// Worker metrics event names.
const (
	EventCircuitOpened = "circuit_opened"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
)

// Topics names the outbound bus topics.
type Topics struct {
	Completed string
	Metrics   string
	Sample    string
}

// SampleEvent is published once per successfully ingested asset.
type SampleEvent struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	MarketCap  decimal.Decimal `json:"marketCap"`
	Change24h  decimal.Decimal `json:"change24h"`
	Volatility decimal.Decimal `json:"volatility"`
	ObservedAt time.Time       `json:"observedAt"`
	RunID      string          `json:"runId"`
}

func newSampleEvent(runID string, s storage.Sample) SampleEvent {
	return SampleEvent{
		Asset:      s.Asset,
		Price:      s.Price,
		MarketCap:  s.MarketCap,
		Change24h:  s.Change24h,
		Volatility: s.Volatility(),
		ObservedAt: s.ObservedAt,
		RunID:      runID,
	}
}

// CompletedEvent announces a run with at least one ingested asset.
type CompletedEvent struct {
	RunID           string            `json:"runId"`
	SucceededAssets []string          `json:"succeededAssets"`
	FailedAssets    map[string]string `json:"failedAssets"`
	DurationMs      int64             `json:"durationMs"`
}

// MetricsEvent reports run summaries and circuit transitions.
type MetricsEvent struct {
	Event               string    `json:"event"`
	Timestamp           time.Time `json:"timestamp"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CircuitState        string    `json:"circuitState"`
	RunID               string    `json:"runId,omitempty"`
	Succeeded           int       `json:"succeeded"`
	Failed              int       `json:"failed"`
	DurationMs          int64     `json:"durationMs"`
}
