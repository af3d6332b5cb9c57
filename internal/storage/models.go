package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one validated price observation for an asset. Samples are never mutated.
type Sample struct {
	Asset      string
	Price      decimal.Decimal
	MarketCap  decimal.Decimal
	Change24h  decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// Volatility is the absolute 24h change, as published with sample events.
func (s Sample) Volatility() decimal.Decimal {
	return s.Change24h.Abs()
}

// RunRecord is the persisted audit row of one ingestion run.
type RunRecord struct {
	RunID      string
	Trigger    string
	StartedAt  time.Time
	DurationMs int64
	Succeeded  []string
	Failed     map[string]string
	CreatedAt  time.Time
}
