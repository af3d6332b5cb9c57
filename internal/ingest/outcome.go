package ingest

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"crypto-stats-worker/internal/storage"
)

// Reason is why an asset is recorded as failed in a run.
type Reason string

const (
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonRunTimeout       Reason = "run_timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonFetchFailed      Reason = "fetch_failed"
	ReasonStoreWriteFailed Reason = "store_write_failed"
)

// Failure describes one failed asset.
type Failure struct {
	Reason   Reason `json:"reason"`
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// RunOutcome is the immutable result of one ingestion run. Succeeded and Failed
// partition the tracked asset set.
type RunOutcome struct {
	RunID      string             `json:"runId"`
	Trigger    string             `json:"trigger"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
	Duration   time.Duration      `json:"-"`
	Succeeded  []string           `json:"succeededAssets"`
	Failed     map[string]Failure `json:"failedAssets"`
}

// Success reports whether the run counts as successful for the circuit breaker:
// at least one asset was ingested.
func (o RunOutcome) Success() bool {
	return len(o.Succeeded) > 0
}

// DurationMs is the run duration in milliseconds.
func (o RunOutcome) DurationMs() int64 {
	return o.Duration.Milliseconds()
}

// FailedReasons flattens Failed to asset → reason.
func (o RunOutcome) FailedReasons() map[string]string {
	out := make(map[string]string, len(o.Failed))
	for asset, f := range o.Failed {
		out[asset] = string(f.Reason)
	}
	return out
}

// Record converts the outcome into its persisted form.
func (o RunOutcome) Record() storage.RunRecord {
	return storage.RunRecord{
		RunID:      o.RunID,
		Trigger:    o.Trigger,
		StartedAt:  o.StartedAt,
		DurationMs: o.DurationMs(),
		Succeeded:  append([]string(nil), o.Succeeded...),
		Failed:     o.FailedReasons(),
	}
}

// MarshalJSON adds durationMs to the encoded outcome.
func (o RunOutcome) MarshalJSON() ([]byte, error) {
	type alias RunOutcome
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(o), o.DurationMs()})
}

// results collects per-asset results of one run. Once sealed, late results are dropped.
type results struct {
	mu        sync.Mutex
	succeeded map[string]struct{}
	failed    map[string]Failure
	sealed    bool
}

func newResults() *results {
	return &results{
		succeeded: make(map[string]struct{}),
		failed:    make(map[string]Failure),
	}
}

func (r *results) succeed(asset string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.succeeded[asset] = struct{}{}
}

func (r *results) fail(asset string, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.failed[asset] = f
}

// seal stops accepting results and marks every unresolved asset with reason.
func (r *results) seal(assets []string, reason Reason) ([]string, map[string]Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	for _, asset := range assets {
		if !r.resolved(asset) {
			r.failed[asset] = Failure{Reason: reason, Message: "no result before the run ended"}
		}
	}
	return r.sortedSucceeded(), r.failed
}

func (r *results) resolved(asset string) bool {
	if _, ok := r.succeeded[asset]; ok {
		return true
	}
	_, ok := r.failed[asset]
	return ok
}

func (r *results) sortedSucceeded() []string {
	out := make([]string, 0, len(r.succeeded))
	for asset := range r.succeeded {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
