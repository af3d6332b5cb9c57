// Package ingest runs one ingestion cycle: batched, retried fetches of every tracked
// asset, concurrent persist-and-publish per sample, and circuit breaker feedback.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-stats-worker/internal/alerting"
	"crypto-stats-worker/internal/breaker"
	"crypto-stats-worker/internal/bus"
	"crypto-stats-worker/internal/fetcher"
	"crypto-stats-worker/internal/metrics"
	"crypto-stats-worker/internal/storage"
)

const announceTimeout = 5 * time.Second

// AssetFetcher obtains one validated sample per call.
type AssetFetcher interface {
	Fetch(ctx context.Context, asset string) (fetcher.Result, error)
}

// Options configure the runner.
type Options struct {
	Assets     []string
	BatchSize  int
	RunTimeout time.Duration
	Topics     Topics
	// ResetTimeout is only reported in circuit-open alerts.
	ResetTimeout time.Duration
}

// Deps are the collaborators of a run. Runs, Notifier and Metrics are optional.
type Deps struct {
	State     *State
	Fetcher   AssetFetcher
	Store     storage.SampleStore
	Runs      storage.RunStore
	Publisher bus.Publisher
	Notifier  alerting.Notifier
	Metrics   *metrics.Collector
}

// Runner executes ingestion runs. It holds no per-run state, so the single-flight
// guarantee lives with the caller.
type Runner struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// NewRunner constructs a runner.
func NewRunner(opts Options, deps Deps, logger zerolog.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Second
	}
	opts.Assets = append([]string(nil), opts.Assets...)
	if deps.Publisher == nil {
		deps.Publisher = bus.Discard{Logger: logger}
	}
	return &Runner{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "ingest").Logger(),
		now:    time.Now,
	}
}

// Assets returns the tracked asset set.
func (r *Runner) Assets() []string {
	return append([]string(nil), r.opts.Assets...)
}

// Run executes one ingestion cycle and returns its outcome. Per-asset errors never
// escape; they are recorded in the outcome.
func (r *Runner) Run(ctx context.Context, trigger string) RunOutcome {
	started := r.now()
	runID := uuid.NewString()
	log := r.logger.With().Str("run_id", runID).Str("trigger", trigger).Logger()

	if !r.deps.State.Breaker.Allow() {
		res := newResults()
		for _, asset := range r.opts.Assets {
			res.fail(asset, Failure{Reason: ReasonCircuitOpen, Message: "circuit breaker open"})
		}
		succeeded, failed := res.seal(r.opts.Assets, ReasonCircuitOpen)
		outcome := r.outcome(runID, trigger, started, succeeded, failed)
		log.Warn().Int("assets", len(r.opts.Assets)).Msg("circuit open; run skipped without upstream calls")
		r.deps.Metrics.RecordRun("skipped_circuit_open", outcome.Duration)
		r.announce(ctx, outcome, breaker.Transition{From: breaker.Open, To: breaker.Open})
		return outcome
	}

	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	res := newResults()
	for _, batch := range batches(r.opts.Assets, r.opts.BatchSize) {
		if runCtx.Err() != nil {
			break
		}
		r.runBatch(runCtx, ctx, runID, batch, res)
	}

	unresolved := ReasonRunTimeout
	if ctx.Err() != nil {
		unresolved = ReasonCancelled
	}
	succeeded, failed := res.seal(r.opts.Assets, unresolved)
	outcome := r.outcome(runID, trigger, started, succeeded, failed)

	var tr breaker.Transition
	if ctx.Err() != nil && !outcome.Success() {
		// Shutdown interrupted the run; it says nothing about the upstream.
		state := r.deps.State.Breaker.State()
		tr = breaker.Transition{From: state, To: state}
	} else {
		tr = r.deps.State.Breaker.RecordOutcome(outcome.Success())
	}
	r.deps.Metrics.SetCircuitState(int(tr.To))

	result := "succeeded"
	if !outcome.Success() {
		result = "failed"
	}
	r.deps.Metrics.RecordRun(result, outcome.Duration)

	event := log.Info()
	if !outcome.Success() {
		event = log.Warn()
	}
	event.
		Strs("succeeded", outcome.Succeeded).
		Interface("failed", outcome.FailedReasons()).
		Int64("duration_ms", outcome.DurationMs()).
		Str("circuit", tr.To.String()).
		Msg("ingestion run finished")

	r.announce(ctx, outcome, tr)
	return outcome
}

// runBatch fans the batch out and waits for it, or for the run deadline, whichever is first.
// Goroutines still running at the deadline are abandoned; their results are dropped once sealed.
func (r *Runner) runBatch(runCtx, parent context.Context, runID string, batch []string, res *results) {
	var g errgroup.Group
	for _, asset := range batch {
		asset := asset
		g.Go(func() error {
			r.ingestAsset(runCtx, parent, runID, asset, res)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
	}
}

func (r *Runner) ingestAsset(runCtx, parent context.Context, runID, asset string, res *results) {
	log := r.logger.With().Str("run_id", runID).Str("asset", asset).Logger()

	fetched, err := r.deps.Fetcher.Fetch(runCtx, asset)
	if err != nil {
		failure := Failure{Reason: ReasonFetchFailed, Message: err.Error(), Attempts: fetched.Attempts}
		var afe *fetcher.AssetFetchError
		if errors.As(err, &afe) {
			failure.Attempts = afe.Attempts
		}
		if runCtx.Err() != nil || errors.Is(err, fetcher.ErrRateLimitDeadline) {
			failure.Reason = interruptReason(parent)
		}
		log.Warn().Str("reason", string(failure.Reason)).Int("attempts", failure.Attempts).Err(err).Msg("asset failed")
		r.deps.Metrics.RecordAsset(asset, string(failure.Reason), failure.Attempts)
		res.fail(asset, failure)
		return
	}

	sample := fetched.Sample
	var g errgroup.Group
	g.Go(func() error {
		return r.deps.Store.AppendSample(runCtx, sample)
	})
	g.Go(func() error {
		r.publish(runCtx, r.opts.Topics.Sample, newSampleEvent(runID, sample))
		return nil
	})

	if err := g.Wait(); err != nil {
		failure := Failure{Reason: ReasonStoreWriteFailed, Message: err.Error(), Attempts: fetched.Attempts}
		log.Warn().Str("reason", string(failure.Reason)).Int("attempts", fetched.Attempts).Err(err).Msg("asset failed")
		r.deps.Metrics.RecordAsset(asset, string(failure.Reason), fetched.Attempts)
		res.fail(asset, failure)
		return
	}

	log.Debug().
		Str("price", sample.Price.String()).
		Int("attempts", fetched.Attempts).
		Msg("asset ingested")
	r.deps.Metrics.RecordAsset(asset, "ok", fetched.Attempts)
	res.succeed(asset)
}

func interruptReason(parent context.Context) Reason {
	if parent.Err() != nil {
		return ReasonCancelled
	}
	return ReasonRunTimeout
}

func (r *Runner) outcome(runID, trigger string, started time.Time, succeeded []string, failed map[string]Failure) RunOutcome {
	finished := r.now()
	return RunOutcome{
		RunID:      runID,
		Trigger:    trigger,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Duration:   finished.Sub(started),
		Succeeded:  succeeded,
		Failed:     failed,
	}
}

// announce publishes run events, persists the run record and sends the circuit alert.
// Every step is best-effort.
func (r *Runner) announce(ctx context.Context, outcome RunOutcome, tr breaker.Transition) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()

	snap := r.deps.State.Breaker.Snapshot()

	if outcome.Success() {
		r.publish(ctx, r.opts.Topics.Completed, CompletedEvent{
			RunID:           outcome.RunID,
			SucceededAssets: outcome.Succeeded,
			FailedAssets:    outcome.FailedReasons(),
			DurationMs:      outcome.DurationMs(),
		})
	}

	name := EventRunCompleted
	if !outcome.Success() {
		name = EventRunFailed
	}
	r.publish(ctx, r.opts.Topics.Metrics, MetricsEvent{
		Event:               name,
		Timestamp:           outcome.FinishedAt,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		CircuitState:        snap.State.String(),
		RunID:               outcome.RunID,
		Succeeded:           len(outcome.Succeeded),
		Failed:              len(outcome.Failed),
		DurationMs:          outcome.DurationMs(),
	})

	if tr.Changed() && tr.To == breaker.Open {
		r.publish(ctx, r.opts.Topics.Metrics, MetricsEvent{
			Event:               EventCircuitOpened,
			Timestamp:           outcome.FinishedAt,
			ConsecutiveFailures: tr.ConsecutiveFailures,
			CircuitState:        tr.To.String(),
			RunID:               outcome.RunID,
		})
		if r.deps.Notifier != nil {
			note := alerting.Notification{
				Event:               EventCircuitOpened,
				At:                  outcome.FinishedAt,
				CircuitState:        tr.To.String(),
				ConsecutiveFailures: tr.ConsecutiveFailures,
				RunID:               outcome.RunID,
				FailedAssets:        outcome.FailedReasons(),
				ResetAfter:          r.opts.ResetTimeout,
			}
			if err := r.deps.Notifier.Notify(ctx, note); err != nil {
				r.logger.Error().Err(err).Str("run_id", outcome.RunID).Msg("failed to dispatch circuit alert")
			}
		}
	}

	if r.deps.Runs != nil {
		if err := r.deps.Runs.InsertRun(ctx, outcome.Record()); err != nil {
			r.logger.Error().Err(err).Str("run_id", outcome.RunID).Msg("failed to persist run record")
		}
	}
}

func (r *Runner) publish(ctx context.Context, topic string, payload any) {
	if topic == "" {
		return
	}
	if err := r.deps.Publisher.Publish(ctx, topic, payload); err != nil {
		r.deps.Metrics.RecordPublishError(topic)
		r.logger.Warn().Err(err).Str("topic", topic).Msg("event not published")
	}
}

func batches(assets []string, size int) [][]string {
	if len(assets) == 0 {
		return nil
	}
	if size <= 0 || size > len(assets) {
		size = len(assets)
	}
	out := make([][]string, 0, (len(assets)+size-1)/size)
	for start := 0; start < len(assets); start += size {
		end := min(start+size, len(assets))
		out = append(out, assets[start:end])
	}
	return out
}
