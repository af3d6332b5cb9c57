// Package scheduler fires ingestion runs on a cadence with a single-flight guarantee.
// A tick that arrives while a run is in flight is dropped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"crypto-stats-worker/internal/breaker"
	"crypto-stats-worker/internal/ingest"
	"crypto-stats-worker/internal/metrics"
	"crypto-stats-worker/internal/storage"
)

var (
	// ErrRunInFlight is returned when a trigger is dropped because a run is executing.
	ErrRunInFlight = errors.New("scheduler: run already in flight")
	// ErrNotRunning is returned when triggering a scheduler that is not started.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrLockHeld is returned when another worker process holds the advisory lock.
	ErrLockHeld = errors.New("scheduler: advisory lock held by another worker")
)

// TriggerSchedule is the trigger name recorded for timer ticks.
const TriggerSchedule = "schedule"

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context, trigger string) ingest.RunOutcome
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
	// AdvisoryLockKey, when non-zero and Locker is set, adds a cross-process lock per run.
	AdvisoryLockKey int64
	Locker          storage.AdvisoryLocker
	Metrics         *metrics.Collector
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running   bool                `json:"running"`
	InFlight  bool                `json:"inFlight"`
	LastRun   *ingest.RunOutcome  `json:"lastRun"`
	NextRunAt *time.Time          `json:"nextRunAt"`
	History   []ingest.RunOutcome `json:"history"`
	Circuit   breaker.Snapshot    `json:"circuit"`
}

// Scheduler drives ingestion runs.
type Scheduler struct {
	opts   Options
	runner Runner
	state  *ingest.State
	logger zerolog.Logger

	// flight is held for the whole duration of a run.
	flight sync.Mutex
	runs   sync.WaitGroup

	mu        sync.Mutex
	running   bool
	inFlight  bool
	next      time.Time
	baseCtx   context.Context
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	cancelRun context.CancelFunc
}

// New constructs a Scheduler instance.
func New(opts Options, runner Runner, state *ingest.State, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts,
		runner: runner,
		state:  state,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start validates cadence and begins timer-driven runs. Calling Start on a running
// scheduler logs a warning and does nothing. Runs outlive ctx cancellation until Stop.
func (s *Scheduler) Start(ctx context.Context, cadence string) error {
	schedule, err := ParseCadence(cadence)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aliveLocked() {
		s.logger.Warn().Str("cadence", cadence).Msg("scheduler already running; start ignored")
		return nil
	}

	if s.stopLoop != nil {
		s.stopLoop()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = done

	go s.loop(loopCtx, schedule, done)
	s.logger.Info().Str("cadence", cadence).Msg("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, schedule cron.Schedule, done chan struct{}) {
	defer close(done)
	defer s.setNext(time.Time{})

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for {
		next := schedule.Next(time.Now())
		s.setNext(next)

		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_run", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.dispatch(TriggerSchedule); err != nil {
			if errors.Is(err, ErrRunInFlight) {
				s.logger.Warn().Time("tick", next).Msg("tick skipped: previous run still in flight")
				continue
			}
			s.logger.Debug().Err(err).Msg("tick not dispatched")
		}
	}
}

// Trigger requests an immediate out-of-cadence run under the same gating as ticks.
func (s *Scheduler) Trigger(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if source == "" {
		source = "manual"
	}
	err := s.dispatch(source)
	switch {
	case errors.Is(err, ErrRunInFlight):
		s.logger.Warn().Str("trigger", source).Msg("trigger dropped: run in flight")
	case err == nil:
		s.logger.Info().Str("trigger", source).Msg("out-of-cadence run started")
	}
	return err
}

func (s *Scheduler) dispatch(trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.aliveLocked() {
		return ErrNotRunning
	}
	if !s.flight.TryLock() {
		s.opts.Metrics.RecordTickSkipped("in_flight")
		return ErrRunInFlight
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.inFlight = true
	s.cancelRun = cancel
	s.runs.Add(1)

	go s.execute(runCtx, cancel, trigger)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, trigger string) {
	defer s.runs.Done()
	defer s.flight.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.cancelRun = nil
		s.mu.Unlock()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("trigger", trigger).Msg("ingestion run panicked")
		}
	}()

	if _, err := s.runLocked(ctx, trigger); err != nil {
		s.logger.Debug().Err(err).Str("trigger", trigger).Msg("run not executed")
	}
}

// RunOnce executes one run synchronously under the same single-flight and advisory
// lock as scheduled ticks. It does not require Start. It returns ErrRunInFlight when a
// run is already executing in this process and ErrLockHeld when another process holds
// the advisory lock.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) (ingest.RunOutcome, error) {
	if !s.flight.TryLock() {
		s.opts.Metrics.RecordTickSkipped("in_flight")
		return ingest.RunOutcome{}, ErrRunInFlight
	}
	defer s.flight.Unlock()

	s.setInFlight(true)
	defer s.setInFlight(false)

	return s.runLocked(ctx, trigger)
}

// runLocked runs with the flight lock already held.
func (s *Scheduler) runLocked(ctx context.Context, trigger string) (ingest.RunOutcome, error) {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return ingest.RunOutcome{}, err
	}
	defer unlock()

	outcome := s.runner.Run(ctx, trigger)
	s.state.History.Append(outcome)
	return outcome, nil
}

func (s *Scheduler) acquireLock(ctx context.Context) (func(), error) {
	if s.opts.AdvisoryLockKey == 0 || s.opts.Locker == nil {
		return func() {}, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		s.logger.Error().Err(err).Msg("acquire advisory lock failed; run skipped")
		s.opts.Metrics.RecordTickSkipped("lock_error")
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		s.logger.Warn().Int64("lock_key", s.opts.AdvisoryLockKey).Msg("run skipped: advisory lock held by another worker")
		s.opts.Metrics.RecordTickSkipped("advisory_lock")
		return nil, ErrLockHeld
	}
	return unlock, nil
}

// Stop ends future ticks and waits for an in-flight run to record its outcome. If ctx
// expires first, the run is cancelled and Stop still waits for it to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopLoop()
	done := s.loopDone
	s.mu.Unlock()

	<-done

	drained := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	<-drained

	s.logger.Warn().Msg("scheduler stopped after cancelling in-flight run")
	return fmt.Errorf("drain in-flight run: %w", ctx.Err())
}

// Running reports whether the scheduler accepts ticks. It turns false once the
// context passed to Start is done, even before Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *Scheduler) aliveLocked() bool {
	if !s.running {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

// Status returns the scheduler and circuit state with the bounded run history.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.aliveLocked(), InFlight: s.inFlight}
	if !s.next.IsZero() {
		next := s.next
		st.NextRunAt = &next
	}
	s.mu.Unlock()

	st.History = s.state.History.List()
	if last, ok := s.state.History.Last(); ok {
		st.LastRun = &last
	}
	st.Circuit = s.state.Breaker.Snapshot()
	return st
}

func (s *Scheduler) setInFlight(v bool) {
	s.mu.Lock()
	s.inFlight = v
	s.mu.Unlock()
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}
