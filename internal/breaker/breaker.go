// Package breaker implements the run-level circuit breaker that stops ingestion
// after sustained total upstream failure and periodically admits a trial run.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the state of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configure breaker behaviour.
type Options struct {
	// FailureThreshold is the number of consecutive failed runs that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before admitting a trial run.
	ResetTimeout time.Duration
	// OnTransition, when set, is called after every state change, including the
	// timer-driven OPEN → HALF_OPEN move. It runs without the breaker lock held.
	OnTransition func(Transition)
}

// DefaultOptions mirror the worker defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Transition describes a state change caused by RecordOutcome.
type Transition struct {
	From                State
	To                  State
	ConsecutiveFailures int
}

// Changed reports whether the state actually moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// Breaker is a three-state circuit breaker over whole ingestion runs.
// The OPEN → HALF_OPEN move is driven by a timer the breaker owns; Close cancels it.
type Breaker struct {
	mu       sync.Mutex
	opts     Options
	state    State
	failures int
	openedAt time.Time
	timer    *time.Timer
	closed   bool
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a breaker in the CLOSED state.
func New(opts Options, logger zerolog.Logger) *Breaker {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{
		opts:   opts,
		state:  Closed,
		now:    time.Now,
		logger: logger.With().Str("component", "breaker").Logger(),
	}
}

// Allow reports whether a run may execute. It is false only while OPEN.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != Open
}

// RecordOutcome feeds a run classification into the state machine. It is the only mutator
// apart from the reset timer.
func (b *Breaker) RecordOutcome(success bool) Transition {
	tr := b.recordLocked(success)
	if tr.Changed() {
		b.notify(tr)
	}
	return tr
}

func (b *Breaker) recordLocked(success bool) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		if success {
			b.failures = 0
			b.state = Closed
			b.openedAt = time.Time{}
			break
		}
		b.failures++
		b.openLocked()
	case Open:
		// Runs are skipped while open; a late outcome must not move the state.
		b.logger.Debug().Bool("success", success).Msg("outcome ignored while circuit open")
	}

	tr := Transition{From: from, To: b.state, ConsecutiveFailures: b.failures}
	if tr.Changed() {
		b.logger.Warn().
			Str("from", from.String()).
			Str("to", b.state.String()).
			Int("consecutive_failures", b.failures).
			Msg("circuit state changed")
	}
	return tr
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = b.now()
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.closed {
		return
	}
	b.timer = time.AfterFunc(b.opts.ResetTimeout, b.halfOpen)
}

func (b *Breaker) halfOpen() {
	b.mu.Lock()
	if b.state != Open || b.closed {
		b.mu.Unlock()
		return
	}
	b.state = HalfOpen
	b.timer = nil
	tr := Transition{From: Open, To: HalfOpen, ConsecutiveFailures: b.failures}
	b.mu.Unlock()

	b.logger.Info().Int("consecutive_failures", tr.ConsecutiveFailures).Msg("circuit half-open; next run is a trial")
	b.notify(tr)
}

func (b *Breaker) notify(tr Transition) {
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(tr)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and failure count.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{State: b.state, ConsecutiveFailures: b.failures}
	if !b.openedAt.IsZero() {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

// Close cancels the pending reset timer. The breaker keeps answering Allow afterwards.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
