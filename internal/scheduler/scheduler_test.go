package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-worker/internal/breaker"
	"crypto-stats-worker/internal/config"
	"crypto-stats-worker/internal/ingest"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	triggers []string
	active   int32
	peak     int32
	hold     time.Duration
	release  chan struct{}
	panics   bool
}

func (r *fakeRunner) Run(ctx context.Context, trigger string) ingest.RunOutcome {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.calls++
	r.triggers = append(r.triggers, trigger)
	hold, release, panics := r.hold, r.release, r.panics
	r.mu.Unlock()

	if panics {
		panic("boom")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	if hold > 0 {
		time.Sleep(hold)
	}
	return ingest.RunOutcome{RunID: trigger, Trigger: trigger, Succeeded: []string{"bitcoin"}, Failed: map[string]ingest.Failure{}}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestScheduler(t *testing.T, runner Runner, opts Options) (*Scheduler, *ingest.State) {
	t.Helper()
	b := breaker.New(breaker.DefaultOptions(), zerolog.Nop())
	t.Cleanup(b.Close)
	state := ingest.NewState(b, 5)
	return New(opts, runner, state, zerolog.Nop()), state
}

func TestParseCadence(t *testing.T) {
	for _, expr := range []string{"15m", "@every 1m", "*/15 * * * *", "@hourly"} {
		sched, err := ParseCadence(expr)
		require.NoError(t, err, expr)
		now := time.Now()
		assert.True(t, sched.Next(now).After(now), expr)
	}

	sched, err := ParseCadence("250ms")
	require.NoError(t, err)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))

	for _, expr := range []string{"", "bogus", "-5s", "0s", "* * *"} {
		_, err := ParseCadence(expr)
		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr, expr)
		assert.Equal(t, "scheduler.cadence", cfgErr.Field)
	}
}

func TestStartRejectsInvalidCadence(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeRunner{}, Options{})
	err := s.Start(context.Background(), "every now and then")
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, s.Running())
}

func TestStartIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeRunner{}, Options{})
	require.NoError(t, s.Start(context.Background(), "1h"))
	require.NoError(t, s.Start(context.Background(), "1h"))
	assert.True(t, s.Running())
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())
}

func TestTriggerBeforeStart(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeRunner{}, Options{})
	assert.ErrorIs(t, s.Trigger(context.Background(), "manual"), ErrNotRunning)
}

func TestTicksFireOnCadence(t *testing.T) {
	runner := &fakeRunner{}
	s, state := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "20ms"))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return state.History.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerSchedule, state.History.List()[0].Trigger)
	assert.NotNil(t, s.Status().NextRunAt)
}

func TestSingleFlightDropsOverlappingTicks(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, state := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "10ms"))

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, time.Millisecond)

	// Ticks keep firing every 10ms while the run is held; all of them are dropped.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
	assert.ErrorIs(t, s.Trigger(context.Background(), "manual"), ErrRunInFlight)
	assert.True(t, s.Status().InFlight)

	close(runner.release)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.peak))
	assert.GreaterOrEqual(t, state.History.Len(), 1)
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	runner := &fakeRunner{hold: 100 * time.Millisecond}
	s, state := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "1h"))

	require.NoError(t, s.Trigger(context.Background(), "manual"))
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, state.History.Len(), "outcome must be recorded before Stop returns")

	last, ok := state.History.Last()
	require.True(t, ok)
	assert.Equal(t, "manual", last.Trigger)

	calls := runner.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, runner.callCount(), "no runs after Stop")
	assert.ErrorIs(t, s.Trigger(context.Background(), "manual"), ErrNotRunning)
	assert.Nil(t, s.Status().NextRunAt)
}

func TestStopDeadlineCancelsRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, state := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "1h"))
	require.NoError(t, s.Trigger(context.Background(), "manual"))
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, state.History.Len())
}

func TestRunPanicDoesNotKillScheduler(t *testing.T) {
	runner := &fakeRunner{panics: true}
	s, _ := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "1h"))
	defer s.Stop(context.Background())

	require.NoError(t, s.Trigger(context.Background(), "manual"))
	require.Eventually(t, func() bool { return !s.Status().InFlight && runner.callCount() == 1 }, time.Second, time.Millisecond)

	runner.mu.Lock()
	runner.panics = false
	runner.mu.Unlock()
	require.Eventually(t, func() bool { return s.Trigger(context.Background(), "manual") == nil }, time.Second, 5*time.Millisecond)
}

type fakeLocker struct {
	acquired bool
	err      error
	unlocked int32
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { atomic.AddInt32(&l.unlocked, 1) }, true, nil
}

func TestAdvisoryLockUnavailableSkipsRun(t *testing.T) {
	for name, locker := range map[string]*fakeLocker{
		"held elsewhere": {},
		"lock error":     {err: errors.New("db down")},
	} {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{}
			s, state := newTestScheduler(t, runner, Options{AdvisoryLockKey: 42, Locker: locker})
			require.NoError(t, s.Start(context.Background(), "1h"))

			require.NoError(t, s.Trigger(context.Background(), "manual"))
			require.NoError(t, s.Stop(context.Background()))
			assert.Zero(t, runner.callCount())
			assert.Zero(t, state.History.Len())
		})
	}
}

func TestAdvisoryLockReleasedAfterRun(t *testing.T) {
	runner := &fakeRunner{}
	locker := &fakeLocker{acquired: true}
	s, _ := newTestScheduler(t, runner, Options{AdvisoryLockKey: 42, Locker: locker})
	require.NoError(t, s.Start(context.Background(), "1h"))

	require.NoError(t, s.Trigger(context.Background(), "manual"))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&locker.unlocked))
}

func TestRunOnceRecordsOutcome(t *testing.T) {
	runner := &fakeRunner{}
	locker := &fakeLocker{acquired: true}
	s, state := newTestScheduler(t, runner, Options{AdvisoryLockKey: 42, Locker: locker})

	outcome, err := s.RunOnce(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, "cli", outcome.Trigger)
	assert.Equal(t, 1, state.History.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&locker.unlocked))
	assert.False(t, s.Status().InFlight)
}

func TestRunOnceRefusesWhileLockHeld(t *testing.T) {
	runner := &fakeRunner{}
	s, state := newTestScheduler(t, runner, Options{AdvisoryLockKey: 42, Locker: &fakeLocker{}})

	_, err := s.RunOnce(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Zero(t, runner.callCount())
	assert.Zero(t, state.History.Len())

	cause := errors.New("db down")
	s, _ = newTestScheduler(t, runner, Options{AdvisoryLockKey: 42, Locker: &fakeLocker{err: cause}})
	_, err = s.RunOnce(context.Background(), "cli")
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, runner.callCount())
}

func TestRunOnceRefusesWhileScheduledRunInFlight(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, _ := newTestScheduler(t, runner, Options{})
	require.NoError(t, s.Start(context.Background(), "1h"))
	require.NoError(t, s.Trigger(context.Background(), "manual"))
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, time.Millisecond)

	_, err := s.RunOnce(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrRunInFlight)

	close(runner.release)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, runner.callCount())
}

func TestStartContextCancelEndsLiveness(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeRunner{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "1h"))
	require.True(t, s.Running())

	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.False(t, s.Status().Running)
	assert.ErrorIs(t, s.Trigger(context.Background(), "manual"), ErrNotRunning)
	require.NoError(t, s.Stop(context.Background()))
}
