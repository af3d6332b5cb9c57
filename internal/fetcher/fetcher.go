package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crypto-stats-worker/internal/storage"
)

// ErrRateLimitDeadline is returned when the next rate-limit slot falls after the
// caller's deadline, so no attempt was made.
var ErrRateLimitDeadline = errors.New("rate limit wait would exceed deadline")

// Source performs exactly one upstream call for one asset.
type Source interface {
	FetchSample(ctx context.Context, asset string) (storage.Sample, error)
}

// Kind classifies a fetch error at the point it is produced.
type Kind int

const (
	Retryable Kind = iota
	NonRetryable
	Validation
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// FetchError is the tagged error every Source returns.
type FetchError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch error (%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError reports a missing or malformed field in the upstream payload.
type ValidationError struct {
	Asset  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s %s", e.Asset, e.Field, e.Reason)
}

// AssetFetchError is the terminal failure for one asset after the retry policy gave up.
type AssetFetchError struct {
	Asset    string
	Attempts int
	Err      error
}

func (e *AssetFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Asset, e.Attempts, e.Err)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// KindOf extracts the classification of err. Unclassified errors are treated as retryable.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Validation
	}
	return Retryable
}

func retryable(err error) *FetchError    { return &FetchError{Kind: Retryable, Err: err} }
func nonRetryable(err error) *FetchError { return &FetchError{Kind: NonRetryable, Err: err} }
func invalid(asset, field, reason string) *FetchError {
	return &FetchError{Kind: Validation, Err: &ValidationError{Asset: asset, Field: field, Reason: reason}}
}

// RetryPolicy bounds the attempts made for one asset.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the wait before the given retry (1-based: the wait after attempt n).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Options configure the retrying fetcher.
type Options struct {
	Retry             RetryPolicy
	AttemptTimeout    time.Duration
	RequestsPerMinute int
}

// Result is a validated sample with the number of attempts it took.
type Result struct {
	Sample   storage.Sample
	Attempts int
}

// Fetcher wraps a Source with per-attempt timeouts, rate limiting and retry/backoff.
type Fetcher struct {
	source  Source
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a fetcher.
func New(source Source, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = time.Second
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute)
	}

	return &Fetcher{
		source:  source,
		opts:    opts,
		limiter: limiter,
		logger:  logger.With().Str("component", "fetcher").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Fetch obtains one validated sample for asset. Retryable errors are retried with
// exponential backoff; validation and other non-retryable errors return after one attempt.
// Any terminal failure is an *AssetFetchError carrying the last error and attempt count.
func (f *Fetcher) Fetch(ctx context.Context, asset string) (Result, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= f.opts.Retry.MaxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				if ctx.Err() == nil {
					err = fmt.Errorf("%w: %v", ErrRateLimitDeadline, err)
				}
				if lastErr == nil {
					lastErr = err
				}
				break
			}
		}

		attempts = attempt
		sample, err := f.attempt(ctx, asset)
		if err == nil {
			sample.ObservedAt = f.now().UTC()
			if attempt > 1 {
				f.logger.Info().Str("asset", asset).Int("attempts", attempt).Msg("fetch recovered after retry")
			}
			return Result{Sample: sample, Attempts: attempt}, nil
		}
		lastErr = err

		kind := KindOf(err)
		if kind != Retryable || ctx.Err() != nil {
			break
		}
		if attempt == f.opts.Retry.MaxAttempts {
			break
		}

		delay := f.opts.Retry.Delay(attempt)
		f.logger.Debug().
			Str("asset", asset).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("transient fetch failure; retrying")
		if err := f.sleep(ctx, delay); err != nil {
			break
		}
	}

	return Result{Attempts: attempts}, &AssetFetchError{Asset: asset, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, asset string) (storage.Sample, error) {
	attemptCtx := ctx
	if f.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.opts.AttemptTimeout)
		defer cancel()
	}
	return f.source.FetchSample(attemptCtx, asset)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
