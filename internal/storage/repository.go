package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendSampleSQL = `INSERT INTO price_samples (
        asset,
        price,
        market_cap,
        change_24h,
        observed_at,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	recentSamplesSQL = `SELECT
        asset,
        price::text,
        market_cap::text,
        change_24h::text,
        observed_at,
        source
    FROM price_samples
    WHERE asset = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	samplesBetweenSQL = `SELECT
        asset,
        price::text,
        market_cap::text,
        change_24h::text,
        observed_at,
        source
    FROM price_samples
    WHERE asset = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	insertRunSQL = `INSERT INTO ingestion_runs (
        run_id,
        trigger,
        started_at,
        duration_ms,
        succeeded,
        failed
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (run_id) DO NOTHING;`

	listRecentRunsSQL = `SELECT
        run_id,
        trigger,
        started_at,
        duration_ms,
        succeeded,
        failed,
        created_at
    FROM ingestion_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore is the append-only sample persistence the ingestion run writes to.
type SampleStore interface {
	AppendSample(ctx context.Context, sample Sample) error
	RecentSamples(ctx context.Context, asset string, limit int) ([]Sample, error)
}

// SampleHistory exposes windowed reads used by exports.
type SampleHistory interface {
	ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]Sample, error)
}

// RunStore defines operations for run auditing.
type RunStore interface {
	InsertRun(ctx context.Context, run RunRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples and run records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Session-level lock: a failed unlock is dropped with the connection.
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendSample persists a sample. Samples are never updated.
func (s *Store) AppendSample(ctx context.Context, sample Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, appendSampleSQL,
		sample.Asset,
		sample.Price.String(),
		sample.MarketCap.String(),
		sample.Change24h.String(),
		sample.ObservedAt.UTC(),
		sample.Source,
	)
	if execErr != nil {
		return fmt.Errorf("append sample: %w", execErr)
	}
	return nil
}

// RecentSamples lists the newest samples for an asset, newest first.
func (s *Store) RecentSamples(ctx context.Context, asset string, limit int) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentSamplesSQL, asset, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// ListSamplesBetween lists an asset's samples within a time window, oldest first.
func (s *Store) ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, samplesBetweenSQL, asset, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// InsertRun persists a run audit row.
func (s *Store) InsertRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	failed, err := json.Marshal(run.Failed)
	if err != nil {
		return fmt.Errorf("marshal failed assets: %w", err)
	}

	succeeded := run.Succeeded
	if succeeded == nil {
		succeeded = []string{}
	}

	if _, execErr := pool.Exec(ctx, insertRunSQL,
		run.RunID,
		run.Trigger,
		run.StartedAt.UTC(),
		run.DurationMs,
		succeeded,
		failed,
	); execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists most recent runs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			rec    RunRecord
			failed []byte
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.Trigger,
			&rec.StartedAt,
			&rec.DurationMs,
			&rec.Succeeded,
			&failed,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(failed) > 0 {
			if err := json.Unmarshal(failed, &rec.Failed); err != nil {
				return nil, fmt.Errorf("decode failed assets: %w", err)
			}
		}
		runs = append(runs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]Sample, error) {
	samples := make([]Sample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (Sample, error) {
	var (
		asset        string
		priceStr     string
		marketCapStr string
		changeStr    string
		observedAt   time.Time
		source       string
	)

	if err := rows.Scan(
		&asset,
		&priceStr,
		&marketCapStr,
		&changeStr,
		&observedAt,
		&source,
	); err != nil {
		return Sample{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Sample{}, fmt.Errorf("parse price: %w", err)
	}
	marketCap, err := decimal.NewFromString(marketCapStr)
	if err != nil {
		return Sample{}, fmt.Errorf("parse market cap: %w", err)
	}
	change, err := decimal.NewFromString(changeStr)
	if err != nil {
		return Sample{}, fmt.Errorf("parse change 24h: %w", err)
	}

	return Sample{
		Asset:      asset,
		Price:      price,
		MarketCap:  marketCap,
		Change24h:  change,
		ObservedAt: observedAt,
		Source:     source,
	}, nil
}

var (
	_ SampleStore    = (*Store)(nil)
	_ SampleHistory  = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
