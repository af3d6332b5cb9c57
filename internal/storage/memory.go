package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps samples and runs in process memory. It backs the worker when no
// database is configured and doubles as the store used in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	perAsset  int
	samples   map[string][]Sample
	runs      []RunRecord
	runLimit  int
	appendErr error
}

// NewMemoryStore retains at most perAsset samples per asset (oldest evicted first).
func NewMemoryStore(perAsset int) *MemoryStore {
	if perAsset <= 0 {
		perAsset = 1000
	}
	return &MemoryStore{
		perAsset: perAsset,
		samples:  make(map[string][]Sample),
		runLimit: 1000,
	}
}

// FailAppends makes subsequent AppendSample calls return err; nil restores normal behaviour.
func (m *MemoryStore) FailAppends(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// AppendSample stores a sample.
func (m *MemoryStore) AppendSample(ctx context.Context, sample Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}

	list := append(m.samples[sample.Asset], sample)
	if len(list) > m.perAsset {
		list = list[len(list)-m.perAsset:]
	}
	m.samples[sample.Asset] = list
	return nil
}

// RecentSamples returns up to limit samples for asset, newest first.
func (m *MemoryStore) RecentSamples(ctx context.Context, asset string, limit int) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	list := append([]Sample(nil), m.samples[asset]...)
	m.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ObservedAt.After(list[j].ObservedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListSamplesBetween returns samples in [from, to), oldest first.
func (m *MemoryStore) ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, 0)
	for _, sample := range m.samples[asset] {
		if sample.ObservedAt.Before(from) || !sample.ObservedAt.Before(to) {
			continue
		}
		out = append(out, sample)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

// InsertRun records a run.
func (m *MemoryStore) InsertRun(ctx context.Context, run RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs = append(m.runs, run)
	if len(m.runs) > m.runLimit {
		m.runs = m.runs[len(m.runs)-m.runLimit:]
	}
	return nil
}

// ListRecentRuns returns the newest runs first.
func (m *MemoryStore) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var (
	_ SampleStore   = (*MemoryStore)(nil)
	_ SampleHistory = (*MemoryStore)(nil)
	_ RunStore      = (*MemoryStore)(nil)
)
