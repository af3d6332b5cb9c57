package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryStoreRecentSamplesNewestFirst(t *testing.T) {
	store := NewMemoryStore(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := Sample{
			Asset:      "bitcoin",
			Price:      decimal.NewFromInt(int64(100 + i)),
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendSample(ctx, sample); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.RecentSamples(ctx, "bitcoin", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("保留上限为 3, 实际 %d", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromInt(104)) || !got[2].Price.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("应按 observed_at 倒序: %v, %v", got[0].Price, got[2].Price)
	}

	limited, _ := store.RecentSamples(ctx, "bitcoin", 1)
	if len(limited) != 1 {
		t.Fatalf("limit 未生效: %d", len(limited))
	}
}

func TestMemoryStoreWindowAndFailures(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_ = store.AppendSample(ctx, Sample{Asset: "ethereum", ObservedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	window, err := store.ListSamplesBetween(ctx, "ethereum", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("窗口应包含 2 条, 实际 %d", len(window))
	}

	boom := errors.New("disk full")
	store.FailAppends(boom)
	if err := store.AppendSample(ctx, Sample{Asset: "ethereum"}); !errors.Is(err, boom) {
		t.Fatalf("应返回注入的错误, 实际 %v", err)
	}
}

func TestMemoryStoreRuns(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.InsertRun(ctx, RunRecord{RunID: id}); err != nil {
			t.Fatalf("insert run: %v", err)
		}
	}

	runs, err := store.ListRecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "c" || runs[1].RunID != "b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}
