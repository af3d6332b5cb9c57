package ingest

import (
	"sync"

	"crypto-stats-worker/internal/breaker"
)

// DefaultHistorySize bounds the run history when no size is configured.
const DefaultHistorySize = 100

// State is the worker's owned mutable state: the circuit breaker and the run history.
// It is created once at startup and handed to both the scheduler and the runner.
type State struct {
	Breaker *breaker.Breaker
	History *History
}

// NewState bundles a breaker with a history of the given size.
func NewState(b *breaker.Breaker, historySize int) *State {
	return &State{Breaker: b, History: NewHistory(historySize)}
}

// History is a bounded, completion-ordered log of run outcomes.
type History struct {
	mu      sync.RWMutex
	entries []RunOutcome
	next    int
	full    bool
}

// NewHistory retains the most recent size outcomes.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]RunOutcome, size)}
}

// Append records an outcome, evicting the oldest once the bound is reached.
func (h *History) Append(o RunOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = o
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Last returns the most recently appended outcome.
func (h *History) Last() (RunOutcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full && h.next == 0 {
		return RunOutcome{}, false
	}
	idx := (h.next - 1 + len(h.entries)) % len(h.entries)
	return h.entries[idx], true
}

// List returns outcomes oldest first.
func (h *History) List() []RunOutcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]RunOutcome(nil), h.entries[:h.next]...)
	}
	out := make([]RunOutcome, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}

// Len is the number of retained outcomes.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}
