package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)

	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.List())

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		h.Append(RunOutcome{RunID: id})
	}

	ids := make([]string, 0)
	for _, o := range h.List() {
		ids = append(ids, o.RunID)
	}
	assert.Equal(t, []string{"r2", "r3", "r4"}, ids)
	assert.Equal(t, 3, h.Len())

	last, ok := h.Last()
	assert.True(t, ok)
	assert.Equal(t, "r4", last.RunID)
}

func TestHistoryPartial(t *testing.T) {
	h := NewHistory(0)
	h.Append(RunOutcome{RunID: "only"})
	assert.Equal(t, 1, h.Len())
	last, ok := h.Last()
	assert.True(t, ok)
	assert.Equal(t, "only", last.RunID)
}
