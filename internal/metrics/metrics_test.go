package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder("s1", t0)

	r.Step(StepMetrics{ID: "build", Kind: "command", Attempt: 1, Start: t0, End: t0.Add(1500 * time.Millisecond), Status: "SUCCEEDED"})
	r.Step(StepMetrics{ID: "docs", Kind: "research", Attempt: 2, Start: t0, End: t0.Add(20 * time.Millisecond), Status: "FAILED", Err: "timeout"})
	r.Checkpoint()
	r.Checkpoint()
	r.Rollback()

	m := r.Finish(t0.Add(3*time.Second), true)
	assert.Equal(t, int64(3000), m.DurationMs)
	assert.True(t, m.Succeeded)
	assert.Equal(t, 2, m.Checkpoints)
	assert.Equal(t, 1, m.Rollbacks)
	require.Len(t, m.Steps, 2)
	assert.Equal(t, int64(1500), m.Steps[0].DurationMs)

	// The returned copy does not alias the recorder.
	m.Steps[0].ID = "changed"
	assert.Equal(t, "build", r.Snapshot().Steps[0].ID)
}
