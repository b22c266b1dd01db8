package metrics

import (
	"sync"
	"time"
)

// StepMetrics covers one attempt of one step.
type StepMetrics struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Attempt    int       `json:"attempt"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Err        string    `json:"err,omitempty"`
}

type SessionMetrics struct {
	SessionID   string        `json:"session_id"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	DurationMs  int64         `json:"duration_ms"`
	Succeeded   bool          `json:"succeeded"`
	Checkpoints int           `json:"checkpoints"`
	Rollbacks   int           `json:"rollbacks"`
	Steps       []StepMetrics `json:"steps"`
}

// Compute derived fields for a step.
func (s *StepMetrics) Finalize() {
	s.DurationMs = s.End.Sub(s.Start).Milliseconds()
}

// Recorder collects metrics while a session runs. Research workers record
// concurrently with the engine loop.
type Recorder struct {
	mu sync.Mutex
	m  SessionMetrics
}

func NewRecorder(sessionID string, start time.Time) *Recorder {
	return &Recorder{m: SessionMetrics{SessionID: sessionID, Start: start}}
}

func (r *Recorder) Step(s StepMetrics) {
	s.Finalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Steps = append(r.m.Steps, s)
}

func (r *Recorder) Checkpoint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Checkpoints++
}

func (r *Recorder) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Rollbacks++
}

// Finish stamps the end of the session and returns a copy of the totals.
func (r *Recorder) Finish(end time.Time, succeeded bool) SessionMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.End = end
	r.m.DurationMs = end.Sub(r.m.Start).Milliseconds()
	r.m.Succeeded = succeeded
	out := r.m
	out.Steps = append([]StepMetrics(nil), r.m.Steps...)
	return out
}

// Snapshot returns the metrics recorded so far.
func (r *Recorder) Snapshot() SessionMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.m
	out.Steps = append([]StepMetrics(nil), r.m.Steps...)
	return out
}
