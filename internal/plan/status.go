package plan

import "fmt"

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusGuardCheck   Status = "GUARD_CHECK"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusAborted      Status = "ABORTED"
	StatusRetryPending Status = "RETRY_PENDING"
	StatusRolledBack   Status = "ROLLED_BACK"
)

// Runnable reports whether a step in this status may be picked up once its
// dependencies have succeeded.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusRetryPending
}

// Terminal reports whether the status is final for the current run. FAILED
// and TIMED_OUT are only ever committed once retries are exhausted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusGuardCheck, StatusAborted},
	StatusRetryPending: {StatusGuardCheck, StatusAborted},
	StatusGuardCheck:   {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning:      {StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted},
	StatusFailed:       {StatusRolledBack, StatusRetryPending},
	StatusTimedOut:     {StatusRolledBack, StatusRetryPending},
	StatusRolledBack:   {StatusRetryPending},
}

// Transition validates a single step status change.
func Transition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid step transition %s -> %s", from, to)
}
