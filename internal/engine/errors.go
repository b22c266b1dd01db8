package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tahsine/agentic-cli/internal/guard"
)

var (
	// ErrDone is returned by Advance once every step is terminal.
	ErrDone    = errors.New("session complete")
	ErrPaused  = errors.New("session paused")
	ErrAborted = errors.New("session aborted")
	// ErrNoSession is returned before Submit or Load.
	ErrNoSession = errors.New("no session submitted")
)

// GuardViolation is the failure of a step the guard denied. It is never
// retried.
type GuardViolation struct {
	StepID   string
	Decision guard.Decision
}

func (e *GuardViolation) Error() string {
	rule := e.Decision.Rule
	if rule == "" {
		rule = "policy"
	}
	return fmt.Sprintf("step %s denied by %s: %s", e.StepID, rule, e.Decision.Reason)
}

// TimeoutError reports a step stopped at the end of its time budget.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}

// ExecutionError is a command that exited non-zero or could not run.
type ExecutionError struct {
	StepID   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %s failed", e.StepID)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	} else {
		fmt.Fprintf(&sb, ": exit status %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if len(s) > 200 {
			s = s[len(s)-200:]
		}
		fmt.Fprintf(&sb, ": %s", s)
	}
	return sb.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BlockedError means no step can make progress although some are not
// terminal: their dependencies failed, or the session stops at the first
// failure. Cause is the first terminal failure in declaration order.
type BlockedError struct {
	Steps []string
	Cause error
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("session blocked: %s cannot run", strings.Join(e.Steps, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BlockedError) Unwrap() error { return e.Cause }
