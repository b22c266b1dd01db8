package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrEmptyPlan         = errors.New("plan has no steps")
	ErrDuplicateID       = errors.New("duplicate step id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownKind       = errors.New("unknown step kind")
	ErrMissingParam      = errors.New("missing required parameter")
	ErrBadComposite      = errors.New("malformed composite step")
	ErrUnavailableResult = errors.New("result reference is not an upstream step")
)

// InvalidError is returned when a plan fails structural validation. It
// matches ErrInvalidPlan as well as the specific cause.
type InvalidError struct {
	StepID string
	Cycle  []string
	Err    error
	Detail string
}

func (e *InvalidError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid plan")
	if e.StepID != "" {
		fmt.Fprintf(&sb, ": step %q", e.StepID)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(e.Cycle, " -> "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&sb, ": %s", e.Detail)
	}
	return sb.String()
}

func (e *InvalidError) Unwrap() error { return e.Err }

func (e *InvalidError) Is(target error) bool { return target == ErrInvalidPlan }

func invalid(stepID string, err error, format string, args ...any) *InvalidError {
	return &InvalidError{StepID: stepID, Err: err, Detail: fmt.Sprintf(format, args...)}
}
