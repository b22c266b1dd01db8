package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/engine"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/planner"
	"github.com/Tahsine/agentic-cli/internal/sandbox"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // a step failed or the command could not run
	ExitGuardDenied = 2
	ExitPlanInvalid = 3
	ExitAborted     = 4
	ExitCorrupt     = 5 // checkpoint history failed its integrity check
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError are classified by kind.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return classify(err)
}

func classify(err error) int {
	var (
		denied   *engine.GuardViolation
		planning *planner.PlanningError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, checkpoint.ErrCorrupt):
		return ExitCorrupt
	case errors.Is(err, engine.ErrAborted), errors.Is(err, context.Canceled):
		return ExitAborted
	case errors.As(err, &denied), errors.Is(err, sandbox.ErrForbidden):
		return ExitGuardDenied
	case errors.Is(err, plan.ErrInvalidPlan), errors.As(err, &planning):
		return ExitPlanInvalid
	}
	return ExitFailure
}

// exitError wraps err with the exit code its kind maps to.
func exitError(message string, err error) error {
	if err == nil {
		return nil
	}
	return WrapExitError(classify(err), message, err)
}
