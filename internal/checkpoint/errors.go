package checkpoint

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownBranch = errors.New("unknown branch")
	ErrNoAnchor      = errors.New("session has no checkpoints")
	ErrCorrupt       = errors.New("checkpoint corrupt")
)

// CorruptionError means stored history cannot be trusted: a digest does not
// match, a parent or a blob is missing. A session in this state must not be
// resumed automatically.
type CorruptionError struct {
	CheckpointID string
	Reason       string
	Err          error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("checkpoint %s corrupt: %s", e.CheckpointID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }
