package engine

import (
	"context"
	"fmt"
	"iter"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/logger"
)

// Pause stops the drive loop before the next step. A step already running
// completes and is committed. Safe from any goroutine.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume lets a paused Run continue. Safe from any goroutine.
func (e *Engine) Resume() {
	e.paused.Store(false)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Abort cancels the session: the running command is stopped (SIGTERM, then
// SIGKILL after the sandbox grace period), research in flight is cancelled,
// and the workspace returns to the last checkpoint. Safe from any goroutine.
func (e *Engine) Abort() {
	e.aborted.Store(true)
	e.cancelRun()
}

// SetPolicy replaces the guard policy. Steps evaluated afterwards use it.
// Safe from any goroutine.
func (e *Engine) SetPolicy(p guard.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.policy.Store(&p)
	logger.Log.Info("guard policy replaced", "session", e.cfg.SessionID, "rules", len(p.Rules))
	return nil
}

// Rewind moves the session back to checkpoint id. Later checkpoints of that
// branch stay stored but unreachable; the engine resumes from id.
func (e *Engine) Rewind(ctx context.Context, id string) error {
	e.loop.Lock()
	defer e.loop.Unlock()
	if err := e.usable(); err != nil {
		return err
	}

	snap, err := e.mgr.Restore(ctx, id)
	if err != nil {
		return fmt.Errorf("rewind to %s: %w", id, err)
	}
	e.resync(snap)
	e.cursor, e.tip = snap.Cursor, id
	e.rec.Status = checkpoint.SessionReady
	e.saveSession(ctx)

	e.publish(ctx, events.Event{Type: events.WorkspaceRestored, Checkpoint: id})
	return nil
}

// Fork starts a new branch at checkpoint id and continues on it. The branch
// id was on keeps all its checkpoints.
func (e *Engine) Fork(ctx context.Context, id string) (string, error) {
	e.loop.Lock()
	defer e.loop.Unlock()
	if err := e.usable(); err != nil {
		return "", err
	}

	branch, err := e.mgr.Fork(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fork at %s: %w", id, err)
	}
	tip, err := e.mgr.Tip(ctx)
	if err != nil {
		return "", err
	}
	e.resync(tip.Snapshot)
	e.cursor, e.tip = tip.Snapshot.Cursor, tip.ID
	e.rec.Status = checkpoint.SessionReady
	e.saveSession(ctx)

	e.publish(ctx, events.Event{Type: events.BranchForked, Checkpoint: tip.ID,
		Data: map[string]any{"branch": branch, "from": id}})
	return branch, nil
}

// Checkpoints lists the checkpoints reachable on branch, the active branch
// when empty.
func (e *Engine) Checkpoints(ctx context.Context, branch string) iter.Seq2[checkpoint.Checkpoint, error] {
	if e.mgr == nil {
		return func(yield func(checkpoint.Checkpoint, error) bool) {
			yield(checkpoint.Checkpoint{}, ErrNoSession)
		}
	}
	if branch == "" {
		branch = e.mgr.Active()
	}
	return e.mgr.List(ctx, branch)
}

func (e *Engine) Branches() []checkpoint.Branch {
	if e.mgr == nil {
		return nil
	}
	return e.mgr.Branches()
}

func (e *Engine) ActiveBranch() string {
	if e.mgr == nil {
		return ""
	}
	return e.mgr.Active()
}

// GC prunes checkpoints no branch can reach and the blobs only they used.
func (e *Engine) GC(ctx context.Context) (checkpoint.GCStats, error) {
	e.loop.Lock()
	defer e.loop.Unlock()
	if e.mgr == nil {
		return checkpoint.GCStats{}, ErrNoSession
	}
	return e.mgr.GC(ctx)
}

func (e *Engine) usable() error {
	if e.graph == nil {
		return ErrNoSession
	}
	if e.aborted.Load() {
		return ErrAborted
	}
	return nil
}
