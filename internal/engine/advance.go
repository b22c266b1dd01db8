package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/metrics"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/research"
)

// Advance commits the next step in declaration order among those that can
// run and reports its outcome. A failed step is an outcome, not an error.
// Advance returns ErrDone once every step is terminal, *BlockedError when
// the remaining steps can never run, ErrPaused while paused and ErrAborted
// after Abort or once ctx is cancelled.
func (e *Engine) Advance(ctx context.Context) (Outcome, error) {
	e.loop.Lock()
	defer e.loop.Unlock()

	if e.graph == nil {
		return Outcome{}, ErrNoSession
	}
	if e.aborted.Load() || ctx.Err() != nil {
		return e.abort(ctx, "")
	}
	if e.paused.Load() {
		if e.rec.Status != checkpoint.SessionPaused {
			e.setStatus(ctx, checkpoint.SessionPaused)
			e.publish(ctx, events.Event{Type: events.SessionPaused})
		}
		return Outcome{}, ErrPaused
	}
	switch e.rec.Status {
	case checkpoint.SessionPaused:
		e.publish(ctx, events.Event{Type: events.SessionResumed})
		fallthrough
	case checkpoint.SessionReady:
		e.setStatus(ctx, checkpoint.SessionRunning)
	}

	if !e.cfg.ContinueOnFailure && e.firstFailure() != nil {
		e.cancelInflight()
		return Outcome{}, e.finish(ctx)
	}

	ready := e.graph.Ready(e.liveStatus)
	for _, id := range ready {
		if s, _ := e.graph.Step(id); s.Kind == plan.KindResearch {
			e.launch(ctx, s)
		}
	}

	next, ok := e.next(ready)
	if !ok {
		return Outcome{}, e.finish(ctx)
	}
	step, _ := e.graph.Step(next)

	var (
		r   result
		err error
	)
	if step.Kind == plan.KindResearch {
		r, err = e.await(ctx, next)
	} else {
		r, err = e.runStep(ctx, step)
	}
	if err != nil {
		return Outcome{}, err
	}
	if r.aborted {
		return e.abort(ctx, r.stepID)
	}
	return e.commit(ctx, r)
}

// Run drives Advance until the session ends. While paused it waits for
// Resume. It returns nil when every step succeeded and otherwise the first
// terminal failure, a *BlockedError or ErrAborted.
func (e *Engine) Run(ctx context.Context) error {
	for {
		_, err := e.Advance(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrPaused):
			select {
			case <-e.wake:
			case <-e.runCtx.Done():
			case <-ctx.Done():
			}
		case errors.Is(err, ErrDone):
			return e.Err()
		default:
			return err
		}
	}
}

// Err returns the first terminal step failure in declaration order.
func (e *Engine) Err() error {
	e.loop.Lock()
	defer e.loop.Unlock()
	return e.firstFailure()
}

// liveStatus hides steps already handed to the research pool from the
// ready set.
func (e *Engine) liveStatus(id string) plan.Status {
	if _, ok := e.inflight[id]; ok {
		return plan.StatusRunning
	}
	if _, ok := e.buffered[id]; ok {
		return plan.StatusRunning
	}
	return e.steps[id].Status
}

// next picks the earliest declared step among the ready ones and the
// research already in flight or finished. Command and composite steps still
// in retry backoff are passed over while anything else can go; when only
// those remain, the one due first is picked.
func (e *Engine) next(ready []string) (string, bool) {
	best, found := -1, ""
	consider := func(id string) {
		if i := e.graph.Index(id); best < 0 || i < best {
			best, found = i, id
		}
	}
	var (
		waiting string
		due     time.Duration
	)
	for _, id := range ready {
		if s, _ := e.graph.Step(id); s.Kind != plan.KindResearch {
			if wait := time.Until(e.notBefore[id]); wait > 0 {
				if waiting == "" || wait < due {
					waiting, due = id, wait
				}
				continue
			}
		}
		consider(id)
	}
	for id := range e.inflight {
		consider(id)
	}
	for id := range e.buffered {
		consider(id)
	}
	if best < 0 && waiting != "" {
		return waiting, true
	}
	return found, best >= 0
}

// await blocks until the research result for id arrives, buffering results
// of other steps until their turn.
func (e *Engine) await(ctx context.Context, id string) (result, error) {
	for {
		if r, ok := e.buffered[id]; ok {
			delete(e.buffered, id)
			return r, nil
		}
		if _, ok := e.inflight[id]; !ok {
			return result{}, fmt.Errorf("engine: research step %s is not in flight", id)
		}
		select {
		case r := <-e.results:
			if r.epoch != e.epoch {
				continue
			}
			delete(e.inflight, r.stepID)
			e.buffered[r.stepID] = r
		case <-ctx.Done():
			return result{stepID: id, aborted: true}, nil
		case <-e.runCtx.Done():
			return result{stepID: id, aborted: true}, nil
		}
	}
}

// commit records a finished attempt: bindings, status, rollback and retry
// scheduling, then the post-step checkpoint.
func (e *Engine) commit(ctx context.Context, r result) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	step, _ := e.graph.Step(r.stepID)
	rec := e.steps[r.stepID]
	out := Outcome{
		StepID:   r.stepID,
		Kind:     step.Kind,
		Attempt:  r.attempt,
		Decision: r.decision,
		Output:   r.output,
		Duration: r.end.Sub(r.start),
		Err:      r.err,
	}
	path := []plan.Status{rec.Status, plan.StatusGuardCheck}

	var gv *GuardViolation
	switch {
	case r.err == nil:
		path = append(path, plan.StatusRunning, plan.StatusSucceeded)
		rec = checkpoint.StepRecord{Status: plan.StatusSucceeded, Attempts: r.attempt}
		for id, o := range r.childOutputs {
			e.bindings[id] = o
		}
		if r.output != nil {
			e.bindings[r.stepID] = r.output
		}

	case errors.As(r.err, &gv):
		if r.ran {
			if err := e.mgr.Rollback(ctx); err != nil {
				return out, fmt.Errorf("roll back %s: %w", r.stepID, err)
			}
			e.recorder.Rollback()
			path = append(path, plan.StatusRunning)
		}
		path = append(path, plan.StatusFailed)
		rec.Status = plan.StatusFailed
		rec.Error = r.err.Error()
		e.failures[r.stepID] = r.err
		logger.Log.Warn("step denied", "session", e.rec.ID, "step", r.stepID, "rule", gv.Decision.Rule, "reason", gv.Decision.Reason)
		e.publish(ctx, events.Event{Type: events.GuardDenied, StepID: r.stepID, Message: gv.Decision.Reason,
			Data: map[string]any{"rule": gv.Decision.Rule}})

	default:
		status := plan.StatusFailed
		var te *TimeoutError
		if errors.As(r.err, &te) {
			status = plan.StatusTimedOut
		}
		path = append(path, plan.StatusRunning, status)

		rollback := status == plan.StatusTimedOut || (!step.Idempotent && step.Kind != plan.KindResearch)
		if rollback {
			if err := e.mgr.Rollback(ctx); err != nil {
				return out, fmt.Errorf("roll back %s: %w", r.stepID, err)
			}
			e.recorder.Rollback()
			e.publish(ctx, events.Event{Type: events.WorkspaceRestored, StepID: r.stepID, Checkpoint: e.tip})
			path = append(path, plan.StatusRolledBack)
		}

		rec = checkpoint.StepRecord{Status: status, Attempts: r.attempt, Error: r.err.Error()}
		policy := e.retryPolicy(step.Kind)
		if retryable(r.err) && r.attempt < policy.attempts() {
			delay := policy.Delay(r.attempt)
			rec.Status = plan.StatusRetryPending
			e.notBefore[r.stepID] = e.cfg.Now().Add(delay)
			out.Retrying = true
			path = append(path, plan.StatusRetryPending)
			logger.Log.Info("step will retry", "session", e.rec.ID, "step", r.stepID, "attempt", r.attempt, "delay", delay, "err", r.err)
			e.publish(ctx, events.Event{Type: events.StepRetrying, StepID: r.stepID, Message: r.err.Error(),
				Data: map[string]any{"attempt": r.attempt, "delay_ms": delay.Milliseconds()}})
		} else {
			if rollback {
				path = path[:len(path)-1]
			}
			e.failures[r.stepID] = r.err
			logger.Log.Error("step failed", "session", e.rec.ID, "step", r.stepID, "status", status, "err", r.err)
		}
	}

	if err := checkPath(path); err != nil {
		return out, fmt.Errorf("step %s: %w", r.stepID, err)
	}
	e.steps[r.stepID] = rec
	for id, c := range r.children {
		e.steps[id] = c
	}
	out.Status = rec.Status

	e.recorder.Step(metrics.StepMetrics{
		ID:      r.stepID,
		Kind:    string(step.Kind),
		Attempt: r.attempt,
		Start:   r.start,
		End:     r.end,
		Status:  string(path[len(path)-1]),
		Err:     errString(r.err),
	})

	// A denial is not committed: resuming re-evaluates the step.
	if gv == nil {
		e.cursor = r.stepID
		cp, err := e.checkpoint(ctx)
		if err != nil {
			return out, err
		}
		out.Checkpoint = cp
	}
	e.saveSession(ctx)
	e.publish(ctx, events.Event{Type: events.StepFinished, StepID: r.stepID, Status: string(rec.Status),
		Checkpoint: out.Checkpoint, Message: errString(r.err)})
	return out, nil
}

// checkpoint writes the committed state unless it is already the tip.
func (e *Engine) checkpoint(ctx context.Context) (string, error) {
	cp, err := e.mgr.Checkpoint(ctx, e.snapshot(e.cursor))
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	if cp.ID != e.tip {
		e.tip = cp.ID
		e.recorder.Checkpoint()
		e.publish(ctx, events.Event{Type: events.CheckpointCreated, Checkpoint: cp.ID, StepID: e.cursor})
	}
	return cp.ID, nil
}

// finish settles the session status once nothing can run.
func (e *Engine) finish(ctx context.Context) error {
	var blocked []string
	for _, s := range e.graph.Steps() {
		if !e.steps[s.ID].Status.Terminal() {
			blocked = append(blocked, s.ID)
		}
	}
	cause := e.firstFailure()

	if !e.finished {
		e.finished = true
		status := checkpoint.SessionCompleted
		if cause != nil || len(blocked) > 0 {
			status = checkpoint.SessionFailed
			for _, err := range e.failures {
				var gv *GuardViolation
				if errors.As(err, &gv) {
					status = checkpoint.SessionHaltedGuard
					break
				}
			}
		}
		e.setStatus(ctx, status)
		e.recorder.Finish(e.cfg.Now(), status == checkpoint.SessionCompleted)
		logger.Log.Info("session finished", "session", e.rec.ID, "status", status, "checkpoint", e.tip)
		e.publish(ctx, events.Event{Type: events.SessionFinished, Status: string(status), Checkpoint: e.tip})
	}

	if len(blocked) > 0 {
		return &BlockedError{Steps: blocked, Cause: cause}
	}
	return ErrDone
}

// abort halts the session: research in flight is cancelled and the
// workspace goes back to the last checkpoint. The interrupted step keeps its
// committed status.
func (e *Engine) abort(ctx context.Context, stepID string) (Outcome, error) {
	e.aborted.Store(true)
	e.cancelRun()
	if !e.finished && e.rec.Status != checkpoint.SessionAborted {
		ctx = context.WithoutCancel(ctx)
		if err := e.mgr.Rollback(ctx); err != nil {
			logger.Log.Error("rollback after abort failed", "session", e.rec.ID, "err", err)
		} else {
			e.recorder.Rollback()
		}
		e.setStatus(ctx, checkpoint.SessionAborted)
		e.recorder.Finish(e.cfg.Now(), false)
		logger.Log.Warn("session aborted", "session", e.rec.ID, "step", stepID, "checkpoint", e.tip)
		e.publish(ctx, events.Event{Type: events.SessionFinished, Status: string(checkpoint.SessionAborted),
			StepID: stepID, Checkpoint: e.tip})
	}
	if stepID == "" {
		return Outcome{}, ErrAborted
	}
	s, _ := e.graph.Step(stepID)
	return Outcome{StepID: stepID, Kind: s.Kind, Status: plan.StatusAborted, Err: ErrAborted}, ErrAborted
}

func (e *Engine) cancelInflight() {
	for id, cancel := range e.inflight {
		cancel()
		delete(e.inflight, id)
	}
}

// firstFailure is the error of the first terminal failed step in
// declaration order. Failures restored from a checkpoint only kept their
// message.
func (e *Engine) firstFailure() error {
	for _, s := range e.graph.Steps() {
		rec := e.steps[s.ID]
		if !rec.Status.Terminal() || rec.Status == plan.StatusSucceeded {
			continue
		}
		if err, ok := e.failures[s.ID]; ok {
			return err
		}
		if rec.Status == plan.StatusTimedOut {
			return &TimeoutError{StepID: s.ID}
		}
		return &ExecutionError{StepID: s.ID, Err: errors.New(rec.Error)}
	}
	return nil
}

func (e *Engine) retryPolicy(kind plan.Kind) RetryPolicy {
	if p, ok := e.cfg.Retry[kind]; ok {
		return p
	}
	return e.cfg.Retry[plan.KindCommand]
}

// retryable reports whether a failure may be retried. Research retrieval
// failures, timeouts and execution errors are.
func retryable(err error) bool {
	var (
		gv *GuardViolation
		re *research.RetrievalError
		te *TimeoutError
		ee *ExecutionError
	)
	switch {
	case errors.As(err, &gv):
		return false
	case errors.As(err, &re), errors.As(err, &te), errors.As(err, &ee):
		return true
	}
	return false
}

func checkPath(path []plan.Status) error {
	for i := 1; i < len(path); i++ {
		if err := plan.Transition(path[i-1], path[i]); err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
