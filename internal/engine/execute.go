package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/research"
	"github.com/Tahsine/agentic-cli/internal/sandbox"
)

// sandboxRule names denials raised by the sandbox's own forbidden list.
const sandboxRule = "sandbox"

// errInterrupted marks work stopped by Abort or a cancelled caller.
var errInterrupted = errors.New("interrupted")

// runStep runs a command or composite step on the loop: guard check,
// pre-step checkpoint, execution under the step's time budget. The returned
// error is an engine failure; step failures travel in the result.
func (e *Engine) runStep(ctx context.Context, step plan.Step) (result, error) {
	r := result{epoch: e.epoch, stepID: step.ID, attempt: e.steps[step.ID].Attempts + 1}
	if err := e.waitRetry(ctx, step.ID); err != nil {
		r.aborted = true
		return r, nil
	}

	resolved := resolveStep(step, e.bindings)
	r.decision = e.evaluate(resolved)
	r.start = e.cfg.Now()
	if r.decision.Denied() {
		r.end = r.start
		r.err = &GuardViolation{StepID: step.ID, Decision: r.decision}
		return r, nil
	}

	// Usually the tip already holds this state and nothing is written.
	if _, err := e.checkpoint(context.WithoutCancel(ctx)); err != nil {
		return r, err
	}
	r.ran = true

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.runCtx, cancel)
	defer stop()

	stepCtx, span := e.startSpan(stepCtx, step, r.attempt)
	defer span.End()

	e.publish(ctx, events.Event{Type: events.StepStarted, StepID: step.ID, Status: string(plan.StatusRunning),
		Data: map[string]any{"attempt": r.attempt, "verdict": r.decision.Verdict.String()}})
	logger.Log.Info("step started", "session", e.rec.ID, "step", step.ID, "kind", step.Kind, "attempt", r.attempt)

	timeout := e.timeoutFor(r.decision)
	tctx, tcancel := context.WithTimeout(stepCtx, timeout)
	defer tcancel()

	if step.Kind == plan.KindComposite {
		r.output, r.childOutputs, r.children, r.err = e.runComposite(tctx, resolved, r.decision, r.attempt, timeout)
	} else {
		r.output, r.err = e.runCommand(tctx, resolved, r.decision.Limits, timeout)
	}
	r.end = e.cfg.Now()

	if errors.Is(r.err, errInterrupted) || (r.err != nil && stepCtx.Err() != nil) {
		r.aborted = true
		r.err = nil
		return r, nil
	}
	endSpan(span, r.err)
	return r, nil
}

// runCommand runs one command through the sandbox and maps its result.
func (e *Engine) runCommand(ctx context.Context, step plan.Step, limits plan.Limits, timeout time.Duration) (map[string]any, error) {
	res, err := e.deps.Commands.Run(ctx, sandbox.Spec{Command: step.Command(), Dir: step.Dir()}, limits)
	switch {
	case errors.Is(err, sandbox.ErrForbidden):
		return nil, &GuardViolation{StepID: step.ID, Decision: guard.Decision{
			Verdict: guard.Deny, Rule: sandboxRule, Reason: err.Error(),
		}}
	case err != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, errInterrupted
	case err != nil:
		return nil, &ExecutionError{StepID: step.ID, ExitCode: res.ExitCode, Err: err}
	}

	out := map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}
	switch {
	case res.TimedOut:
		return out, &TimeoutError{StepID: step.ID, Timeout: timeout}
	case res.ExitCode != 0:
		return out, &ExecutionError{StepID: step.ID, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return out, nil
}

// runComposite runs the children in order within the composite's budget.
// Each child is resolved against the outputs of the siblings before it and
// checked by the guard again once resolved. The first failure ends the
// composite. Its own output is that of its last child.
func (e *Engine) runComposite(ctx context.Context, step plan.Step, d guard.Decision, attempt int, timeout time.Duration) (
	map[string]any, map[string]map[string]any, map[string]checkpoint.StepRecord, error,
) {
	bindings := maps.Clone(e.bindings)
	outputs := map[string]map[string]any{}
	records := map[string]checkpoint.StepRecord{}
	for _, c := range step.Steps {
		records[c.ID] = checkpoint.StepRecord{Status: plan.StatusPending}
	}

	var last map[string]any
	for _, child := range step.Steps {
		if step.Confirmed {
			child.Confirmed = true
		}
		child.Params = resolveParams(child.Params, bindings)
		cd := e.evaluate(child)
		if cd.Denied() {
			cd.Reason = fmt.Sprintf("child %s: %s", child.ID, cd.Reason)
			records[child.ID] = checkpoint.StepRecord{Status: plan.StatusFailed, Attempts: attempt, Error: cd.Reason}
			return nil, nil, records, &GuardViolation{StepID: step.ID, Decision: cd}
		}

		var (
			out map[string]any
			err error
		)
		if child.Kind == plan.KindResearch {
			out, err = e.runResearch(ctx, child)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = &TimeoutError{StepID: step.ID, Timeout: timeout}
			}
		} else {
			out, err = e.runCommand(ctx, child, d.Limits.Tighten(cd.Limits), timeout)
			var te *TimeoutError
			if errors.As(err, &te) {
				te.StepID = step.ID
			}
		}
		if err != nil {
			status := plan.StatusFailed
			var te *TimeoutError
			if errors.As(err, &te) {
				status = plan.StatusTimedOut
			}
			records[child.ID] = checkpoint.StepRecord{Status: status, Attempts: attempt, Error: err.Error()}
			return nil, nil, records, err
		}
		records[child.ID] = checkpoint.StepRecord{Status: plan.StatusSucceeded, Attempts: attempt}
		outputs[child.ID] = out
		bindings[child.ID] = out
		last = out
	}
	return last, outputs, records, nil
}

// launch hands a ready research step to the pool. The guard runs here, on
// the loop; a denial is buffered like any other result.
func (e *Engine) launch(ctx context.Context, step plan.Step) {
	r := result{epoch: e.epoch, stepID: step.ID, attempt: e.steps[step.ID].Attempts + 1}
	resolved := resolveStep(step, e.bindings)
	r.decision = e.evaluate(resolved)
	if r.decision.Denied() {
		r.start = e.cfg.Now()
		r.end = r.start
		r.err = &GuardViolation{StepID: step.ID, Decision: r.decision}
		e.buffered[step.ID] = r
		return
	}

	jobCtx, cancel := context.WithCancel(e.epochCtx)
	e.inflight[step.ID] = cancel
	wait := e.notBefore[step.ID]
	results := e.results
	timeout := e.timeoutFor(r.decision)

	e.publish(ctx, events.Event{Type: events.StepStarted, StepID: step.ID, Status: string(plan.StatusRunning),
		Data: map[string]any{"attempt": r.attempt, "verdict": r.decision.Verdict.String()}})
	logger.Log.Info("research dispatched", "session", e.rec.ID, "step", step.ID, "attempt", r.attempt)

	go func() {
		defer cancel()
		r.output, r.start, r.err = e.researchJob(jobCtx, resolved, r.attempt, wait, timeout)
		r.end = e.cfg.Now()
		if errors.Is(r.err, errInterrupted) {
			r.err = nil
			r.aborted = true
		}
		select {
		case results <- r:
		case <-jobCtx.Done():
		}
	}()
}

// researchJob runs on a pool goroutine. It only reads state that never
// changes after New.
func (e *Engine) researchJob(ctx context.Context, step plan.Step, attempt int, notBefore time.Time, timeout time.Duration) (map[string]any, time.Time, error) {
	if wait := time.Until(notBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, time.Time{}, errInterrupted
		}
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, time.Time{}, errInterrupted
	}
	defer e.sem.Release(1)

	start := e.cfg.Now()
	ctx, span := e.startSpan(ctx, step, attempt)
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := e.runResearch(tctx, step)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, start, errInterrupted
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		err = &TimeoutError{StepID: step.ID, Timeout: timeout}
	}
	endSpan(span, err)
	return out, start, err
}

func (e *Engine) runResearch(ctx context.Context, step plan.Step) (map[string]any, error) {
	req := research.Request{}
	req.Query, _ = step.Params["query"].(string)
	if _, ok := step.Params["urls"]; ok {
		urls, err := plan.StringsParam(step.Params, "urls")
		if err != nil {
			return nil, &ExecutionError{StepID: step.ID, Err: err}
		}
		req.URLs = urls
	}
	if _, ok := step.Params["max_results"]; ok {
		n, err := plan.IntParam(step.Params, "max_results")
		if err != nil {
			return nil, &ExecutionError{StepID: step.ID, Err: err}
		}
		req.MaxResults = n
	}
	if e.deps.Research == nil {
		return nil, &research.RetrievalError{Query: req.Query, Err: errors.New("no research delegate configured")}
	}
	art, err := e.deps.Research.Research(ctx, req)
	if err != nil {
		return nil, err
	}
	return art.Bindings(), nil
}

func (e *Engine) evaluate(step plan.Step) guard.Decision {
	return guard.Evaluate(step, *e.policy.Load(), guard.Context{Workspace: e.deps.Workspace, SessionID: e.rec.ID})
}

func (e *Engine) timeoutFor(d guard.Decision) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return e.cfg.DefaultTimeout
}

// waitRetry sleeps out the backoff of a step scheduled for retry.
func (e *Engine) waitRetry(ctx context.Context, id string) error {
	wait := time.Until(e.notBefore[id])
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errInterrupted
	case <-e.runCtx.Done():
		return errInterrupted
	}
}

func (e *Engine) startSpan(ctx context.Context, step plan.Step, attempt int) (context.Context, trace.Span) {
	return e.deps.Tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("session.id", e.cfg.SessionID),
			attribute.String("step.id", step.ID),
			attribute.String("step.kind", string(step.Kind)),
			attribute.Int("step.attempt", attempt),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
