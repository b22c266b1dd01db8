// Package engine runs a validated plan step by step under the safety guard,
// bracketing every mutating step with checkpoints so a session can be
// rolled back, rewound, forked, and resumed after a crash.
//
// The engine loop is single threaded. Command and composite steps run on the
// loop one at a time; research steps run on a bounded pool and hand their
// results back to the loop over a channel. Outcomes are committed in plan
// declaration order whichever finishes first, so a run is reproducible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/metrics"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/research"
	"github.com/Tahsine/agentic-cli/internal/sandbox"
)

const tracerName = "github.com/Tahsine/agentic-cli/internal/engine"

const (
	DefaultResearchWorkers = 4
	DefaultTimeout         = 60 * time.Second
)

// Runner executes command steps; *sandbox.Sandbox is the implementation.
type Runner interface {
	Run(ctx context.Context, spec sandbox.Spec, limits plan.Limits) (sandbox.Result, error)
}

// Researcher answers research steps; *research.Delegate is the
// implementation.
type Researcher interface {
	Research(ctx context.Context, req research.Request) (research.Artifact, error)
}

// Deps are the collaborators of an engine. Store, Workspace and Commands are
// required; the rest have defaults.
type Deps struct {
	Store     checkpoint.Store
	Workspace string
	Commands  Runner
	Research  Researcher
	Events    events.Sink
	Tracer    trace.Tracer
}

type Config struct {
	SessionID         string
	ResearchWorkers   int
	DefaultTimeout    time.Duration
	ContinueOnFailure bool
	Retry             map[plan.Kind]RetryPolicy
	Policy            guard.Policy
	Checkpoint        []checkpoint.Option
	Now               func() time.Time
}

type Option func(*Config)

func WithSessionID(id string) Option { return func(c *Config) { c.SessionID = id } }

func WithPolicy(p guard.Policy) Option { return func(c *Config) { c.Policy = p } }

func WithResearchWorkers(n int) Option { return func(c *Config) { c.ResearchWorkers = n } }

// WithDefaultTimeout bounds steps the guard gives no wall clock ceiling.
func WithDefaultTimeout(d time.Duration) Option { return func(c *Config) { c.DefaultTimeout = d } }

func WithContinueOnFailure(v bool) Option { return func(c *Config) { c.ContinueOnFailure = v } }

func WithRetry(kind plan.Kind, p RetryPolicy) Option {
	return func(c *Config) { c.Retry[kind] = p }
}

func WithCheckpointOptions(opts ...checkpoint.Option) Option {
	return func(c *Config) { c.Checkpoint = append(c.Checkpoint, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
		c.Checkpoint = append(c.Checkpoint, checkpoint.WithClock(now))
	}
}

// Outcome is what Advance reports about the step it committed.
type Outcome struct {
	StepID     string
	Kind       plan.Kind
	Status     plan.Status
	Attempt    int
	Decision   guard.Decision
	Checkpoint string
	Output     map[string]any
	Duration   time.Duration
	// Retrying is set when the step failed and will run again.
	Retrying bool
	Err      error
}

// result is a finished step attempt on its way to being committed.
type result struct {
	epoch        int
	stepID       string
	attempt      int
	decision     guard.Decision
	output       map[string]any
	children     map[string]checkpoint.StepRecord
	childOutputs map[string]map[string]any
	start        time.Time
	end          time.Time
	err          error
	aborted      bool
	ran          bool // execution started and may have touched the workspace
}

type Engine struct {
	deps Deps
	cfg  Config

	policy atomic.Pointer[guard.Policy]
	paused atomic.Bool
	wake   chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	aborted   atomic.Bool

	// loop serialises Advance with the operations that rewrite the state.
	loop sync.Mutex

	rec      checkpoint.SessionRecord
	graph    *plan.Graph
	mgr      *checkpoint.Manager
	recorder *metrics.Recorder

	steps     map[string]checkpoint.StepRecord
	bindings  map[string]map[string]any
	cursor    string
	tip       string
	failures  map[string]error
	notBefore map[string]time.Time

	// research in flight, and finished results waiting for their turn
	sem      *semaphore.Weighted
	results  chan result
	inflight map[string]context.CancelFunc
	buffered map[string]result
	epoch    int
	epochCtx context.Context
	endEpoch context.CancelFunc
	finished bool
}

// New builds an engine. Call Submit to start a session or use Load.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Workspace == "" {
		return nil, errors.New("engine: workspace is required")
	}
	if deps.Commands == nil {
		deps.Commands = sandbox.New(deps.Workspace)
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	cfg := Config{
		ResearchWorkers:   DefaultResearchWorkers,
		DefaultTimeout:    DefaultTimeout,
		ContinueOnFailure: true,
		Retry:             DefaultRetry(),
		Policy:            guard.DefaultPolicy(),
		Now:               time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ResearchWorkers < 1 {
		cfg.ResearchWorkers = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}

	e := &Engine{
		deps: deps,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		sem:  semaphore.NewWeighted(int64(cfg.ResearchWorkers)),
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.policy.Store(&cfg.Policy)
	return e, nil
}

// Submit validates p, records a new session and writes its anchor
// checkpoint. The plan is untrusted and checked again here.
func (e *Engine) Submit(ctx context.Context, p *plan.Plan) error {
	e.loop.Lock()
	defer e.loop.Unlock()

	if e.graph != nil {
		return fmt.Errorf("engine: session %s already submitted", e.rec.ID)
	}
	p = p.Clone()
	g, err := plan.New(p)
	if err != nil {
		return err
	}

	id := e.cfg.SessionID
	if id == "" {
		id = uuid.NewString()[:8]
		e.cfg.SessionID = id
	}
	now := e.cfg.Now()
	e.rec = checkpoint.SessionRecord{
		ID:           id,
		Objective:    p.Objective,
		Workspace:    e.deps.Workspace,
		Plan:         *p,
		Policy:       *e.policy.Load(),
		ActiveBranch: checkpoint.MainBranch,
		Status:       checkpoint.SessionReady,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.deps.Store.SaveSession(ctx, e.rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	mgr, err := checkpoint.NewManager(ctx, e.deps.Store, id, e.deps.Workspace, e.cfg.Checkpoint...)
	if err != nil {
		return err
	}

	e.graph, e.mgr = g, mgr
	e.resync(checkpoint.Snapshot{})
	anchor, err := mgr.Init(ctx, e.snapshot(""))
	if err != nil {
		return err
	}
	e.tip = anchor.ID
	e.recorder = metrics.NewRecorder(id, now)
	e.recorder.Checkpoint()

	logger.Log.Info("session submitted", "session", id, "steps", g.Len(), "anchor", anchor.ID)
	e.publish(ctx, events.Event{Type: events.SessionStarted, Checkpoint: anchor.ID, Message: p.Objective})
	return nil
}

// Load reopens a persisted session. The workspace is restored to the tip of
// the session's active branch and execution continues from there; nothing
// uncommitted is ever resumed. A corrupt history fails with
// *checkpoint.CorruptionError.
func Load(ctx context.Context, deps Deps, sessionID string, opts ...Option) (*Engine, error) {
	rec, err := deps.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if deps.Workspace == "" {
		deps.Workspace = rec.Workspace
	}
	opts = append([]Option{WithSessionID(rec.ID), WithPolicy(rec.Policy)}, opts...)
	e, err := New(deps, opts...)
	if err != nil {
		return nil, err
	}

	e.loop.Lock()
	defer e.loop.Unlock()

	pl := rec.Plan
	g, err := plan.New(&pl)
	if err != nil {
		return nil, fmt.Errorf("stored plan of %s: %w", sessionID, err)
	}
	mgr, err := checkpoint.NewManager(ctx, deps.Store, rec.ID, deps.Workspace, e.cfg.Checkpoint...)
	if err != nil {
		return nil, err
	}
	if rec.ActiveBranch != "" {
		if err := mgr.SetActive(rec.ActiveBranch); err != nil {
			return nil, err
		}
	}
	tip, err := mgr.Resume(ctx)
	if err != nil {
		return nil, err
	}

	e.rec, e.graph, e.mgr = rec, g, mgr
	e.resync(tip.Snapshot)
	e.cursor, e.tip = tip.Snapshot.Cursor, tip.ID
	e.recorder = metrics.NewRecorder(rec.ID, e.cfg.Now())
	if rec.Status != checkpoint.SessionCompleted {
		e.rec.Status = checkpoint.SessionReady
	}
	e.saveSession(ctx)

	logger.Log.Info("session loaded", "session", rec.ID, "branch", mgr.Active(), "checkpoint", tip.ID)
	e.publish(ctx, events.Event{Type: events.SessionResumed, Checkpoint: tip.ID})
	return e, nil
}

func (e *Engine) SessionID() string {
	e.loop.Lock()
	defer e.loop.Unlock()
	return e.rec.ID
}

// Session returns a copy of the session record.
func (e *Engine) Session() checkpoint.SessionRecord {
	e.loop.Lock()
	defer e.loop.Unlock()
	return e.rec
}

// Steps returns the committed step records.
func (e *Engine) Steps() map[string]checkpoint.StepRecord {
	e.loop.Lock()
	defer e.loop.Unlock()
	return maps.Clone(e.steps)
}

// Output returns what a succeeded step bound for later steps.
func (e *Engine) Output(stepID string) map[string]any {
	e.loop.Lock()
	defer e.loop.Unlock()
	return maps.Clone(e.bindings[stepID])
}

func (e *Engine) Metrics() metrics.SessionMetrics {
	if e.recorder == nil {
		return metrics.SessionMetrics{}
	}
	return e.recorder.Snapshot()
}

// Policy returns the guard policy in force.
func (e *Engine) Policy() guard.Policy { return *e.policy.Load() }

// Close cancels whatever is still in flight. It does not change the
// session's persisted state.
func (e *Engine) Close() error {
	e.cancelRun()
	return nil
}

// resync replaces the loop state with a committed snapshot. Research still
// in flight belongs to the previous epoch and is cancelled.
func (e *Engine) resync(snap checkpoint.Snapshot) {
	if e.endEpoch != nil {
		e.endEpoch()
	}
	e.epoch++
	e.epochCtx, e.endEpoch = context.WithCancel(e.runCtx)
	e.results = make(chan result, 2*len(e.allSteps())+1)
	e.inflight = map[string]context.CancelFunc{}
	e.buffered = map[string]result{}
	e.notBefore = map[string]time.Time{}
	e.failures = map[string]error{}
	e.finished = false

	e.steps = map[string]checkpoint.StepRecord{}
	for _, s := range e.allSteps() {
		e.steps[s.ID] = checkpoint.StepRecord{Status: plan.StatusPending}
	}
	maps.Copy(e.steps, snap.Steps)
	e.bindings = map[string]map[string]any{}
	for id, b := range snap.Bindings {
		e.bindings[id] = maps.Clone(b)
	}
}

// allSteps lists top-level steps and composite children.
func (e *Engine) allSteps() []plan.Step {
	if e.graph == nil {
		return nil
	}
	var out []plan.Step
	for _, s := range e.graph.Steps() {
		out = append(out, s)
		out = append(out, s.Steps...)
	}
	return out
}

// snapshot is the committed state, ready to checkpoint.
func (e *Engine) snapshot(cursor string) checkpoint.Snapshot {
	snap := checkpoint.Snapshot{
		Cursor: cursor,
		Steps:  maps.Clone(e.steps),
	}
	if len(e.bindings) > 0 {
		snap.Bindings = make(map[string]map[string]any, len(e.bindings))
		for id, b := range e.bindings {
			snap.Bindings[id] = maps.Clone(b)
		}
	}
	return snap
}

func (e *Engine) setStatus(ctx context.Context, s checkpoint.SessionStatus) {
	if e.rec.Status == s {
		return
	}
	e.rec.Status = s
	e.saveSession(ctx)
}

func (e *Engine) saveSession(ctx context.Context) {
	e.rec.UpdatedAt = e.cfg.Now()
	e.rec.Policy = *e.policy.Load()
	if e.mgr != nil {
		e.rec.ActiveBranch = e.mgr.Active()
	}
	if err := e.deps.Store.SaveSession(context.WithoutCancel(ctx), e.rec); err != nil {
		logger.Log.Error("failed to save session", "session", e.rec.ID, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.SessionID = e.rec.ID
	ev.Time = e.cfg.Now()
	if err := e.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.Log.Warn("failed to publish event", "type", ev.Type, "err", err)
	}
}
