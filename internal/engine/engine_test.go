package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/research"
	"github.com/Tahsine/agentic-cli/internal/sandbox"
	"github.com/Tahsine/agentic-cli/internal/workspace"
)

// fakeRunner succeeds with the command as stdout unless the command is
// listed in fail.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeRunner) Run(_ context.Context, spec sandbox.Spec, _ plan.Limits) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec.Command)
	if code, ok := f.fail[spec.Command]; ok {
		return sandbox.Result{ExitCode: code, Stderr: "boom"}, nil
	}
	return sandbox.Result{Stdout: spec.Command}, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeResearcher answers every query. fails sets how many attempts of a
// query fail first; delay holds an answer back.
type fakeResearcher struct {
	fails map[string]int
	delay map[string]time.Duration

	mu      sync.Mutex
	calls   map[string]int
	running int
	peak    int
}

func (f *fakeResearcher) Research(ctx context.Context, req research.Request) (research.Artifact, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.Query]++
	n := f.calls[req.Query]
	f.running++
	f.peak = max(f.peak, f.running)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if d := f.delay[req.Query]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return research.Artifact{}, ctx.Err()
		}
	}
	if n <= f.fails[req.Query] {
		return research.Artifact{}, &research.RetrievalError{Query: req.Query, Err: errors.New("unreachable")}
	}
	return research.Artifact{
		Query:      req.Query,
		Content:    "notes on " + req.Query,
		Sources:    []research.Source{{URL: "https://example.com/" + req.Query}},
		Confidence: 0.5,
	}, nil
}

func (f *fakeResearcher) Calls(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

type harness struct {
	eng    *Engine
	store  *checkpoint.MemoryStore
	events *events.Memory
	root   string
}

// newHarness builds an engine on a fresh temporary workspace and an
// in-memory store. Retries are off unless opts turn them on.
func newHarness(t *testing.T, deps Deps, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: checkpoint.NewMemoryStore(), events: &events.Memory{}, root: t.TempDir()}
	deps.Store = h.store
	deps.Workspace = h.root
	deps.Events = h.events
	if deps.Commands == nil {
		sb := sandbox.New(h.root)
		sb.GracePeriod = time.Second
		deps.Commands = sb
	}

	base := []Option{
		WithSessionID("s1"),
		WithRetry(plan.KindCommand, RetryPolicy{MaxAttempts: 1}),
		WithRetry(plan.KindResearch, RetryPolicy{MaxAttempts: 1}),
		WithRetry(plan.KindComposite, RetryPolicy{MaxAttempts: 1}),
	}
	eng, err := New(deps, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	h.eng = eng
	return h
}

func (h *harness) submit(t *testing.T, steps ...plan.Step) {
	t.Helper()
	require.NoError(t, h.eng.Submit(context.Background(), &plan.Plan{Objective: "test", Steps: steps}))
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func (h *harness) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.root, filepath.FromSlash(rel)))
	return err == nil
}

func (h *harness) manifest(t *testing.T) workspace.Manifest {
	t.Helper()
	m, err := workspace.Scan(h.root, workspace.DefaultExclude)
	require.NoError(t, err)
	return m
}

func checkpointIDs(t *testing.T, e *Engine, branch string) []string {
	t.Helper()
	var ids []string
	for cp, err := range e.Checkpoints(context.Background(), branch) {
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}
	return ids
}

func finishedOrder(evs ...[]events.Event) []string {
	var out []string
	for _, list := range evs {
		for _, e := range list {
			if e.Type == events.StepFinished && e.Status == string(plan.StatusSucceeded) {
				out = append(out, e.StepID)
			}
		}
	}
	return out
}

func cmd(id, command string, deps ...string) plan.Step {
	return plan.Step{ID: id, Kind: plan.KindCommand, Params: map[string]any{"command": command}, DependsOn: deps}
}

func find(id, query string, deps ...string) plan.Step {
	return plan.Step{ID: id, Kind: plan.KindResearch, Params: map[string]any{"query": query}, DependsOn: deps}
}

func TestNew_RequiresStoreAndWorkspace(t *testing.T) {
	_, err := New(Deps{Workspace: t.TempDir()})
	assert.ErrorContains(t, err, "store is required")
	_, err = New(Deps{Store: checkpoint.NewMemoryStore()})
	assert.ErrorContains(t, err, "workspace is required")
}

func TestAdvance_BeforeSubmit(t *testing.T) {
	h := newHarness(t, Deps{})
	_, err := h.eng.Advance(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.eng.Rewind(context.Background(), "main:1"), ErrNoSession)
}

func TestSubmit_RejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, Deps{})
	err := h.eng.Submit(context.Background(), &plan.Plan{Steps: []plan.Step{
		cmd("a", "echo a", "b"),
		cmd("b", "echo b", "a"),
	}})

	var ie *plan.InvalidError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, plan.ErrInvalidPlan)

	sessions, err := h.store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSubmit_Twice(t *testing.T) {
	h := newHarness(t, Deps{Commands: &fakeRunner{}})
	h.submit(t, cmd("a", "echo a"))
	err := h.eng.Submit(context.Background(), &plan.Plan{Steps: []plan.Step{cmd("b", "echo b")}})
	assert.ErrorContains(t, err, "already submitted")
}

func TestRun_CommandsAndResearch(t *testing.T) {
	h := newHarness(t, Deps{Research: &fakeResearcher{}})
	h.submit(t,
		find("fetch", "generics"),
		cmd("build", `echo "@results.fetch.content" > notes.txt`, "fetch"),
		cmd("check", "cat notes.txt", "build"),
	)

	require.NoError(t, h.eng.Run(context.Background()))

	for id, rec := range h.eng.Steps() {
		assert.Equal(t, plan.StatusSucceeded, rec.Status, id)
		assert.Equal(t, 1, rec.Attempts, id)
	}
	assert.Equal(t, "notes on generics\n", h.read(t, "notes.txt"))
	assert.Equal(t, "notes on generics\n", h.eng.Output("check")["stdout"])
	assert.Equal(t, 0.5, h.eng.Output("fetch")["confidence"])

	assert.Equal(t, checkpoint.SessionCompleted, h.eng.Session().Status)
	assert.Equal(t, []string{"main:1", "main:2", "main:3", "main:4"}, checkpointIDs(t, h.eng, ""))
	assert.Equal(t, []string{"fetch", "build", "check"}, finishedOrder(h.events.Events()))

	m := h.eng.Metrics()
	assert.True(t, m.Succeeded)
	assert.Equal(t, 4, m.Checkpoints)
	assert.Len(t, m.Steps, 3)

	types := h.events.Types("")
	assert.Equal(t, events.SessionStarted, types[0])
	assert.Equal(t, events.SessionFinished, types[len(types)-1])

	_, err := h.eng.Advance(context.Background())
	assert.ErrorIs(t, err, ErrDone)
}

// A denied step halts the session before anything that depends on it runs.
func TestGuardDenialHaltsSession(t *testing.T) {
	policy := guard.DefaultPolicy()
	policy.Rules = append(policy.Rules, guard.Rule{
		Name: "no-deploy", Effect: guard.EffectDeny, Commands: []string{"make deploy*"},
	})
	runner := &fakeRunner{}
	researcher := &fakeResearcher{}
	h := newHarness(t, Deps{Commands: runner, Research: researcher}, WithPolicy(policy))
	h.submit(t,
		cmd("A", "make deploy"),
		find("B", "deployment status", "A"),
	)
	ctx := context.Background()

	out, err := h.eng.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", out.StepID)
	assert.Equal(t, plan.StatusFailed, out.Status)
	assert.Empty(t, out.Checkpoint)
	var gv *GuardViolation
	require.ErrorAs(t, out.Err, &gv)
	assert.Equal(t, "no-deploy", gv.Decision.Rule)

	_, err = h.eng.Advance(ctx)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{"B"}, blocked.Steps)
	assert.ErrorAs(t, err, &gv)

	assert.Equal(t, checkpoint.SessionHaltedGuard, h.eng.Session().Status)
	assert.Equal(t, []string{"main:1"}, checkpointIDs(t, h.eng, ""))
	assert.Empty(t, runner.Calls())
	assert.Zero(t, researcher.Calls("deployment status"))
	assert.NotContains(t, h.events.Types("B"), events.StepStarted)
	assert.Contains(t, h.events.Types("A"), events.GuardDenied)
	assert.Equal(t, plan.StatusPending, h.eng.Steps()["B"].Status)

	err = h.eng.Run(ctx)
	assert.ErrorAs(t, err, &gv)
}

// A step over its wall clock ceiling is stopped and the workspace is put
// back as it was before the step.
func TestTimeoutRollsBackWorkspace(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a real command for two seconds")
	}
	policy := guard.DefaultPolicy()
	policy.Ceilings = plan.Limits{WallClock: plan.Duration(2 * time.Second)}
	h := newHarness(t, Deps{}, WithPolicy(policy))
	h.write(t, "keep.txt", "original")
	h.submit(t, cmd("slow", "echo partial > partial.txt; echo changed > keep.txt; sleep 5"))
	before := h.manifest(t)

	start := time.Now()
	out, err := h.eng.Advance(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4500*time.Millisecond)

	assert.Equal(t, plan.StatusTimedOut, out.Status)
	assert.Equal(t, 2*time.Second, out.Decision.Timeout)
	var te *TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.False(t, out.Retrying)

	assert.Equal(t, before, h.manifest(t))
	assert.Equal(t, "original", h.read(t, "keep.txt"))
	assert.False(t, h.exists("partial.txt"))
	assert.Contains(t, h.events.Types("slow"), events.WorkspaceRestored)

	err = h.eng.Run(context.Background())
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, checkpoint.SessionFailed, h.eng.Session().Status)
	assert.Equal(t, 1, h.eng.Metrics().Rollbacks)
}

// Forking keeps the original branch intact and continues on the new one.
func TestForkKeepsOriginalBranch(t *testing.T) {
	h := newHarness(t, Deps{},
		WithCheckpointOptions(checkpoint.WithBranchIDs(func() string { return "fork1" })))
	h.submit(t,
		cmd("s1", "echo 1 > s1.txt"),
		cmd("s2", "echo 2 > s2.txt", "s1"),
		cmd("s3", "echo 3 > s3.txt", "s2"),
		cmd("s4", "echo 4 > s4.txt", "s3"),
	)
	ctx := context.Background()
	require.NoError(t, h.eng.Run(ctx))
	require.Equal(t, []string{"main:1", "main:2", "main:3", "main:4", "main:5"}, checkpointIDs(t, h.eng, ""))

	branch, err := h.eng.Fork(ctx, "main:3")
	require.NoError(t, err)
	assert.Equal(t, "fork1", branch)
	assert.Equal(t, "fork1", h.eng.ActiveBranch())
	assert.True(t, h.exists("s2.txt"))
	assert.False(t, h.exists("s3.txt"))
	assert.False(t, h.exists("s4.txt"))
	assert.Equal(t, plan.StatusPending, h.eng.Steps()["s3"].Status)
	assert.Equal(t, checkpoint.SessionReady, h.eng.Session().Status)

	require.NoError(t, h.eng.Run(ctx))
	assert.Equal(t, "4\n", h.read(t, "s4.txt"))

	tips := map[string]string{}
	for _, b := range h.eng.Branches() {
		tips[b.ID] = b.Tip
	}
	assert.Equal(t, map[string]string{"main": "main:5", "fork1": "fork1:5"}, tips)
	assert.Equal(t, []string{"main:1", "main:2", "main:3", "main:4", "main:5"}, checkpointIDs(t, h.eng, checkpoint.MainBranch))
	assert.Equal(t, []string{"fork1:3", "fork1:4", "fork1:5"}, checkpointIDs(t, h.eng, "fork1"))
	assert.Equal(t, "fork1", h.eng.Session().ActiveBranch)
	assert.Contains(t, h.events.Types(""), events.BranchForked)
}

func TestRewind(t *testing.T) {
	h := newHarness(t, Deps{})
	h.submit(t,
		cmd("s1", "echo 1 > s1.txt"),
		cmd("s2", "echo 2 > s2.txt", "s1"),
		cmd("s3", "echo 3 > s3.txt", "s2"),
	)
	ctx := context.Background()
	require.NoError(t, h.eng.Run(ctx))

	require.NoError(t, h.eng.Rewind(ctx, "main:2"))
	assert.True(t, h.exists("s1.txt"))
	assert.False(t, h.exists("s2.txt"))
	assert.False(t, h.exists("s3.txt"))
	steps := h.eng.Steps()
	assert.Equal(t, plan.StatusSucceeded, steps["s1"].Status)
	assert.Equal(t, plan.StatusPending, steps["s2"].Status)
	assert.Equal(t, checkpoint.SessionReady, h.eng.Session().Status)

	out, err := h.eng.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", out.StepID)
	assert.Equal(t, "main:5", out.Checkpoint)
	assert.Equal(t, []string{"main:1", "main:2", "main:5"}, checkpointIDs(t, h.eng, ""))

	assert.Error(t, h.eng.Rewind(ctx, "main:9"))
}

func TestSetPolicy(t *testing.T) {
	runner := &fakeRunner{}
	h := newHarness(t, Deps{Commands: runner})
	h.submit(t, cmd("a", "echo a"), cmd("b", "echo b", "a"))
	ctx := context.Background()

	_, err := h.eng.Advance(ctx)
	require.NoError(t, err)

	assert.Error(t, h.eng.SetPolicy(guard.Policy{Default: "maybe"}))

	strict := guard.DefaultPolicy()
	strict.Rules = append(strict.Rules, guard.Rule{Name: "no-b", Effect: guard.EffectDeny, Commands: []string{"echo b"}})
	require.NoError(t, h.eng.SetPolicy(strict))
	assert.Len(t, h.eng.Policy().Rules, 2)

	out, err := h.eng.Advance(ctx)
	require.NoError(t, err)
	var gv *GuardViolation
	require.ErrorAs(t, out.Err, &gv)
	assert.Equal(t, "no-b", gv.Decision.Rule)
	assert.Equal(t, []string{"echo a"}, runner.Calls())
	assert.Len(t, h.eng.Session().Policy.Rules, 2)
}
