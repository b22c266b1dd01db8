package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
	"github.com/Tahsine/agentic-cli/internal/events"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/store"
)

func roundTripPlan() *plan.Plan {
	return &plan.Plan{
		Objective: "append a log",
		Steps: []plan.Step{
			cmd("a", "echo a >> log.txt"),
			cmd("b", "echo b >> log.txt", "a"),
			find("r", "topic", "a"),
			cmd("c", "echo @results.r.content >> log.txt", "b", "r"),
		},
	}
}

func noRetry() []Option {
	return []Option{
		WithRetry(plan.KindCommand, RetryPolicy{MaxAttempts: 1}),
		WithRetry(plan.KindResearch, RetryPolicy{MaxAttempts: 1}),
	}
}

// A session stopped mid-way and resumed from a reopened database ends in
// the same state, in the same order, as one run without interruption.
func TestResumeAfterRestartMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()

	straightRoot := t.TempDir()
	straightEvents := &events.Memory{}
	straight, err := New(Deps{
		Store:     checkpoint.NewMemoryStore(),
		Workspace: straightRoot,
		Research:  &fakeResearcher{},
		Events:    straightEvents,
	}, append(noRetry(), WithSessionID("rt"))...)
	require.NoError(t, err)
	require.NoError(t, straight.Submit(ctx, roundTripPlan()))
	require.NoError(t, straight.Run(ctx))

	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	firstEvents := &events.Memory{}
	first, err := New(Deps{
		Store:     db,
		Workspace: root,
		Research:  &fakeResearcher{},
		Events:    firstEvents,
	}, append(noRetry(), WithSessionID("rt"))...)
	require.NoError(t, err)
	require.NoError(t, first.Submit(ctx, roundTripPlan()))
	for range 2 {
		_, err := first.Advance(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())
	require.NoError(t, db.Close())

	db, err = store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	secondEvents := &events.Memory{}
	second, err := Load(ctx, Deps{
		Store:    db,
		Research: &fakeResearcher{},
		Events:   secondEvents,
	}, "rt", noRetry()...)
	require.NoError(t, err)
	assert.Equal(t, root, second.Session().Workspace)
	assert.Equal(t, "b", second.Session().Plan.Steps[1].ID)
	assert.Equal(t, checkpoint.SessionReady, second.Session().Status)
	require.NoError(t, second.Run(ctx))

	assert.Equal(t, straight.Steps(), second.Steps())
	assert.Equal(t,
		finishedOrder(straightEvents.Events()),
		finishedOrder(firstEvents.Events(), secondEvents.Events()))
	assert.Equal(t, []string{"a", "b", "r", "c"}, finishedOrder(straightEvents.Events()))

	want, err := os.ReadFile(filepath.Join(straightRoot, "log.txt"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nnotes on topic\n", string(want))
	assert.Equal(t, string(want), string(got))

	assert.Equal(t, checkpoint.SessionCompleted, second.Session().Status)
	assert.Equal(t, checkpointIDs(t, straight, ""), checkpointIDs(t, second, ""))
	assert.Equal(t, straight.Output("c")["stdout"], second.Output("c")["stdout"])
}

// Resuming discards whatever an interrupted step left in the workspace.
func TestLoadRestoresWorkspaceToTip(t *testing.T) {
	h := newHarness(t, Deps{Commands: &fakeRunner{}})
	h.submit(t, cmd("a", "echo a"), cmd("b", "echo b", "a"))
	ctx := context.Background()
	_, err := h.eng.Advance(ctx)
	require.NoError(t, err)
	require.NoError(t, h.eng.Close())

	h.write(t, "half-written.txt", "partial")

	e, err := Load(ctx, Deps{Store: h.store, Commands: &fakeRunner{}}, "s1")
	require.NoError(t, err)
	assert.False(t, h.exists("half-written.txt"))
	assert.Equal(t, plan.StatusSucceeded, e.Steps()["a"].Status)
	assert.Equal(t, plan.StatusPending, e.Steps()["b"].Status)
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, plan.StatusSucceeded, e.Steps()["b"].Status)
}

func TestLoadRejectsCorruptHistory(t *testing.T) {
	h := newHarness(t, Deps{Commands: &fakeRunner{}})
	h.submit(t, cmd("a", "echo a"))
	ctx := context.Background()
	require.NoError(t, h.eng.Run(ctx))

	h.store.Corrupt("s1", "main:2", func(cp checkpoint.Checkpoint) checkpoint.Checkpoint {
		cp.Snapshot.Cursor = "tampered"
		return cp
	})

	_, err := Load(ctx, Deps{Store: h.store}, "s1")
	var ce *checkpoint.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "main:2", ce.CheckpointID)

	_, err = Load(ctx, Deps{Store: h.store}, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLoadKeepsActiveBranch(t *testing.T) {
	h := newHarness(t, Deps{Commands: &fakeRunner{}},
		WithCheckpointOptions(checkpoint.WithBranchIDs(func() string { return "alt" })))
	h.submit(t, cmd("a", "echo a"), cmd("b", "echo b", "a"))
	ctx := context.Background()
	require.NoError(t, h.eng.Run(ctx))
	_, err := h.eng.Fork(ctx, "main:2")
	require.NoError(t, err)

	e, err := Load(ctx, Deps{Store: h.store, Commands: &fakeRunner{}}, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alt", e.ActiveBranch())
	assert.Equal(t, plan.StatusPending, e.Steps()["b"].Status)
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, []string{"alt:2", "alt:3"}, checkpointIDs(t, e, ""))

	stats, err := e.GC(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checkpoints)
}
