// Package checkpoint records immutable snapshots of a session's engine state
// and workspace, and moves the workspace between them.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/workspace"
)

type Option func(*Manager)

// WithExclude replaces the workspace paths never scanned nor restored.
func WithExclude(paths ...string) Option {
	return func(m *Manager) { m.exclude = paths }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBranchIDs sets the generator used to name forked branches.
func WithBranchIDs(next func() string) Option {
	return func(m *Manager) { m.newBranchID = next }
}

// Manager owns one session's checkpoint history. Every method that reads or
// writes the workspace holds the manager's mutex, so at most one restore or
// creation is in flight.
type Manager struct {
	mu          sync.Mutex
	store       Store
	session     string
	root        string
	exclude     []string
	now         func() time.Time
	newBranchID func() string

	branches map[string]Branch
	active   string

	// manifest of the checkpoint cachedID, usually the active tip
	cachedID       string
	cachedManifest workspace.Manifest
}

// NewManager loads the branch table of a session. It does not touch the
// workspace; call Init for a new session or Resume for an existing one.
func NewManager(ctx context.Context, store Store, sessionID, root string, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:       store,
		session:     sessionID,
		root:        root,
		exclude:     workspace.DefaultExclude,
		now:         time.Now,
		newBranchID: func() string { return uuid.NewString()[:8] },
		branches:    map[string]Branch{},
		active:      MainBranch,
	}
	for _, o := range opts {
		o(m)
	}

	bs, err := store.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}
	for _, b := range bs {
		m.branches[b.ID] = b
	}
	return m, nil
}

func (m *Manager) SessionID() string { return m.session }

// Init writes the anchor checkpoint main:1 holding the whole current
// workspace.
func (m *Manager) Init(ctx context.Context, snap Snapshot) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.branches) > 0 {
		return Checkpoint{}, fmt.Errorf("session %s already has checkpoints", m.session)
	}
	cur, err := workspace.Scan(m.root, m.exclude)
	if err != nil {
		return Checkpoint{}, err
	}
	delta := workspace.Diff(workspace.Manifest{}, cur)
	if err := m.storeBlobs(ctx, delta); err != nil {
		return Checkpoint{}, err
	}

	now := m.now()
	cp := Checkpoint{
		ID:        checkpointID(MainBranch, 1),
		SessionID: m.session,
		Branch:    MainBranch,
		Seq:       1,
		Snapshot:  snap,
		Delta:     delta,
		CreatedAt: now,
	}.sealed()
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("write anchor: %w", err)
	}
	b := Branch{ID: MainBranch, Tip: cp.ID, MaxSeq: 1, CreatedAt: now.UTC()}
	if err := m.store.PutBranch(ctx, m.session, b); err != nil {
		return Checkpoint{}, fmt.Errorf("write branch: %w", err)
	}
	m.branches[MainBranch] = b
	m.active = MainBranch
	m.cache(cp.ID, workspace.Manifest{}.Apply(delta))

	logger.Log.Info("checkpoint anchor written", "session", m.session, "checkpoint", cp.ID, "files", len(delta))
	return cp, nil
}

// Checkpoint appends a checkpoint on the active branch. When neither the
// workspace nor the snapshot changed since the tip, the tip is returned and
// nothing is written.
func (m *Manager) Checkpoint(ctx context.Context, snap Snapshot) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[m.active]
	if !ok {
		return Checkpoint{}, ErrNoAnchor
	}
	tip, manifest, err := m.materialize(ctx, b.Tip)
	if err != nil {
		return Checkpoint{}, err
	}
	cur, err := workspace.Scan(m.root, m.exclude)
	if err != nil {
		return Checkpoint{}, err
	}
	delta := workspace.Diff(manifest, cur)
	if delta.Empty() && snap.fingerprint() == tip.Snapshot.fingerprint() {
		return tip, nil
	}
	if err := m.storeBlobs(ctx, delta); err != nil {
		return Checkpoint{}, err
	}

	seq := b.MaxSeq + 1
	cp := Checkpoint{
		ID:        checkpointID(b.ID, seq),
		SessionID: m.session,
		Branch:    b.ID,
		Seq:       seq,
		Parent:    tip.ID,
		Snapshot:  snap,
		Delta:     delta,
		CreatedAt: m.now(),
	}.sealed()
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}
	b.Tip, b.MaxSeq = cp.ID, seq
	if err := m.store.PutBranch(ctx, m.session, b); err != nil {
		return Checkpoint{}, fmt.Errorf("write branch: %w", err)
	}
	m.branches[b.ID] = b
	m.cache(cp.ID, manifest.Apply(delta))

	logger.Log.Debug("checkpoint written", "session", m.session, "checkpoint", cp.ID, "changed", len(delta))
	return cp, nil
}

// Restore makes id's branch active, moves that branch's tip to id and
// rewrites the workspace to match. Checkpoints after id stay stored but are
// no longer reachable from the tip.
func (m *Manager) Restore(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, manifest, err := m.materialize(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	b, ok := m.branches[cp.Branch]
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", cp.Branch, ErrUnknownBranch)
	}
	if err := m.restoreWorkspace(ctx, cp.ID, manifest); err != nil {
		return Snapshot{}, err
	}
	if b.Tip != cp.ID {
		b.Tip = cp.ID
		if err := m.store.PutBranch(ctx, m.session, b); err != nil {
			return Snapshot{}, fmt.Errorf("write branch: %w", err)
		}
		m.branches[b.ID] = b
	}
	m.active = b.ID
	m.cache(cp.ID, manifest)

	logger.Log.Info("checkpoint restored", "session", m.session, "checkpoint", cp.ID)
	return cp.Snapshot, nil
}

// Fork starts a new branch at id. Its first checkpoint copies id (same
// sequence number, parent id) and becomes the active tip. The branch id
// was on is left untouched.
func (m *Manager) Fork(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, manifest, err := m.materialize(ctx, id)
	if err != nil {
		return "", err
	}
	bid := m.newBranchID()
	for bid == "" || m.branches[bid].ID != "" {
		bid = uuid.NewString()[:8]
	}

	now := m.now()
	cp := Checkpoint{
		ID:        checkpointID(bid, target.Seq),
		SessionID: m.session,
		Branch:    bid,
		Seq:       target.Seq,
		Parent:    target.ID,
		ForkOf:    target.ID,
		Snapshot:  target.Snapshot,
		CreatedAt: now,
	}.sealed()
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("write fork checkpoint: %w", err)
	}
	b := Branch{ID: bid, Tip: cp.ID, ForkedFrom: target.ID, MaxSeq: cp.Seq, CreatedAt: now.UTC()}
	if err := m.store.PutBranch(ctx, m.session, b); err != nil {
		return "", fmt.Errorf("write branch: %w", err)
	}
	m.branches[bid] = b

	if err := m.restoreWorkspace(ctx, cp.ID, manifest); err != nil {
		return "", err
	}
	m.active = bid
	m.cache(cp.ID, manifest)

	logger.Log.Info("branch forked", "session", m.session, "branch", bid, "from", target.ID)
	return bid, nil
}

// Rollback rewrites the workspace to the active tip without moving it.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[m.active]
	if !ok {
		return ErrNoAnchor
	}
	_, manifest, err := m.materialize(ctx, b.Tip)
	if err != nil {
		return err
	}
	if err := m.restoreWorkspace(ctx, b.Tip, manifest); err != nil {
		return err
	}
	logger.Log.Debug("workspace rolled back", "session", m.session, "checkpoint", b.Tip)
	return nil
}

// Resume verifies the active tip's chain and puts the workspace back into
// its state. It is how a reloaded session picks up where it stopped.
func (m *Manager) Resume(ctx context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[m.active]
	if !ok {
		return Checkpoint{}, ErrNoAnchor
	}
	cp, manifest, err := m.materialize(ctx, b.Tip)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := m.restoreWorkspace(ctx, cp.ID, manifest); err != nil {
		return Checkpoint{}, err
	}
	m.cache(cp.ID, manifest)
	return cp, nil
}

// Tip returns the active branch's latest reachable checkpoint.
func (m *Manager) Tip(ctx context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[m.active]
	if !ok {
		return Checkpoint{}, ErrNoAnchor
	}
	cp, err := m.load(ctx, b.Tip)
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Verify checks the digests of id and all its ancestors and that every blob
// its workspace needs is stored.
func (m *Manager) Verify(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache("", nil)
	_, _, err := m.materialize(ctx, id)
	return err
}

func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActive switches branches without touching the workspace.
func (m *Manager) SetActive(branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[branch]; !ok {
		return fmt.Errorf("%s: %w", branch, ErrUnknownBranch)
	}
	m.active = branch
	return nil
}

// Branches returns the branch table ordered by creation.
func (m *Manager) Branches() []Branch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Branch, 0, len(m.branches))
	for _, b := range m.branches {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Branch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// List yields, in ascending sequence, the checkpoints of a branch that are
// reachable from its tip. The store is queried each time the sequence is
// ranged over, so a sequence can be reused and sees later writes.
func (m *Manager) List(ctx context.Context, branch string) iter.Seq2[Checkpoint, error] {
	return func(yield func(Checkpoint, error) bool) {
		m.mu.Lock()
		b, ok := m.branches[branch]
		m.mu.Unlock()
		if !ok {
			yield(Checkpoint{}, fmt.Errorf("%s: %w", branch, ErrUnknownBranch))
			return
		}

		all, err := m.store.ListCheckpoints(ctx, m.session, branch)
		if err != nil {
			yield(Checkpoint{}, err)
			return
		}
		byID := make(map[string]Checkpoint, len(all))
		for _, cp := range all {
			byID[cp.ID] = cp
		}
		reachable := map[string]bool{}
		for id := b.Tip; id != ""; {
			cp, ok := byID[id]
			if !ok {
				break
			}
			reachable[id] = true
			id = cp.Parent
		}

		for _, cp := range all {
			if !reachable[cp.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Checkpoint{}, err)
				return
			}
			if err := cp.Verify(); err != nil {
				yield(Checkpoint{}, err)
				return
			}
			if !yield(cp, nil) {
				return
			}
		}
	}
}

type GCStats struct {
	Checkpoints int `json:"checkpoints"`
	Blobs       int `json:"blobs"`
}

// GC deletes checkpoints no branch tip can reach, then blobs no remaining
// checkpoint references. The anchor is always kept.
func (m *Manager) GC(ctx context.Context) (GCStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.ListCheckpoints(ctx, m.session, "")
	if err != nil {
		return GCStats{}, err
	}
	byID := make(map[string]Checkpoint, len(all))
	for _, cp := range all {
		byID[cp.ID] = cp
	}
	keep := map[string]bool{checkpointID(MainBranch, 1): true}
	for _, b := range m.branches {
		for id := b.Tip; id != "" && !keep[id]; {
			cp, ok := byID[id]
			if !ok {
				return GCStats{}, &CorruptionError{CheckpointID: id, Reason: "missing from store"}
			}
			keep[id] = true
			id = cp.Parent
		}
	}

	var stats GCStats
	live := map[string]bool{}
	for _, cp := range all {
		if keep[cp.ID] {
			for _, h := range cp.Delta.Hashes() {
				live[h] = true
			}
			continue
		}
		if err := m.store.DeleteCheckpoint(ctx, m.session, cp.ID); err != nil {
			return stats, fmt.Errorf("delete %s: %w", cp.ID, err)
		}
		stats.Checkpoints++
	}

	blobs, err := m.store.ListBlobs(ctx, m.session)
	if err != nil {
		return stats, err
	}
	for _, h := range blobs {
		if live[h] {
			continue
		}
		if err := m.store.DeleteBlob(ctx, m.session, h); err != nil {
			return stats, fmt.Errorf("delete blob %s: %w", h, err)
		}
		stats.Blobs++
	}

	logger.Log.Info("checkpoint gc", "session", m.session, "checkpoints", stats.Checkpoints, "blobs", stats.Blobs)
	return stats, nil
}

// load reads and verifies one checkpoint.
func (m *Manager) load(ctx context.Context, id string) (Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, m.session, id)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := cp.Verify(); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// materialize rebuilds the manifest of id by replaying deltas from the
// anchor, verifying every checkpoint on the way and that each blob the
// result needs is stored.
func (m *Manager) materialize(ctx context.Context, id string) (Checkpoint, workspace.Manifest, error) {
	target, err := m.load(ctx, id)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	if id == m.cachedID {
		return target, m.cachedManifest, nil
	}

	chain := []Checkpoint{target}
	for cur := target; cur.Parent != ""; {
		parent, err := m.load(ctx, cur.Parent)
		if errors.Is(err, ErrNotFound) {
			return Checkpoint{}, nil, &CorruptionError{CheckpointID: cur.ID, Reason: "missing parent " + cur.Parent}
		}
		if err != nil {
			return Checkpoint{}, nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}

	manifest := workspace.Manifest{}
	for i := len(chain) - 1; i >= 0; i-- {
		manifest = manifest.Apply(chain[i].Delta)
	}
	for p, e := range manifest {
		if !e.Content() {
			continue
		}
		ok, err := m.store.HasBlob(ctx, m.session, e.Hash)
		if err != nil {
			return Checkpoint{}, nil, err
		}
		if !ok {
			return Checkpoint{}, nil, &CorruptionError{CheckpointID: id, Reason: fmt.Sprintf("missing blob for %s", p)}
		}
	}
	return target, manifest, nil
}

func (m *Manager) restoreWorkspace(ctx context.Context, id string, manifest workspace.Manifest) error {
	src := func(hash string) ([]byte, error) { return m.store.GetBlob(ctx, m.session, hash) }
	if err := workspace.Restore(m.root, manifest, src, m.exclude); err != nil {
		if errors.Is(err, workspace.ErrHashMismatch) {
			return &CorruptionError{CheckpointID: id, Reason: "blob content", Err: err}
		}
		return err
	}
	return nil
}

// storeBlobs saves the content of every new or changed file in delta. A file
// rewritten between the scan and the read is recorded with what was read.
func (m *Manager) storeBlobs(ctx context.Context, delta workspace.Delta) error {
	for p, e := range delta {
		if e == nil || !e.Content() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		e.Hash = workspace.HashBytes(data)
		ok, err := m.store.HasBlob(ctx, m.session, e.Hash)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := m.store.PutBlob(ctx, m.session, e.Hash, data); err != nil {
			return fmt.Errorf("store blob for %s: %w", p, err)
		}
	}
	return nil
}

func (m *Manager) cache(id string, manifest workspace.Manifest) {
	m.cachedID = id
	m.cachedManifest = manifest
}
