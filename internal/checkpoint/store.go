package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Store persists sessions, their checkpoint history and workspace blobs.
// Lookups of missing records return an error wrapping ErrNotFound.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	LoadSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	PutCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID, id string) (Checkpoint, error)
	// ListCheckpoints returns the checkpoints written on a branch, ordered
	// by sequence number. An empty branch lists every branch.
	ListCheckpoints(ctx context.Context, sessionID, branch string) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID, id string) error

	PutBranch(ctx context.Context, sessionID string, b Branch) error
	ListBranches(ctx context.Context, sessionID string) ([]Branch, error)

	PutBlob(ctx context.Context, sessionID, hash string, data []byte) error
	GetBlob(ctx context.Context, sessionID, hash string) ([]byte, error)
	HasBlob(ctx context.Context, sessionID, hash string) (bool, error)
	ListBlobs(ctx context.Context, sessionID string) ([]string, error)
	DeleteBlob(ctx context.Context, sessionID, hash string) error
}

// MemoryStore keeps everything in process. Records pass through JSON on the
// way in and out so callers see the same value types a durable store gives
// back, and cannot alias stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string][]byte
	checkpoints map[string]map[string][]byte
	branches    map[string]map[string]Branch
	blobs       map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string][]byte{},
		checkpoints: map[string]map[string][]byte{},
		branches:    map[string]map[string]Branch{},
		blobs:       map[string]map[string][]byte{},
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, rec SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = b
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	b, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b SessionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, cp Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints[cp.SessionID] == nil {
		s.checkpoints[cp.SessionID] = map[string][]byte{}
	}
	s.checkpoints[cp.SessionID][cp.ID] = b
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, sessionID, id string) (Checkpoint, error) {
	s.mu.RLock()
	b, ok := s.checkpoints[sessionID][id]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, &CorruptionError{CheckpointID: id, Reason: "undecodable", Err: err}
	}
	return cp, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, sessionID, branch string) ([]Checkpoint, error) {
	s.mu.RLock()
	var ids []string
	for id := range s.checkpoints[sessionID] {
		if branch == "" || strings.HasPrefix(id, branch+":") {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.GetCheckpoint(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if branch != "" && cp.Branch != branch {
			continue
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Checkpoint) int {
		if c := strings.Compare(a.Branch, b.Branch); c != 0 {
			return c
		}
		return a.Seq - b.Seq
	})
	return out, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints[sessionID], id)
	return nil
}

func (s *MemoryStore) PutBranch(_ context.Context, sessionID string, b Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.branches[sessionID] == nil {
		s.branches[sessionID] = map[string]Branch{}
	}
	s.branches[sessionID][b.ID] = b
	return nil
}

func (s *MemoryStore) ListBranches(_ context.Context, sessionID string) ([]Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Branch, 0, len(s.branches[sessionID]))
	for _, b := range s.branches[sessionID] {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Branch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) PutBlob(_ context.Context, sessionID, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs[sessionID] == nil {
		s.blobs[sessionID] = map[string][]byte{}
	}
	s.blobs[sessionID][hash] = slices.Clone(data)
	return nil
}

func (s *MemoryStore) GetBlob(_ context.Context, sessionID, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[sessionID][hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	return slices.Clone(b), nil
}

func (s *MemoryStore) HasBlob(_ context.Context, sessionID, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[sessionID][hash]
	return ok, nil
}

func (s *MemoryStore) ListBlobs(_ context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs[sessionID]))
	for h := range s.blobs[sessionID] {
		out = append(out, h)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, sessionID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs[sessionID], hash)
	return nil
}

// Corrupt overwrites a stored checkpoint's bytes. Tests use it to simulate
// on-disk damage.
func (s *MemoryStore) Corrupt(sessionID, id string, mutate func(Checkpoint) Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.checkpoints[sessionID][id]
	if !ok {
		return
	}
	var cp Checkpoint
	if json.Unmarshal(b, &cp) != nil {
		return
	}
	if nb, err := json.Marshal(mutate(cp)); err == nil {
		s.checkpoints[sessionID][id] = nb
	}
}
