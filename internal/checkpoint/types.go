package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tahsine/agentic-cli/internal/guard"
	"github.com/Tahsine/agentic-cli/internal/plan"
	"github.com/Tahsine/agentic-cli/internal/workspace"
)

// MainBranch is the branch every session starts on.
const MainBranch = "main"

type StepRecord struct {
	Status   plan.Status `json:"status"`
	Attempts int         `json:"attempts,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Snapshot is the engine state a checkpoint carries: enough to rebuild the
// ready set and resolve result references after a restore.
type Snapshot struct {
	Cursor   string                    `json:"cursor,omitempty"`
	Steps    map[string]StepRecord     `json:"steps"`
	Bindings map[string]map[string]any `json:"bindings,omitempty"`
}

func (s Snapshot) fingerprint() string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Checkpoint is immutable once written. Delta is relative to Parent; the
// anchor's delta is the whole initial workspace. The first checkpoint of a
// fork copies its target and records it in ForkOf.
type Checkpoint struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Branch    string          `json:"branch"`
	Seq       int             `json:"seq"`
	Parent    string          `json:"parent,omitempty"`
	ForkOf    string          `json:"fork_of,omitempty"`
	Snapshot  Snapshot        `json:"snapshot"`
	Delta     workspace.Delta `json:"delta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Digest    string          `json:"digest"`
}

func checkpointID(branch string, seq int) string {
	return branch + ":" + strconv.Itoa(seq)
}

// ParseID splits "<branch>:<seq>".
func ParseID(id string) (branch string, seq int, err error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed checkpoint id %q", id)
	}
	seq, err = strconv.Atoi(id[i+1:])
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("malformed checkpoint id %q", id)
	}
	return id[:i], seq, nil
}

// computeDigest hashes the canonical JSON form with the digest blanked.
func (c Checkpoint) computeDigest() string {
	c.Digest = ""
	c.CreatedAt = c.CreatedAt.UTC()
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c Checkpoint) sealed() Checkpoint {
	c.CreatedAt = c.CreatedAt.UTC()
	c.Digest = c.computeDigest()
	return c
}

// Verify checks the stored digest against the content.
func (c Checkpoint) Verify() error {
	if c.Digest == "" || c.Digest != c.computeDigest() {
		return &CorruptionError{CheckpointID: c.ID, Reason: "digest mismatch"}
	}
	return nil
}

// Branch is an entry of the branch table. MaxSeq is the highest sequence ever
// written on the branch so numbers are never reused after a rewind.
type Branch struct {
	ID         string    `json:"id"`
	Tip        string    `json:"tip"`
	ForkedFrom string    `json:"forked_from,omitempty"`
	MaxSeq     int       `json:"max_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

type SessionStatus string

const (
	SessionReady       SessionStatus = "READY"
	SessionRunning     SessionStatus = "RUNNING"
	SessionPaused      SessionStatus = "PAUSED"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionFailed      SessionStatus = "FAILED"
	SessionHaltedGuard SessionStatus = "HALTED_GUARD"
	SessionAborted     SessionStatus = "ABORTED"
)

// SessionRecord is the persisted unit of crash recovery. Checkpoints and
// branches are stored alongside it, keyed by its id.
type SessionRecord struct {
	ID           string        `json:"id"`
	Objective    string        `json:"objective,omitempty"`
	Workspace    string        `json:"workspace"`
	Plan         plan.Plan     `json:"plan"`
	Policy       guard.Policy  `json:"policy"`
	ActiveBranch string        `json:"active_branch"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
