package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
)

// Fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) SaveSession(ctx context.Context, rec checkpoint.SessionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			body = excluded.body
	`,
		rec.ID,
		string(rec.Status),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (checkpoint.SessionRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM sessions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.SessionRecord{}, fmt.Errorf("session %s: %w", id, checkpoint.ErrNotFound)
	}
	if err != nil {
		return checkpoint.SessionRecord{}, fmt.Errorf("load session: %w", err)
	}
	var rec checkpoint.SessionRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return checkpoint.SessionRecord{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]checkpoint.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.SessionRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var rec checkpoint.SessionRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutCheckpoint is idempotent: a checkpoint id already stored is left as is.
func (s *Store) PutCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, id, branch, seq, parent, digest, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO NOTHING
	`,
		cp.SessionID,
		cp.ID,
		cp.Branch,
		cp.Seq,
		nullString(cp.Parent),
		cp.Digest,
		cp.CreatedAt.UTC().Format(timeLayout),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, sessionID, id string) (checkpoint.Checkpoint, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE session_id = ? AND id = ?`, sessionID, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, checkpoint.ErrNotFound)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeCheckpoint(id, body)
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID, branch string) ([]checkpoint.Checkpoint, error) {
	query := `SELECT id, body FROM checkpoints WHERE session_id = ? ORDER BY branch ASC, seq ASC, id ASC`
	args := []any{sessionID}
	if branch != "" {
		query = `SELECT id, body FROM checkpoints WHERE session_id = ? AND branch = ? ORDER BY seq ASC, id ASC`
		args = append(args, branch)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		cp, err := decodeCheckpoint(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, sessionID, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND id = ?`, sessionID, id,
	); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *Store) PutBranch(ctx context.Context, sessionID string, b checkpoint.Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (session_id, id, tip, forked_from, max_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			tip = excluded.tip,
			max_seq = excluded.max_seq
	`,
		sessionID,
		b.ID,
		b.Tip,
		nullString(b.ForkedFrom),
		b.MaxSeq,
		b.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put branch %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]checkpoint.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tip, forked_from, max_seq, created_at
		FROM branches WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Branch
	for rows.Next() {
		var (
			b       checkpoint.Branch
			forked  sql.NullString
			created string
		)
		if err := rows.Scan(&b.ID, &b.Tip, &forked, &b.MaxSeq, &created); err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		b.ForkedFrom = forked.String
		if b.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("branch %s created_at: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) PutBlob(ctx context.Context, sessionID, hash string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (session_id, hash, data) VALUES (?, ?, ?)
		ON CONFLICT(session_id, hash) DO NOTHING
	`, sessionID, hash, data); err != nil {
		return fmt.Errorf("put blob %s: %w", hash, err)
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, sessionID, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE session_id = ? AND hash = ?`, sessionID, hash,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) HasBlob(ctx context.Context, sessionID, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blobs WHERE session_id = ? AND hash = ?`, sessionID, hash,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has blob: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListBlobs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM blobs WHERE session_id = ? ORDER BY hash ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBlob(ctx context.Context, sessionID, hash string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE session_id = ? AND hash = ?`, sessionID, hash,
	); err != nil {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

func decodeCheckpoint(id, body string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return checkpoint.Checkpoint{}, &checkpoint.CorruptionError{CheckpointID: id, Reason: "undecodable", Err: err}
	}
	return cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
