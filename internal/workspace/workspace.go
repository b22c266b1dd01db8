// Package workspace snapshots a directory tree as a content-addressed
// manifest and puts a tree back into the state a manifest describes.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry describes one file, directory or symlink. Files carry the sha256 of
// their content; directories carry only their mode; symlinks carry their
// target, which is never followed.
type Entry struct {
	Hash string      `json:"hash,omitempty"`
	Mode fs.FileMode `json:"mode"`
	Dir  bool        `json:"dir,omitempty"`
	Link string      `json:"link,omitempty"`
}

// Symlink reports whether e describes a symbolic link.
func (e Entry) Symlink() bool { return e.Link != "" }

// Content reports whether e is a regular file backed by a blob.
func (e Entry) Content() bool { return !e.Dir && !e.Symlink() }

func sameKind(a, b Entry) bool { return a.Dir == b.Dir && a.Symlink() == b.Symlink() }

// Manifest maps slash-separated paths relative to the root to entries.
type Manifest map[string]Entry

// Delta maps paths to their new entry, or nil when the path was removed.
type Delta map[string]*Entry

var ErrHashMismatch = errors.New("content hash mismatch")

// DefaultExclude is never scanned nor touched on restore.
var DefaultExclude = []string{".git", ".agentic"}

func excluded(rel string, exclude []string) bool {
	for _, ex := range exclude {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// Scan walks root and hashes every regular file. Symlinks are recorded with
// their target; special files are skipped.
func Scan(root string, exclude []string) (Manifest, error) {
	m := Manifest{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			m[rel] = Entry{Dir: true, Mode: info.Mode().Perm()}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			m[rel] = Entry{Link: target}
		case info.Mode().IsRegular():
			h, err := HashFile(path)
			if err != nil {
				return err
			}
			m[rel] = Entry{Hash: h, Mode: info.Mode().Perm()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return m, nil
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Diff returns what changed going from one manifest to the other.
func Diff(from, to Manifest) Delta {
	d := Delta{}
	for p, e := range to {
		if old, ok := from[p]; !ok || old != e {
			e := e
			d[p] = &e
		}
	}
	for p := range from {
		if _, ok := to[p]; !ok {
			d[p] = nil
		}
	}
	return d
}

func (d Delta) Empty() bool { return len(d) == 0 }

// Hashes returns the sorted, distinct content hashes the delta references.
func (d Delta) Hashes() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range d {
		if e != nil && e.Content() && !seen[e.Hash] {
			seen[e.Hash] = true
			out = append(out, e.Hash)
		}
	}
	slices.Sort(out)
	return out
}

// Apply returns a new manifest with d applied on top of m.
func (m Manifest) Apply(d Delta) Manifest {
	out := make(Manifest, len(m)+len(d))
	for p, e := range m {
		out[p] = e
	}
	for p, e := range d {
		if e == nil {
			delete(out, p)
		} else {
			out[p] = *e
		}
	}
	return out
}

// BlobSource returns the content stored under a hash.
type BlobSource func(hash string) ([]byte, error)

// Restore rewrites root so that scanning it again yields target. Paths not in
// target are removed, missing or changed files are rewritten from blobs.
// Restoring twice to the same target is a no-op the second time.
func Restore(root string, target Manifest, blobs BlobSource, exclude []string) error {
	current, err := Scan(root, exclude)
	if err != nil {
		return err
	}

	var stale []string
	for p, e := range current {
		t, ok := target[p]
		if !ok || !sameKind(t, e) {
			stale = append(stale, p)
		}
	}
	// Deepest first so directories are emptied before they go.
	slices.SortFunc(stale, func(a, b string) int { return strings.Count(b, "/") - strings.Count(a, "/") })
	for _, p := range stale {
		if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(p))); err != nil {
			return fmt.Errorf("restore: remove %s: %w", p, err)
		}
	}

	paths := make([]string, 0, len(target))
	for p := range target {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		want := target[p]
		abs := filepath.Join(root, filepath.FromSlash(p))
		have, exists := current[p]
		if exists && !sameKind(have, want) {
			exists = false
		}

		if want.Symlink() {
			if exists && have.Link == want.Link {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return fmt.Errorf("restore: mkdir %s: %w", filepath.Dir(p), err)
			}
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("restore: remove %s: %w", p, err)
			}
			if err := os.Symlink(want.Link, abs); err != nil {
				return fmt.Errorf("restore: symlink %s: %w", p, err)
			}
			continue
		}

		if want.Dir {
			if !exists {
				if err := os.MkdirAll(abs, want.Mode|0o700); err != nil {
					return fmt.Errorf("restore: mkdir %s: %w", p, err)
				}
			}
			if !exists || have.Mode != want.Mode {
				if err := os.Chmod(abs, want.Mode); err != nil {
					return fmt.Errorf("restore: chmod %s: %w", p, err)
				}
			}
			continue
		}

		if exists && have.Hash == want.Hash {
			if have.Mode != want.Mode {
				if err := os.Chmod(abs, want.Mode); err != nil {
					return fmt.Errorf("restore: chmod %s: %w", p, err)
				}
			}
			continue
		}
		data, err := blobs(want.Hash)
		if err != nil {
			return fmt.Errorf("restore: blob for %s: %w", p, err)
		}
		if got := HashBytes(data); got != want.Hash {
			return fmt.Errorf("restore: blob for %s: %w (want %s, got %s)", p, ErrHashMismatch, want.Hash, got)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("restore: mkdir %s: %w", filepath.Dir(p), err)
		}
		if err := writeFileAtomic(abs, data, want.Mode); err != nil {
			return fmt.Errorf("restore: write %s: %w", p, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
