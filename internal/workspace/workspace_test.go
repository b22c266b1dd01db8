package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// blobStore snapshots every file of root into an in-memory blob map.
func blobStore(t *testing.T, root string, m Manifest, blobs map[string][]byte) {
	t.Helper()
	for p, e := range m {
		if !e.Content() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
		require.NoError(t, err)
		blobs[e.Hash] = data
	}
}

func source(blobs map[string][]byte) BlobSource {
	return func(hash string) ([]byte, error) {
		b, ok := blobs[hash]
		if !ok {
			return nil, fmt.Errorf("blob %s not found", hash)
		}
		return b, nil
	}
}

func TestScan_ExcludesStateDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "docs/readme.md", "hi")
	writeFile(t, root, ".git/HEAD", "ref")
	writeFile(t, root, ".agentic/sessions.db", "db")

	m, err := Scan(root, DefaultExclude)
	require.NoError(t, err)

	assert.Contains(t, m, "main.go")
	assert.Contains(t, m, "docs")
	assert.Contains(t, m, "docs/readme.md")
	assert.True(t, m["docs"].Dir)
	assert.NotContains(t, m, ".git")
	assert.NotContains(t, m, ".git/HEAD")
	assert.NotContains(t, m, ".agentic/sessions.db")
	assert.Equal(t, HashBytes([]byte("hi")), m["docs/readme.md"].Hash)
}

func TestDiffApply(t *testing.T) {
	from := Manifest{
		"a.txt": {Hash: "1", Mode: 0o644},
		"b.txt": {Hash: "2", Mode: 0o644},
		"dir":   {Dir: true, Mode: 0o755},
	}
	to := Manifest{
		"a.txt": {Hash: "1", Mode: 0o644},
		"b.txt": {Hash: "3", Mode: 0o644},
		"c.txt": {Hash: "4", Mode: 0o755},
	}

	d := Diff(from, to)
	require.Len(t, d, 3)
	assert.Nil(t, d["dir"])
	assert.Equal(t, "3", d["b.txt"].Hash)
	assert.Equal(t, []string{"3", "4"}, d.Hashes())
	assert.Equal(t, to, from.Apply(d))
	assert.True(t, Diff(to, to).Empty())
}

func TestRestore_RollsBackChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "original")
	writeFile(t, root, "src/app.go", "package app")
	require.NoError(t, os.Chmod(filepath.Join(root, "src/app.go"), 0o600))
	writeFile(t, root, ".git/config", "untouched")

	before, err := Scan(root, DefaultExclude)
	require.NoError(t, err)
	blobs := map[string][]byte{}
	blobStore(t, root, before, blobs)

	// Mutate: edit, delete, add files and dirs, chmod.
	writeFile(t, root, "keep.txt", "changed")
	require.NoError(t, os.Remove(filepath.Join(root, "src/app.go")))
	writeFile(t, root, "new/deep/file.txt", "new")
	require.NoError(t, os.Mkdir(filepath.Join(root, "emptydir"), 0o755))
	writeFile(t, root, ".git/config", "still untouched by restore")

	require.NoError(t, Restore(root, before, source(blobs), DefaultExclude))

	after, err := Scan(root, DefaultExclude)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	data, err := os.ReadFile(filepath.Join(root, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	info, err := os.Stat(filepath.Join(root, "src/app.go"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.NoDirExists(t, filepath.Join(root, "new"))
	assert.NoDirExists(t, filepath.Join(root, "emptydir"))

	git, err := os.ReadFile(filepath.Join(root, ".git/config"))
	require.NoError(t, err)
	assert.Equal(t, "still untouched by restore", string(git))

	// Idempotent.
	require.NoError(t, Restore(root, before, source(blobs), DefaultExclude))
	again, err := Scan(root, DefaultExclude)
	require.NoError(t, err)
	assert.Equal(t, after, again)
}

func TestRestore_Symlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "v1/readme.md", "one")
	writeFile(t, root, "v2/readme.md", "two")
	require.NoError(t, os.Symlink("v1", filepath.Join(root, "current")))

	before, err := Scan(root, DefaultExclude)
	require.NoError(t, err)
	assert.Equal(t, Entry{Link: "v1"}, before["current"])
	assert.NotContains(t, before, "current/readme.md")
	blobs := map[string][]byte{}
	blobStore(t, root, before, blobs)

	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(root, "leak")))
	require.NoError(t, os.Remove(filepath.Join(root, "current")))
	require.NoError(t, os.Symlink("v2", filepath.Join(root, "current")))
	require.NoError(t, os.Remove(filepath.Join(root, "v1/readme.md")))
	require.NoError(t, os.Symlink("../v2/readme.md", filepath.Join(root, "v1/readme.md")))

	require.NoError(t, Restore(root, before, source(blobs), DefaultExclude))

	_, err = os.Lstat(filepath.Join(root, "leak"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	target, err := os.Readlink(filepath.Join(root, "current"))
	require.NoError(t, err)
	assert.Equal(t, "v1", target)
	info, err := os.Lstat(filepath.Join(root, "v1/readme.md"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	after, err := Scan(root, DefaultExclude)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "two", string(blobs[after["v2/readme.md"].Hash]))
}

func TestRestore_DetectsBadBlob(t *testing.T) {
	root := t.TempDir()
	target := Manifest{"a.txt": {Hash: HashBytes([]byte("good")), Mode: 0o644}}
	err := Restore(root, target, func(string) ([]byte, error) { return []byte("evil"), nil }, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
}
