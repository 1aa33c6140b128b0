package storage_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"stash/internal/common"
	"stash/internal/storage"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPersister(t *testing.T, opts ...storage.PersisterOption) (*storage.Persister, string) {
	t.Helper()

	tempDir := filepath.Join(t.TempDir(), "tmp")
	p, err := storage.NewPersister(tempDir, opts...)
	require.NoError(t, err, "NewPersister error")
	return p, tempDir
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "expected %s to be empty", dir)
}

// failingReader yields n bytes and then fails.
type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), r.remaining)
	for i := range n {
		p[i] = 'x'
	}
	r.remaining -= n
	return n, nil
}

func TestPersistHashesWhatItWrites(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t, storage.WithBufferSize(7))
	data := bytes.Repeat([]byte("stream me "), 1000)

	tf, err := p.Persist(t.Context(), bytes.NewReader(data))
	require.NoError(t, err, "Persist error")

	require.Equal(t, int64(len(data)), tf.Size)
	require.Equal(t, sha256Hex(data), tf.Hash)
	require.Equal(t, tempDir, filepath.Dir(tf.Path))
	require.True(t, strings.HasPrefix(filepath.Base(tf.Path), storage.TempPrefix))

	onDisk, err := os.ReadFile(tf.Path)
	require.NoError(t, err)
	require.Equal(t, data, onDisk)

	rehashed, err := storage.HashFile(tf.Path)
	require.NoError(t, err)
	require.Equal(t, tf.Hash, rehashed)
}

func TestPersistEmptyStream(t *testing.T) {
	t.Parallel()

	p, _ := newPersister(t)

	tf, err := p.PersistBytes(t.Context(), nil)
	require.NoError(t, err)
	require.Zero(t, tf.Size)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", tf.Hash)
}

func TestPersistUsesDistinctNames(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t)

	a, err := p.PersistBytes(t.Context(), []byte("same"))
	require.NoError(t, err)
	b, err := p.PersistBytes(t.Context(), []byte("same"))
	require.NoError(t, err)

	require.NotEqual(t, a.Path, b.Path)
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestPersistSourceFailureRemovesTempFile(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t, storage.WithBufferSize(16))

	_, err := p.Persist(t.Context(), &failingReader{remaining: 100})
	require.ErrorIs(t, err, common.ErrIO)
	requireEmptyDir(t, tempDir)
}

func TestPersistCancelledRemovesTempFile(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := p.Persist(ctx, strings.NewReader("never written"))
	require.ErrorIs(t, err, common.ErrIO)
	require.ErrorIs(t, err, context.Canceled)
	requireEmptyDir(t, tempDir)
}

func TestPersistRespectsMaxSize(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t, storage.WithMaxSize(10), storage.WithBufferSize(4))

	_, err := p.PersistBytes(t.Context(), []byte("01234567890"))
	require.ErrorIs(t, err, common.ErrEntityTooLarge)
	requireEmptyDir(t, tempDir)

	tf, err := p.PersistBytes(t.Context(), []byte("0123456789"))
	require.NoError(t, err, "exactly max size should be accepted")
	require.Equal(t, int64(10), tf.Size)
}

func TestRelocateCreatesParents(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t)
	tf, err := p.PersistBytes(t.Context(), []byte("payload"))
	require.NoError(t, err)

	final := filepath.Join(t.TempDir(), "bucket", "a", "b", "object")
	require.NoError(t, p.Relocate(tf.Path, final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
	requireEmptyDir(t, tempDir)
}

func TestRelocateMissingSource(t *testing.T) {
	t.Parallel()

	p, _ := newPersister(t)

	err := p.Relocate(filepath.Join(p.TempDir(), "upload-missing"), filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, common.ErrIO)
}

func TestDiscardIgnoresMissingFile(t *testing.T) {
	t.Parallel()

	p, tempDir := newPersister(t)
	tf, err := p.PersistBytes(t.Context(), []byte("bye"))
	require.NoError(t, err)

	p.Discard(tf.Path)
	p.Discard(tf.Path)
	requireEmptyDir(t, tempDir)
}

func TestNewPersisterIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "tmp")
	_, err := storage.NewPersister(dir)
	require.NoError(t, err)
	_, err = storage.NewPersister(dir)
	require.NoError(t, err)

	_, err = storage.NewPersister("")
	require.Error(t, err)
}

func TestReaperSweepsOnlyStaleUploads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()

	stale := filepath.Join(dir, storage.TempPrefix+"stale")
	fresh := filepath.Join(dir, storage.TempPrefix+"fresh")
	other := filepath.Join(dir, "keep-me")
	for _, path := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	}
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	reaper := storage.NewReaper(dir, time.Hour, storage.WithReaperClock(func() time.Time { return now }))
	removed, freed, err := reaper.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, int64(5), freed)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale upload should be removed")
	_, err = os.Stat(fresh)
	require.NoError(t, err, "fresh upload should survive")
	_, err = os.Stat(other)
	require.NoError(t, err, "unrelated files should survive")
}

func TestReaperMissingDir(t *testing.T) {
	t.Parallel()

	reaper := storage.NewReaper(filepath.Join(t.TempDir(), "absent"), time.Hour)
	removed, _, err := reaper.Sweep(t.Context())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- storage.NewReaper(t.TempDir(), time.Hour).Run(ctx, time.Millisecond)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

var _ io.Reader = (*failingReader)(nil)
