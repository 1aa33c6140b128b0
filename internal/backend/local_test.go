package backend_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"stash/internal/backend"
	"stash/internal/common"
	"stash/internal/storage"
	"stash/internal/token"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://stash.test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCodec(t *testing.T) *token.Codec {
	t.Helper()

	codec, err := token.NewCodec("backend-test-secret", token.WithKeyParams(token.KeyParams{
		Salt:    "backend-test",
		Time:    1,
		Memory:  8 * 1024,
		Threads: 1,
	}))
	require.NoError(t, err, "NewCodec error")
	return codec
}

// newLocal returns a Local backend on fresh directories. The backend clock is
// fake while the caches keep real time, so an entry can be past its deadline
// yet still cached.
func newLocal(t *testing.T, clock *fakeClock, opts ...backend.Option) (*backend.Local, string) {
	t.Helper()

	storageDir := filepath.Join(t.TempDir(), "storage")
	opts = append([]backend.Option{
		backend.WithBaseURL(testBaseURL + "/"),
		backend.WithClock(clock.Now),
	}, opts...)

	local, err := backend.NewLocal(storageDir, newCodec(t), opts...)
	require.NoError(t, err, "NewLocal error")
	return local, storageDir
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// pngOfSize encodes a w x h PNG and pads it with zeros to exactly size bytes.
func pngOfSize(t *testing.T, w, h, size int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.LessOrEqual(t, buf.Len(), size, "encoded png larger than requested size")
	return append(buf.Bytes(), make([]byte, size-buf.Len())...)
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "expected %s to be empty", dir)
}

func requireNoBucket(t *testing.T, storageDir, bucket string) {
	t.Helper()

	_, err := os.Stat(filepath.Join(storageDir, bucket))
	require.True(t, os.IsNotExist(err), "nothing should have been stored in %s", bucket)
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, errors.New("client went away")
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	return n, nil
}

func TestLocalImageUploadScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	local, storageDir := newLocal(t, clock)
	data := pngOfSize(t, 16, 8, 1024)

	presigned, err := local.Presign(t.Context(), "avatars", "users/42", backend.PresignRequest{
		ContentType:   "image/png",
		ContentLength: 1024,
		ExpiresIn:     60,
	})
	require.NoError(t, err, "Presign error")

	require.Len(t, presigned.Token, 32)
	_, err = hex.DecodeString(presigned.Token)
	require.NoError(t, err, "token should be hex")
	require.Equal(t, "users/42/"+presigned.Token, presigned.Path)
	require.Equal(t, testBaseURL+"/api/upload/"+presigned.Token, presigned.URL)
	require.Equal(t, "PUT", presigned.UploadMethod)
	require.Equal(t, backend.RequestHeaders{ContentType: "image/png", ContentLength: 1024}, presigned.RequestHeaders)

	clock.Advance(30 * time.Second)

	result, err := local.Upload(t.Context(), presigned.Token, bytes.NewReader(data), "image/png")
	require.NoError(t, err, "Upload error")
	require.Len(t, result.Hash, 64)
	require.Equal(t, sha256Hex(data), result.Hash)
	require.Equal(t, presigned.Path, result.Path)

	stored := filepath.Join(storageDir, "avatars", "users", "42", presigned.Token)
	rehashed, err := storage.HashFile(stored)
	require.NoError(t, err)
	require.Equal(t, result.Hash, rehashed, "hash must match the stored bytes")
	requireEmptyDir(t, local.TempDir())

	meta, err := local.GetObjectMeta(t.Context(), "avatars", result.Path, presigned.Token)
	require.NoError(t, err, "GetObjectMeta error")
	require.Equal(t, result.Hash, meta.Hash)
	require.Equal(t, "image/png", meta.Mimetype)
	require.Equal(t, int64(1024), meta.Size)
	require.Equal(t, 16, meta.Width)
	require.Equal(t, 8, meta.Height)
	require.True(t, strings.HasPrefix(meta.URL, testBaseURL+"/read/avatars/users/42/"+presigned.Token+"?token="), "unexpected url %s", meta.URL)

	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(data), "image/png")
	require.ErrorIs(t, err, common.ErrInvalidToken, "a token authorizes one upload")
	requireEmptyDir(t, local.TempDir())
}

func TestLocalUploadAfterExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	local, storageDir := newLocal(t, clock)

	presigned, err := local.Presign(t.Context(), "avatars", "", backend.PresignRequest{
		ContentType:   "image/png",
		ContentLength: 1024,
		ExpiresIn:     60,
	})
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(pngOfSize(t, 4, 4, 1024)), "image/png")
	require.ErrorIs(t, err, common.ErrTokenExpired)
	requireNoBucket(t, storageDir, "avatars")
	requireEmptyDir(t, local.TempDir())
}

func TestLocalValidateTokenChecksDeadlineBeforeEviction(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	local, _ := newLocal(t, clock)

	presigned, err := local.Presign(t.Context(), "docs", "", backend.PresignRequest{ContentLength: 3, ExpiresIn: 60})
	require.NoError(t, err)

	file := &backend.UploadedFile{Size: 3}

	entry, err := local.ValidateToken(t.Context(), presigned.Token, file)
	require.NoError(t, err)
	require.Equal(t, presigned.Path, entry.Path)

	// The real clock driving the cache has not moved, so the entry is still
	// cached. Only the deadline check can reject it.
	clock.Advance(61 * time.Second)
	_, err = local.ValidateToken(t.Context(), presigned.Token, file)
	require.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestLocalUploadContractViolations(t *testing.T) {
	t.Parallel()

	other := sha256Hex([]byte("something else"))

	tests := []struct {
		name    string
		req     backend.PresignRequest
		body    []byte
		mime    string
		wantErr error
	}{
		{
			name:    "size",
			req:     backend.PresignRequest{ContentType: "text/plain", ContentLength: 10},
			body:    []byte("eleven byte"),
			mime:    "text/plain",
			wantErr: common.ErrSizeMismatch,
		},
		{
			name:    "type",
			req:     backend.PresignRequest{ContentType: "image/png", ContentLength: 5},
			body:    []byte("hello"),
			mime:    "text/plain",
			wantErr: common.ErrTypeMismatch,
		},
		{
			name:    "hash",
			req:     backend.PresignRequest{ContentType: "text/plain", ContentLength: 5, Hash: other},
			body:    []byte("hello"),
			mime:    "text/plain",
			wantErr: common.ErrHashMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			local, storageDir := newLocal(t, newFakeClock())

			presigned, err := local.Presign(t.Context(), "inbox", "", tc.req)
			require.NoError(t, err)

			_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(tc.body), tc.mime)
			require.ErrorIs(t, err, tc.wantErr)
			requireNoBucket(t, storageDir, "inbox")
			requireEmptyDir(t, local.TempDir())
		})
	}
}

func TestLocalUploadIgnoresMediaTypeParameters(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())

	presigned, err := local.Presign(t.Context(), "inbox", "", backend.PresignRequest{ContentType: "text/plain", ContentLength: 5})
	require.NoError(t, err)

	_, err = local.Upload(t.Context(), presigned.Token, strings.NewReader("hello"), "Text/Plain; charset=utf-8")
	require.NoError(t, err)
}

func TestLocalUploadWithPresignedHash(t *testing.T) {
	t.Parallel()

	local, storageDir := newLocal(t, newFakeClock())
	data := []byte("content addressed")
	hash := sha256Hex(data)

	presigned, err := local.Presign(t.Context(), "blobs", "sha", backend.PresignRequest{
		ContentLength: int64(len(data)),
		Hash:          strings.ToUpper(hash),
	})
	require.NoError(t, err)
	require.Equal(t, "sha/"+hash, presigned.Path)

	result, err := local.Upload(t.Context(), presigned.Token, bytes.NewReader(data), "")
	require.NoError(t, err)
	require.Equal(t, hash, result.Hash)

	_, err = os.Stat(filepath.Join(storageDir, "blobs", "sha", hash))
	require.NoError(t, err)
}

func TestLocalUploadUnknownToken(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())

	_, err := local.Upload(t.Context(), "0123456789abcdef0123456789abcdef", strings.NewReader("x"), "text/plain")
	require.ErrorIs(t, err, common.ErrInvalidToken)

	_, err = local.ValidateToken(t.Context(), "", &backend.UploadedFile{})
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestLocalUploadStreamFailureLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	local, storageDir := newLocal(t, newFakeClock())

	presigned, err := local.Presign(t.Context(), "inbox", "", backend.PresignRequest{ContentLength: 1 << 20})
	require.NoError(t, err)

	_, err = local.Upload(t.Context(), presigned.Token, &failingReader{remaining: 64 * 1024}, "application/octet-stream")
	require.ErrorIs(t, err, common.ErrIO)
	requireEmptyDir(t, local.TempDir())
	requireNoBucket(t, storageDir, "inbox")

	// The presign was not consumed; a retry with the full body succeeds.
	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(make([]byte, 1<<20)), "application/octet-stream")
	require.NoError(t, err)
}

func TestLocalPresignRejectsBadRequests(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock(), backend.WithMaxUploadSize(1024))

	tests := []struct {
		name      string
		bucket    string
		directory string
		req       backend.PresignRequest
		wantErr   error
	}{
		{"bad bucket", "No_Such", "", backend.PresignRequest{ContentLength: 1}, common.ErrInvalidPath},
		{"traversal", "docs", "../etc", backend.PresignRequest{ContentLength: 1}, common.ErrInvalidPath},
		{"negative length", "docs", "", backend.PresignRequest{ContentLength: -1}, common.ErrInvalidRequest},
		{"negative expiry", "docs", "", backend.PresignRequest{ContentLength: 1, ExpiresIn: -5}, common.ErrInvalidRequest},
		{"bad hash", "docs", "", backend.PresignRequest{ContentLength: 1, Hash: "abc"}, common.ErrInvalidRequest},
		{"too large", "docs", "", backend.PresignRequest{ContentLength: 2048}, common.ErrEntityTooLarge},
		{"beyond max expiry", "docs", "", backend.PresignRequest{ContentLength: 1, ExpiresIn: 48 * 3600}, common.ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := local.Presign(t.Context(), tc.bucket, tc.directory, tc.req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLocalLongLivedPresign(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	local, storageDir := newLocal(t, clock, backend.WithMaxTokenExpiry(72*time.Hour))
	content := []byte("weekend batch")

	presigned, err := local.Presign(t.Context(), "batches", "", backend.PresignRequest{
		ContentLength: int64(len(content)),
		ExpiresIn:     48 * 3600,
	})
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	result, err := local.Upload(t.Context(), presigned.Token, bytes.NewReader(content), "text/plain")
	require.NoError(t, err)
	stored, err := os.ReadFile(filepath.Join(storageDir, "batches", result.Path))
	require.NoError(t, err)
	require.Equal(t, content, stored)
}

// gatedReader blocks its first Read until release is closed.
type gatedReader struct {
	r       io.Reader
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.r.Read(p)
}

func TestLocalConcurrentUploadsShareOneToken(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())
	content := []byte("only once")

	presigned, err := local.Presign(t.Context(), "inbox", "", backend.PresignRequest{
		ContentLength: int64(len(content)),
		ExpiresIn:     60,
	})
	require.NoError(t, err)

	gated := &gatedReader{
		r:       bytes.NewReader(content),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() {
		_, err := local.Upload(t.Context(), presigned.Token, gated, "text/plain")
		done <- err
	}()
	<-gated.started

	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(content), "text/plain")
	require.ErrorIs(t, err, common.ErrInvalidToken)

	close(gated.release)
	require.NoError(t, <-done)

	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(content), "text/plain")
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestLocalUploadExceedingMaxSize(t *testing.T) {
	t.Parallel()

	local, storageDir := newLocal(t, newFakeClock(), backend.WithMaxUploadSize(8))

	// An unconstrained presign still cannot exceed the global limit.
	presigned, err := local.Presign(t.Context(), "inbox", "", backend.PresignRequest{})
	require.NoError(t, err)

	_, err = local.Upload(t.Context(), presigned.Token, strings.NewReader("way more than eight bytes"), "text/plain")
	require.ErrorIs(t, err, common.ErrEntityTooLarge)
	requireEmptyDir(t, local.TempDir())
	requireNoBucket(t, storageDir, "inbox")
}

func TestLocalPresignTokensAreUnique(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())

	seen := map[string]bool{}
	for range 50 {
		presigned, err := local.Presign(t.Context(), "docs", "", backend.PresignRequest{ContentLength: 1})
		require.NoError(t, err)
		require.False(t, seen[presigned.Token], "duplicate token %s", presigned.Token)
		seen[presigned.Token] = true
	}
}

func TestLocalSaveAndRead(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())
	data := []byte("plain text document\n")

	result, err := local.Save(t.Context(), "docs", "notes/readme.txt", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, sha256Hex(data), result.Hash)
	require.Equal(t, "notes/readme.txt", result.Path)
	requireEmptyDir(t, local.TempDir())

	obj, err := local.Read(t.Context(), "docs", "notes/readme.txt")
	require.NoError(t, err)
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), obj.Size)
	require.True(t, strings.HasPrefix(obj.ContentType, "text/plain"), "unexpected content type %s", obj.ContentType)

	_, err = local.Read(t.Context(), "docs", "notes/missing.txt")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestLocalUploadFile(t *testing.T) {
	t.Parallel()

	local, storageDir := newLocal(t, newFakeClock())
	data := []byte("already landed")

	tempPath := filepath.Join(local.TempDir(), storage.TempPrefix+"manual")
	require.NoError(t, os.WriteFile(tempPath, data, 0o644))

	result, err := local.UploadFile(t.Context(), "docs", "by-hash", &backend.UploadedFile{
		Path:     tempPath,
		Size:     int64(len(data)),
		Mimetype: "text/plain",
	})
	require.NoError(t, err)

	hash := sha256Hex(data)
	require.Equal(t, hash, result.Hash)
	require.Equal(t, "by-hash/"+hash, result.Path)
	requireEmptyDir(t, local.TempDir())

	got, err := os.ReadFile(filepath.Join(storageDir, "docs", "by-hash", hash))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestLocalUploadFileWithPathRejectsBadPath(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())

	tempPath := filepath.Join(local.TempDir(), storage.TempPrefix+"manual")
	require.NoError(t, os.WriteFile(tempPath, []byte("x"), 0o644))

	_, err := local.UploadFileWithPath(t.Context(), "docs", "../../escape", &backend.UploadedFile{Path: tempPath})
	require.ErrorIs(t, err, common.ErrInvalidPath)
	requireEmptyDir(t, local.TempDir())
}

func TestLocalGetObjectMetaRequiresCompletedUpload(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())

	presigned, err := local.Presign(t.Context(), "docs", "", backend.PresignRequest{ContentType: "application/pdf", ContentLength: 4})
	require.NoError(t, err)

	// Presigned but not uploaded yet.
	_, err = local.GetObjectMeta(t.Context(), "docs", presigned.Path, presigned.Token)
	require.ErrorIs(t, err, common.ErrInvalidToken)

	_, err = local.Upload(t.Context(), presigned.Token, strings.NewReader("%PDF"), "application/pdf")
	require.NoError(t, err)

	_, err = local.GetObjectMeta(t.Context(), "docs", "someone/else", presigned.Token)
	require.ErrorIs(t, err, common.ErrInvalidToken)

	meta, err := local.GetObjectMeta(t.Context(), "docs", presigned.Path, presigned.Token)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", meta.Mimetype)
	require.Zero(t, meta.Width)
	require.Zero(t, meta.Height)
}

func TestLocalGetObjectMetaSwallowsExtractionFailure(t *testing.T) {
	t.Parallel()

	local, _ := newLocal(t, newFakeClock())
	data := []byte("not really a png")

	presigned, err := local.Presign(t.Context(), "avatars", "", backend.PresignRequest{ContentType: "image/png", ContentLength: int64(len(data))})
	require.NoError(t, err)
	_, err = local.Upload(t.Context(), presigned.Token, bytes.NewReader(data), "image/png")
	require.NoError(t, err)

	meta, err := local.GetObjectMeta(t.Context(), "avatars", presigned.Path, presigned.Token)
	require.NoError(t, err, "extraction failures must not fail the lookup")
	require.Equal(t, "image/png", meta.Mimetype)
	require.Zero(t, meta.Width)
}

func TestNewLocalIsIdempotent(t *testing.T) {
	t.Parallel()

	storageDir := filepath.Join(t.TempDir(), "storage")
	tempDir := filepath.Join(t.TempDir(), "tmp")

	for range 2 {
		local, err := backend.NewLocal(storageDir, newCodec(t), backend.WithTempDir(tempDir))
		require.NoError(t, err)
		require.Equal(t, tempDir, local.TempDir())
	}

	_, err := backend.NewLocal(storageDir, nil)
	require.Error(t, err, "a codec is required")
}
