package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"stash/internal/common"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
)

const (
	// TempPrefix starts the name of every temporary upload file.
	TempPrefix = "upload-"

	DefaultBufferSize = 32 * 1024
)

// TempFile describes bytes that have landed in the temporary directory but
// have not been relocated into durable storage yet.
type TempFile struct {
	Path string
	Size int64
	// Hash is the hex SHA-256 of exactly the bytes written to Path.
	Hash string
}

// Persister lands upload streams in a temporary directory, hashing them as
// they are written, and later relocates them into their final location.
type Persister struct {
	tempDir    string
	maxSize    int64
	bufferSize int
}

type PersisterOption func(*Persister)

// WithMaxSize rejects streams longer than n bytes. Zero disables the limit.
func WithMaxSize(n int64) PersisterOption {
	return func(p *Persister) {
		p.maxSize = n
	}
}

// WithBufferSize sets the size of the single copy buffer used per upload.
func WithBufferSize(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// NewPersister creates tempDir if needed and returns a Persister writing into
// it. Calling it repeatedly with the same directory is harmless.
func NewPersister(tempDir string, opts ...PersisterOption) (*Persister, error) {
	if tempDir == "" {
		return nil, fmt.Errorf("temp dir must not be empty")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	p := &Persister{
		tempDir:    tempDir,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TempDir returns the directory temporary uploads are written to.
func (p *Persister) TempDir() string {
	return p.tempDir
}

// PersistBytes lands an in-memory buffer.
func (p *Persister) PersistBytes(ctx context.Context, data []byte) (*TempFile, error) {
	return p.Persist(ctx, bytes.NewReader(data))
}

// Persist copies src into a new temporary file. The copy holds one buffer and
// only reads the next chunk after the previous one reached the file, so a fast
// producer is throttled to the speed of the disk.
//
// Any failure (source error, sink error, cancellation, size limit) removes the
// partial file before returning.
func (p *Persister) Persist(ctx context.Context, src io.Reader) (tf *TempFile, err error) {
	tempPath := filepath.Join(p.tempDir, TempPrefix+ulid.Make().String())

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, common.Wrap(common.ErrIO, err, "create temp file")
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			tf, err = nil, common.Wrap(common.ErrIO, closeErr, "close temp file")
		}
		if err != nil {
			p.Discard(tempPath)
		}
	}()

	h := sha256.New()
	size, err := p.copy(ctx, f, h, src)
	if err != nil {
		slog.Debug("Upload stream aborted", "path", tempPath, "written", humanize.IBytes(uint64(size)), "err", err)
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, common.Wrap(common.ErrIO, err, "sync temp file")
	}

	slog.Debug("Upload stream landed", "path", tempPath, "size", humanize.IBytes(uint64(size)))
	return &TempFile{
		Path: tempPath,
		Size: size,
		Hash: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (p *Persister) copy(ctx context.Context, f *os.File, h hash.Hash, src io.Reader) (int64, error) {
	buf := make([]byte, p.bufferSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, common.Wrap(common.ErrIO, err, "upload cancelled")
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if p.maxSize > 0 && written+int64(n) > p.maxSize {
				return written, common.Errorf(common.ErrEntityTooLarge, "upload exceeds maximum size of %s", humanize.IBytes(uint64(p.maxSize)))
			}

			wn, writeErr := f.Write(buf[:n])
			if writeErr == nil && wn != n {
				writeErr = io.ErrShortWrite
			}
			// Only bytes that reached the file are hashed.
			h.Write(buf[:wn])
			written += int64(wn)
			if writeErr != nil {
				return written, common.Wrap(common.ErrIO, writeErr, "write temp file")
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, common.Wrap(common.ErrIO, readErr, "read upload stream")
		}
	}
}

// Relocate moves tempPath to finalPath. See the package level Relocate.
func (p *Persister) Relocate(tempPath, finalPath string) error {
	return Relocate(tempPath, finalPath)
}

// Discard removes a temporary file. Missing files are ignored.
func (p *Persister) Discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove temp upload file", "path", path, "err", err)
	}
}

// HashFile computes the hex SHA-256 of the file at path in a separate pass.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", common.Wrap(common.ErrIO, err, "open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", common.Wrap(common.ErrIO, err, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
