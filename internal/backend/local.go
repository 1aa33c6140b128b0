package backend

import (
	"context"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"stash/internal/metadata"
	"stash/internal/storage"
	"stash/internal/token"
)

// Local keeps objects on the local filesystem below a storage root. The
// gateway itself serves the upload and read URLs it hands out.
type Local struct {
	*protocol
	files *storage.LocalFileStorage
}

// NewLocal creates the storage and temporary directories if they do not exist
// and returns a ready backend. Without WithTempDir uploads land in a hidden
// directory inside storageDir so relocation is a plain rename.
func NewLocal(storageDir string, codec *token.Codec, opts ...Option) (*Local, error) {
	cfg := newConfig(opts...)
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(storageDir, ".uploads")
	}

	files, err := storage.NewLocalFileStorage(storageDir)
	if err != nil {
		return nil, err
	}

	l := &Local{files: files}
	if l.protocol, err = newProtocol(codec, cfg, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Local) put(_ context.Context, bucket, path string, file *UploadedFile) error {
	_, err := l.files.PutObjectFromFile(bucket, path, file.Path)
	return err
}

func (l *Local) Read(ctx context.Context, bucket, path string) (*Object, error) {
	if err := checkDestination(bucket, path); err != nil {
		return nil, err
	}

	f, info, err := l.files.OpenObject(bucket, path)
	if err != nil {
		return nil, err
	}

	contentType, err := metadata.Detect(f.Name())
	if err != nil {
		contentType = "application/octet-stream"
	}

	return &Object{
		Body:        f,
		Size:        info.Size(),
		ContentType: contentType,
		ModTime:     info.ModTime(),
	}, nil
}

// GetObjectMeta needs the completion record left by Upload: the filesystem
// does not remember declared content types.
func (l *Local) GetObjectMeta(ctx context.Context, bucket, path, tok string) (*StoredObjectMeta, error) {
	record, err := l.completed(ctx, tok, bucket, path)
	if err != nil {
		return nil, err
	}

	if _, err := l.files.StatObject(bucket, path); err != nil {
		return nil, err
	}

	previewURL, err := l.GetPreviewURL(ctx, bucket, path, 0, nil)
	if err != nil {
		return nil, err
	}

	meta := &StoredObjectMeta{
		Hash:     record.Hash,
		Mimetype: record.Mimetype,
		Size:     record.Size,
		URL:      previewURL,
	}

	if metadata.IsImage(record.Mimetype) {
		objPath, err := l.files.ObjectPath(bucket, path)
		if err != nil {
			return nil, err
		}

		info, err := l.cfg.Extractor.Probe(ctx, objPath, record.Mimetype)
		if err != nil {
			slog.Warn("Image metadata unavailable", "bucket", bucket, "path", path, "err", err)
		} else {
			meta.Width, meta.Height = info.Width, info.Height
		}
	}

	return meta, nil
}

// GetPreviewURL points at the gateway's read endpoint. A Content-Disposition
// header is echoed as a query parameter for readability; only the copy sealed
// in the token is applied.
func (l *Local) GetPreviewURL(_ context.Context, bucket, path string, expiresIn time.Duration, headers map[string]string) (string, error) {
	if err := checkDestination(bucket, path); err != nil {
		return "", err
	}

	tok, err := l.signReadToken(bucket, path, expiresIn, headers)
	if err != nil {
		return "", err
	}

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	var b strings.Builder
	b.WriteString(l.cfg.BaseURL)
	b.WriteString("/read/")
	b.WriteString(url.PathEscape(bucket))
	b.WriteString("/")
	b.WriteString(strings.Join(segments, "/"))
	b.WriteString("?token=")
	b.WriteString(url.QueryEscape(tok))
	if disposition, ok := headerValue(headers, "Content-Disposition"); ok {
		b.WriteString("&response-content-disposition=")
		b.WriteString(url.QueryEscape(disposition))
	}
	return b.String(), nil
}

var _ Backend = (*Local)(nil)
