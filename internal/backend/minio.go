package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stash/internal/common"
	"stash/internal/metadata"
	"stash/internal/token"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 limits presigned URLs to one week.
const maxPresignExpiry = 7 * 24 * time.Hour

// Response header overrides S3 honours on presigned GETs.
var presignableHeaders = map[string]string{
	"cache-control":       "response-cache-control",
	"content-disposition": "response-content-disposition",
	"content-encoding":    "response-content-encoding",
	"content-language":    "response-content-language",
	"content-type":        "response-content-type",
	"expires":             "response-expires",
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
}

// NewMinioClient connects to an S3 compatible endpoint. Setting a region
// avoids a bucket location lookup on every presign.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// Minio stores objects in an S3 compatible object store. Uploads go through
// the gateway, are validated and then streamed on; preview URLs point
// straight at the store.
type Minio struct {
	*protocol
	client *minio.Client
}

// NewMinio returns a backend on top of client. Without WithTempDir uploads
// land in a directory below the system temp dir.
func NewMinio(client *minio.Client, codec *token.Codec, opts ...Option) (*Minio, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client must not be nil")
	}

	cfg := newConfig(opts...)
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "stash-uploads")
	}

	m := &Minio{client: client}
	var err error
	if m.protocol, err = newProtocol(codec, cfg, m); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func (m *Minio) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
		slog.Info("Created bucket", "bucket", bucket)
	}
	return nil
}

// classify maps a minio error onto the error taxonomy.
func classify(err error, bucket, path string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return common.Errorf(common.ErrNotFound, "object %s/%s not found", bucket, path)
	}
	return common.Wrap(common.ErrIO, err, "object store request failed")
}

func clampPresignExpiry(d time.Duration) time.Duration {
	switch {
	case d < time.Second:
		return time.Second
	case d > maxPresignExpiry:
		return maxPresignExpiry
	}
	return d
}

func (m *Minio) put(ctx context.Context, bucket, path string, file *UploadedFile) error {
	opts := minio.PutObjectOptions{
		ContentType:  file.Mimetype,
		UserMetadata: map[string]string{"sha256": file.Hash},
	}
	if _, err := m.client.FPutObject(ctx, bucket, path, file.Path, opts); err != nil {
		return classify(err, bucket, path)
	}
	return nil
}

func (m *Minio) Read(ctx context.Context, bucket, path string) (*Object, error) {
	if err := checkDestination(bucket, path); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, bucket, path)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, classify(err, bucket, path)
	}

	return &Object{
		Body:        obj,
		Size:        info.Size,
		ContentType: info.ContentType,
		ModTime:     info.LastModified,
	}, nil
}

// GetObjectMeta needs the completion record left by Upload. Images are
// streamed through the persister once to probe their dimensions.
func (m *Minio) GetObjectMeta(ctx context.Context, bucket, path, tok string) (*StoredObjectMeta, error) {
	record, err := m.completed(ctx, tok, bucket, path)
	if err != nil {
		return nil, err
	}

	if _, err := m.client.StatObject(ctx, bucket, path, minio.StatObjectOptions{}); err != nil {
		return nil, classify(err, bucket, path)
	}

	previewURL, err := m.GetPreviewURL(ctx, bucket, path, 0, nil)
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
		if err := m.probe(ctx, bucket, path, meta); err != nil {
			slog.Warn("Image metadata unavailable", "bucket", bucket, "path", path, "err", err)
		}
	}
	return meta, nil
}

func (m *Minio) probe(ctx context.Context, bucket, path string, meta *StoredObjectMeta) error {
	obj, err := m.Read(ctx, bucket, path)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	tf, err := m.persister.Persist(ctx, obj.Body)
	if err != nil {
		return err
	}
	defer m.persister.Discard(tf.Path)

	info, err := m.cfg.Extractor.Probe(ctx, tf.Path, meta.Mimetype)
	if err != nil {
		return err
	}
	meta.Width, meta.Height = info.Width, info.Height
	return nil
}

// GetPreviewURL returns a native presigned GET. S3 has no non-expiring
// URLs, so a negative expiresIn yields the longest lifetime allowed.
func (m *Minio) GetPreviewURL(ctx context.Context, bucket, path string, expiresIn time.Duration, headers map[string]string) (string, error) {
	if err := checkDestination(bucket, path); err != nil {
		return "", err
	}

	switch {
	case expiresIn < 0:
		expiresIn = maxPresignExpiry
	case expiresIn == 0:
		expiresIn = m.cfg.URLExpiry
	}

	params := url.Values{}
	for name, value := range headers {
		param, ok := presignableHeaders[strings.ToLower(name)]
		if !ok {
			slog.Debug("Dropping response header S3 cannot override", "header", name)
			continue
		}
		params.Set(param, value)
	}

	u, err := m.client.PresignedGetObject(ctx, bucket, path, clampPresignExpiry(expiresIn), params)
	if err != nil {
		return "", classify(err, bucket, path)
	}
	return u.String(), nil
}

var _ Backend = (*Minio)(nil)
