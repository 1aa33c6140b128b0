package storage

import (
	"os"
	"path/filepath"
	"strings"

	"stash/internal/common"
)

// LocalFileStorage lays objects out on the local filesystem. Every bucket is a
// directory under dataDir and every object key is a relative path inside its
// bucket, so an object lives at <dataDir>/<bucket>/<key>.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates dataDir if needed and returns a LocalFileStorage
// rooted there.
func NewLocalFileStorage(dataDir string) (*LocalFileStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, common.Wrap(common.ErrIO, err, "create storage dir")
	}
	return &LocalFileStorage{dataDir: dataDir}, nil
}

// validBucket accepts a single visible path segment. Dot-prefixed names are
// reserved for the temporary upload directory.
func validBucket(bucket string) bool {
	return common.ValidKey(bucket) && !strings.ContainsAny(bucket, "/") && !strings.HasPrefix(bucket, ".")
}

// ObjectPath computes the full filesystem path for key within bucket. Bucket
// names are a single path segment; keys may contain '/' but must stay inside
// the bucket.
func (s *LocalFileStorage) ObjectPath(bucket string, key string) (string, error) {
	if !validBucket(bucket) {
		return "", common.Errorf(common.ErrInvalidPath, "invalid bucket name %q", bucket)
	}
	if !common.ValidKey(key) {
		return "", common.Errorf(common.ErrInvalidPath, "invalid object key %q", key)
	}

	bucketDir := filepath.Join(s.dataDir, bucket)
	objPath := filepath.Join(bucketDir, filepath.FromSlash(key))

	rel, err := filepath.Rel(bucketDir, objPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", common.Errorf(common.ErrInvalidPath, "object key %q escapes bucket", key)
	}
	return objPath, nil
}

// PutObjectFromFile moves the payload at tempPath into place as bucket/key,
// replacing any previous object with the same key. It returns the final path.
func (s *LocalFileStorage) PutObjectFromFile(bucket string, key string, tempPath string) (string, error) {
	objPath, err := s.ObjectPath(bucket, key)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(objPath); err == nil && info.IsDir() {
		return "", common.Errorf(common.ErrInvalidPath, "object key %q names a directory", key)
	}

	if err := Relocate(tempPath, objPath); err != nil {
		return "", err
	}
	return objPath, nil
}

// OpenObject opens bucket/key for reading. The caller owns the returned file.
func (s *LocalFileStorage) OpenObject(bucket string, key string) (*os.File, os.FileInfo, error) {
	objPath, err := s.ObjectPath(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, common.Errorf(common.ErrNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, nil, common.Wrap(common.ErrIO, err, "open object")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, common.Wrap(common.ErrIO, err, "stat object")
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, common.Errorf(common.ErrNotFound, "object %s/%s not found", bucket, key)
	}
	return f, info, nil
}

// StatObject reports the size of bucket/key without opening it.
func (s *LocalFileStorage) StatObject(bucket string, key string) (os.FileInfo, error) {
	objPath, err := s.ObjectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.Errorf(common.ErrNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, common.Wrap(common.ErrIO, err, "stat object")
	}
	if !info.Mode().IsRegular() {
		return nil, common.Errorf(common.ErrNotFound, "object %s/%s not found", bucket, key)
	}
	return info, nil
}
