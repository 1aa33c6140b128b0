package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"stash/internal/common"
	"stash/internal/metadata"
	"stash/internal/storage"
	"stash/internal/token"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const maxTokenAttempts = 3

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// objectStore is the variant specific half of a backend: where validated
// bytes end up.
type objectStore interface {
	// put makes file durable as bucket/path. The temporary file may be
	// consumed.
	put(ctx context.Context, bucket, path string, file *UploadedFile) error
}

// protocol holds everything the backend variants share: the presign and
// completion caches, token issuing and checking, and upload orchestration.
// Uploads always come through the gateway so every byte is validated before
// it reaches the store.
type protocol struct {
	cfg       Config
	codec     *token.Codec
	persister *storage.Persister
	store     objectStore
	newID     func() string

	// inflight holds the tokens whose upload is being streamed right now.
	inflight sync.Map
}

func newProtocol(codec *token.Codec, cfg Config, store objectStore) (*protocol, error) {
	if codec == nil {
		return nil, errors.New("token codec must not be nil")
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	persister, err := storage.NewPersister(cfg.TempDir, storage.WithMaxSize(cfg.MaxUploadSize))
	if err != nil {
		return nil, err
	}

	return &protocol{
		cfg:       cfg,
		codec:     codec,
		persister: persister,
		store:     store,
		newID:     newTokenID,
	}, nil
}

// TempDir returns the directory upload streams land in.
func (p *protocol) TempDir() string {
	return p.persister.TempDir()
}

// newTokenID returns 32 random hex characters.
func newTokenID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p *protocol) now() time.Time {
	return p.cfg.Clock()
}

// newToken draws presign tokens until one is not live in either cache.
func (p *protocol) newToken(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		candidate := p.newID()

		_, pending, err := p.cfg.Validations.Get(ctx, candidate)
		if err != nil {
			return "", common.Wrap(common.ErrIO, err, "look up presign token")
		}
		_, completed, err := p.cfg.Completions.Get(ctx, candidate)
		if err != nil {
			return "", common.Wrap(common.ErrIO, err, "look up presign token")
		}

		if !pending && !completed {
			return candidate, nil
		}
		slog.Warn("Presign token collision", "attempt", attempt)
	}
	return "", common.Errorf(common.ErrIO, "could not allocate a unique upload token")
}

func joinPath(directory, name string) string {
	directory = strings.Trim(directory, "/")
	if directory == "" {
		return name
	}
	return directory + "/" + name
}

func checkDestination(bucket, path string) error {
	if !common.ValidBucketName(bucket) {
		return common.Errorf(common.ErrInvalidPath, "invalid bucket name %q", bucket)
	}
	if !common.ValidKey(path) || strings.HasSuffix(path, "/") {
		return common.Errorf(common.ErrInvalidPath, "invalid object path %q", path)
	}
	return nil
}

// Presign validates req, allocates a token and caches the expectation the
// upload will be checked against. The URL points at the gateway's upload
// endpoint.
func (p *protocol) Presign(ctx context.Context, bucket, directory string, req PresignRequest) (*PresignedUpload, error) {
	if req.ContentLength < 0 {
		return nil, common.Errorf(common.ErrInvalidRequest, "content length must not be negative")
	}
	if p.cfg.MaxUploadSize > 0 && req.ContentLength > p.cfg.MaxUploadSize {
		return nil, common.Errorf(common.ErrEntityTooLarge, "content length %s exceeds the maximum upload size of %s",
			humanize.IBytes(uint64(req.ContentLength)), humanize.IBytes(uint64(p.cfg.MaxUploadSize)))
	}
	if req.ExpiresIn < 0 {
		return nil, common.Errorf(common.ErrInvalidRequest, "expiresIn must not be negative")
	}

	hash := strings.ToLower(req.Hash)
	if hash != "" && !sha256Pattern.MatchString(hash) {
		return nil, common.Errorf(common.ErrInvalidRequest, "hash must be a hex encoded SHA-256 digest")
	}

	// Validate the directory before spending a token on it.
	if err := checkDestination(bucket, joinPath(directory, "x")); err != nil {
		return nil, err
	}

	expiresIn := p.cfg.TokenExpiry
	if req.ExpiresIn > 0 {
		expiresIn = time.Duration(req.ExpiresIn) * time.Second
	}
	if expiresIn > p.cfg.MaxTokenExpiry {
		return nil, common.Errorf(common.ErrInvalidRequest, "expiresIn must not exceed %d seconds", int64(p.cfg.MaxTokenExpiry/time.Second))
	}

	tok, err := p.newToken(ctx)
	if err != nil {
		return nil, err
	}

	name := hash
	if name == "" {
		name = tok
	}
	objectPath := joinPath(directory, name)

	entry := ValidationEntry{
		ExpiresDate:   p.now().Add(expiresIn).Unix(),
		ContentLength: req.ContentLength,
		ContentType:   req.ContentType,
		Bucket:        bucket,
		Path:          objectPath,
		Hash:          hash,
	}
	if err := p.cfg.Validations.Set(ctx, tok, entry, expiresIn); err != nil {
		return nil, common.Wrap(common.ErrIO, err, "store presign token")
	}

	slog.Debug("Presigned upload", "bucket", bucket, "path", objectPath, "expires_in", expiresIn)

	return &PresignedUpload{
		Token:        tok,
		Path:         objectPath,
		URL:          p.cfg.BaseURL + "/api/upload/" + tok,
		UploadMethod: UploadMethod,
		RequestHeaders: RequestHeaders{
			ContentType:   req.ContentType,
			ContentLength: req.ContentLength,
		},
	}, nil
}

// lookup returns the live validation entry for tok.
func (p *protocol) lookup(ctx context.Context, tok string) (ValidationEntry, error) {
	if tok == "" {
		return ValidationEntry{}, common.Errorf(common.ErrInvalidToken, "missing upload token")
	}

	entry, ok, err := p.cfg.Validations.Get(ctx, tok)
	if err != nil {
		return ValidationEntry{}, common.Wrap(common.ErrIO, err, "look up upload token")
	}
	if !ok {
		return ValidationEntry{}, common.Errorf(common.ErrInvalidToken, "unknown upload token")
	}

	// The cache may not have evicted the entry yet.
	if p.now().Unix() > entry.ExpiresDate {
		return ValidationEntry{}, common.Errorf(common.ErrTokenExpired, "upload token expired")
	}
	return entry, nil
}

func sameMediaType(a, b string) bool {
	base := func(s string) string {
		mediaType, _, _ := strings.Cut(s, ";")
		return strings.ToLower(strings.TrimSpace(mediaType))
	}
	return base(a) == base(b)
}

func (p *protocol) ValidateToken(ctx context.Context, tok string, file *UploadedFile) (*ValidationEntry, error) {
	entry, err := p.lookup(ctx, tok)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, common.Errorf(common.ErrInvalidRequest, "no uploaded file")
	}

	if entry.ContentLength > 0 && entry.ContentLength != file.Size {
		return nil, common.Errorf(common.ErrSizeMismatch, "expected %d bytes, received %d", entry.ContentLength, file.Size)
	}
	if entry.ContentType != "" && !sameMediaType(entry.ContentType, file.Mimetype) {
		return nil, common.Errorf(common.ErrTypeMismatch, "expected content type %q, received %q", entry.ContentType, file.Mimetype)
	}
	return &entry, nil
}

// completed returns the record Upload left for tok, provided it covers
// bucket/path.
func (p *protocol) completed(ctx context.Context, tok, bucket, path string) (ObjectRecord, error) {
	if tok == "" {
		return ObjectRecord{}, common.Errorf(common.ErrInvalidToken, "missing upload token")
	}

	record, ok, err := p.cfg.Completions.Get(ctx, tok)
	if err != nil {
		return ObjectRecord{}, common.Wrap(common.ErrIO, err, "look up upload record")
	}
	if !ok || record.Bucket != bucket || record.Path != path {
		return ObjectRecord{}, common.Errorf(common.ErrInvalidToken, "no completed upload for this token")
	}
	return record, nil
}

func (p *protocol) Upload(ctx context.Context, tok string, body io.Reader, mimetype string) (*SaveResult, error) {
	// Reject unknown or spent tokens before reading the body.
	if _, err := p.lookup(ctx, tok); err != nil {
		return nil, err
	}
	if _, busy := p.inflight.LoadOrStore(tok, struct{}{}); busy {
		return nil, common.Errorf(common.ErrInvalidToken, "upload token already in use")
	}
	defer p.inflight.Delete(tok)

	if _, used, err := p.cfg.Completions.Get(ctx, tok); err != nil {
		return nil, common.Wrap(common.ErrIO, err, "look up upload record")
	} else if used {
		return nil, common.Errorf(common.ErrInvalidToken, "upload token already used")
	}

	tf, err := p.persister.Persist(ctx, body)
	if err != nil {
		return nil, err
	}
	defer p.persister.Discard(tf.Path)

	if mimetype == "" {
		if detected, err := metadata.Detect(tf.Path); err == nil {
			mimetype = detected
		}
	}

	file := &UploadedFile{Path: tf.Path, Size: tf.Size, Mimetype: mimetype, Hash: tf.Hash}
	entry, err := p.ValidateToken(ctx, tok, file)
	if err != nil {
		slog.Info("Upload rejected", "code", common.Code(err), "err", err)
		return nil, err
	}

	if entry.Hash != "" && entry.Hash != tf.Hash {
		slog.Info("Upload rejected", "code", "HashMismatch", "expected", entry.Hash, "actual", tf.Hash)
		return nil, common.Errorf(common.ErrHashMismatch, "content hash %s does not match the presigned hash", tf.Hash)
	}

	if err := p.store.put(ctx, entry.Bucket, entry.Path, file); err != nil {
		return nil, err
	}

	record := ObjectRecord{
		Bucket:   entry.Bucket,
		Path:     entry.Path,
		Hash:     tf.Hash,
		Mimetype: mimetype,
		Size:     tf.Size,
	}
	if err := p.cfg.Completions.Set(ctx, tok, record, p.cfg.TokenExpiry); err != nil {
		// The object is durable; only the metadata lookup will miss it.
		slog.Error("Record completed upload", "bucket", entry.Bucket, "path", entry.Path, "err", err)
	}

	slog.Info("Upload persisted", "bucket", entry.Bucket, "path", entry.Path, "size", humanize.IBytes(uint64(tf.Size)))
	return &SaveResult{Hash: tf.Hash, Path: entry.Path}, nil
}

func (p *protocol) Save(ctx context.Context, bucket, path string, src io.Reader) (*SaveResult, error) {
	if err := checkDestination(bucket, path); err != nil {
		return nil, err
	}

	tf, err := p.persister.Persist(ctx, src)
	if err != nil {
		return nil, err
	}
	defer p.persister.Discard(tf.Path)

	file := &UploadedFile{Path: tf.Path, Size: tf.Size, Hash: tf.Hash}
	if detected, err := metadata.Detect(tf.Path); err == nil {
		file.Mimetype = detected
	}

	if err := p.store.put(ctx, bucket, path, file); err != nil {
		return nil, err
	}
	return &SaveResult{Hash: tf.Hash, Path: path}, nil
}

// fileHash returns the digest of file, computing it when it is not known yet.
func fileHash(file *UploadedFile) (string, error) {
	if file.Hash != "" {
		return strings.ToLower(file.Hash), nil
	}
	return storage.HashFile(file.Path)
}

func (p *protocol) UploadFile(ctx context.Context, bucket, directory string, file *UploadedFile) (*SaveResult, error) {
	if file == nil || file.Path == "" {
		return nil, common.Errorf(common.ErrInvalidRequest, "no uploaded file")
	}

	hash, err := fileHash(file)
	if err != nil {
		p.persister.Discard(file.Path)
		return nil, err
	}

	hashed := *file
	hashed.Hash = hash
	return p.UploadFileWithPath(ctx, bucket, joinPath(directory, hash), &hashed)
}

func (p *protocol) UploadFileWithPath(ctx context.Context, bucket, path string, file *UploadedFile) (*SaveResult, error) {
	if file == nil || file.Path == "" {
		return nil, common.Errorf(common.ErrInvalidRequest, "no uploaded file")
	}
	defer p.persister.Discard(file.Path)

	if err := checkDestination(bucket, path); err != nil {
		return nil, err
	}

	hash, err := fileHash(file)
	if err != nil {
		return nil, err
	}

	hashed := *file
	hashed.Hash = hash
	if err := p.store.put(ctx, bucket, path, &hashed); err != nil {
		return nil, err
	}
	return &SaveResult{Hash: hash, Path: path}, nil
}

// readExpiry converts a requested lifetime to an absolute deadline.
func (p *protocol) readExpiry(expiresIn time.Duration) int64 {
	switch {
	case expiresIn < 0:
		return NeverExpires
	case expiresIn == 0:
		return p.now().Add(p.cfg.URLExpiry).Unix()
	default:
		return p.now().Add(expiresIn).Unix()
	}
}

func (p *protocol) signReadToken(bucket, path string, expiresIn time.Duration, headers map[string]string) (string, error) {
	tok, err := p.codec.Encrypt(ReadPayload{
		ExpiresDate:     p.readExpiry(expiresIn),
		ResponseHeaders: headers,
		Resource:        bucket + "/" + path,
	})
	if err != nil {
		return "", fmt.Errorf("sign read token: %w", err)
	}
	return tok, nil
}

func (p *protocol) decodeReadToken(tok string) (ReadPayload, error) {
	var payload ReadPayload
	if tok == "" {
		return payload, common.Errorf(common.ErrInvalidToken, "missing read token")
	}
	if err := p.codec.Decrypt(tok, &payload); err != nil {
		return payload, err
	}

	if payload.ExpiresDate > 0 && p.now().Unix() > payload.ExpiresDate {
		return payload, common.Errorf(common.ErrTokenExpired, "read token expired")
	}

	if payload.ResponseHeaders == nil {
		payload.ResponseHeaders = map[string]string{}
	}
	return payload, nil
}

func (p *protocol) VerifyReadToken(_ context.Context, tok string) (map[string]string, error) {
	payload, err := p.decodeReadToken(tok)
	if err != nil {
		return nil, err
	}
	return payload.ResponseHeaders, nil
}

func (p *protocol) VerifyReadAccess(_ context.Context, tok, bucket, path string) (map[string]string, error) {
	payload, err := p.decodeReadToken(tok)
	if err != nil {
		return nil, err
	}
	if payload.Resource != "" && payload.Resource != bucket+"/"+path {
		return nil, common.Errorf(common.ErrInvalidToken, "read token was issued for another object")
	}
	return payload.ResponseHeaders, nil
}

// headerValue looks up name in headers ignoring case.
func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
