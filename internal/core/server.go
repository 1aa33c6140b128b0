package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"stash/internal/backend"
	"stash/internal/common"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// maxJSONBody bounds the size of API request documents.
const maxJSONBody = 1 << 20

// Server exposes a Backend over HTTP.
type Server struct {
	Config Config
}

// NewServer validates cfg and returns a new Server.
func NewServer(cfg Config) (*Server, error) {

	if cfg.Backend == nil {
		return nil, errors.New("Backend must not be nil")
	}

	if cfg.Authenticator == nil {
		return nil, errors.New("Authenticator must not be nil")
	}

	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}

	return &Server{Config: cfg}, nil
}

// statusFor maps an error kind to the HTTP status reported to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusForbidden
	case errors.Is(err, common.ErrSizeMismatch),
		errors.Is(err, common.ErrTypeMismatch),
		errors.Is(err, common.ErrHashMismatch),
		errors.Is(err, common.ErrInvalidRequest),
		errors.Is(err, common.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrEntityTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes an ErrorResponse with the given status.
func writeJSONError(w http.ResponseWriter, status int, code string, message string) {
	_ = writeJSONResponse(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// writeError reports err to the client. Server side faults are logged and
// their details withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		code := common.Code(err)
		writeJSONError(w, status, code, "We encountered an internal error. Please try again.")
		return
	}

	writeJSONError(w, status, common.Code(err), common.Message(err))
}

// writeJSONResponse encodes v as JSON and writes it to w with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON document from the request body. When
// optional is set an empty body leaves v untouched.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return common.Wrap(common.ErrInvalidRequest, err, "malformed request body")
	}
	return nil
}

// handlePresign implements POST /api/presign/{bucket}/{dir...}.
func (s *Server) handlePresign(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, directory string) {
	var req backend.PresignRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	presigned, err := s.Config.Backend.Presign(ctx, bucket, directory, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, presigned); err != nil {
		slog.Error("Write presign response", "bucket", bucket, "err", err)
	}
}

// handleUpload implements PUT /api/upload/{token}.
func (s *Server) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, token string) {
	result, err := s.Config.Backend.Upload(ctx, token, r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, result); err != nil {
		slog.Error("Write upload response", "path", result.Path, "err", err)
	}
}

// handleMeta implements GET /api/meta/{bucket}/{path...}.
func (s *Server) handleMeta(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	meta, err := s.Config.Backend.GetObjectMeta(ctx, bucket, key, r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, meta); err != nil {
		slog.Error("Write meta response", "bucket", bucket, "key", key, "err", err)
	}
}

// handlePreview implements POST /api/preview/{bucket}/{path...}.
func (s *Server) handlePreview(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	var req PreviewRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	expiresIn := time.Duration(req.ExpiresIn) * time.Second
	if req.ExpiresIn < 0 {
		expiresIn = time.Duration(backend.NeverExpires)
	}

	previewURL, err := s.Config.Backend.GetPreviewURL(ctx, bucket, key, expiresIn, req.ResponseHeaders)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, PreviewResponse{URL: previewURL}); err != nil {
		slog.Error("Write preview response", "bucket", bucket, "key", key, "err", err)
	}
}

// handleRead implements GET /read/{bucket}/{path...}. The response carries
// the headers embedded in the read token.
func (s *Server) handleRead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	headers, err := s.Config.Backend.VerifyReadAccess(ctx, r.URL.Query().Get("token"), bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	obj, err := s.Config.Backend.Read(ctx, bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	for name, value := range headers {
		if http.CanonicalHeaderKey(name) == "Content-Length" {
			continue
		}
		w.Header().Set(name, value)
	}

	if rs, ok := obj.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, path.Base(key), obj.ModTime, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if !obj.ModTime.IsZero() {
		w.Header().Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
