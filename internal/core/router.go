package core

import (
	"net/http"
)

// Handler returns an http.Handler implementing the gateway API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Upload issuance, guarded by credentials
	presign := s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		directory := r.PathValue("dir")
		s.handlePresign(ctx, w, r, bucket, directory)
	}))
	mux.Handle("POST /api/presign/{bucket}", presign)
	mux.Handle("POST /api/presign/{bucket}/{dir...}", presign)

	// Token holders
	mux.HandleFunc("PUT /api/upload/{token}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := r.PathValue("token")
		s.handleUpload(ctx, w, r, token)
	})
	mux.HandleFunc("GET /api/meta/{bucket}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("path")
		s.handleMeta(ctx, w, r, bucket, key)
	})

	// Read access
	mux.Handle("POST /api/preview/{bucket}/{path...}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("path")
		s.handlePreview(ctx, w, r, bucket, key)
	})))
	mux.HandleFunc("GET /read/{bucket}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("path")
		s.handleRead(ctx, w, r, bucket, key)
	})

	// Add middleware
	handler := SlashFix(mux)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	return handler
}
