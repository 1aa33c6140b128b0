// Package backend implements the token brokered upload and download protocol
// on top of interchangeable object stores.
//
// An upload moves through INIT, PRESIGNED and VALIDATING and ends PERSISTED,
// REJECTED (a token or contract violation) or IO_FAILED. Bytes only reach the
// durable location after validation succeeded.
package backend

import (
	"context"
	"io"
	"time"
)

// Backend is the capability set shared by every storage variant.
type Backend interface {
	// Presign issues a token and URL authorizing one upload into
	// bucket/directory.
	Presign(ctx context.Context, bucket, directory string, req PresignRequest) (*PresignedUpload, error)

	// ValidateToken checks a landed file against the expectations cached
	// for token.
	ValidateToken(ctx context.Context, token string, file *UploadedFile) (*ValidationEntry, error)

	// Upload lands body, validates it against token and persists it to the
	// destination fixed at presign time.
	Upload(ctx context.Context, token string, body io.Reader, mimetype string) (*SaveResult, error)

	// Save persists src at bucket/path without any token.
	Save(ctx context.Context, bucket, path string, src io.Reader) (*SaveResult, error)

	// UploadFile persists a temporary file under directory, named by its
	// content hash.
	UploadFile(ctx context.Context, bucket, directory string, file *UploadedFile) (*SaveResult, error)

	// UploadFileWithPath persists a temporary file at bucket/path.
	UploadFileWithPath(ctx context.Context, bucket, path string, file *UploadedFile) (*SaveResult, error)

	Read(ctx context.Context, bucket, path string) (*Object, error)

	// GetObjectMeta describes an object persisted by an upload. token is the
	// upload token returned by Presign.
	GetObjectMeta(ctx context.Context, bucket, path, token string) (*StoredObjectMeta, error)

	// GetPreviewURL returns a URL granting read access to bucket/path. A
	// negative expiresIn never expires; zero selects the default.
	GetPreviewURL(ctx context.Context, bucket, path string, expiresIn time.Duration, headers map[string]string) (string, error)

	// VerifyReadToken returns the response headers embedded in a valid read
	// token.
	VerifyReadToken(ctx context.Context, token string) (map[string]string, error)

	// VerifyReadAccess is VerifyReadToken for a specific object. Tokens bound
	// to a different object are rejected.
	VerifyReadAccess(ctx context.Context, token, bucket, path string) (map[string]string, error)
}
