package backend

import (
	"io"
	"time"
)

// UploadMethod is the only HTTP method presigned uploads accept.
const UploadMethod = "PUT"

// PresignRequest is a client's declared intent to upload one object.
type PresignRequest struct {
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
	Hash          string `json:"hash,omitempty"`
	// ExpiresIn is in seconds. Zero selects the configured default.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type RequestHeaders struct {
	ContentType   string `json:"Content-Type"`
	ContentLength int64  `json:"Content-Length"`
}

// PresignedUpload grants a single upload of the declared object.
type PresignedUpload struct {
	Token          string         `json:"token"`
	Path           string         `json:"path"`
	URL            string         `json:"url"`
	UploadMethod   string         `json:"uploadMethod"`
	RequestHeaders RequestHeaders `json:"requestHeaders"`
}

// ValidationEntry is the expectation an incoming upload is checked against.
// It is cached under the presign token. A zero ContentLength or an empty
// ContentType or Hash leaves that property unconstrained.
type ValidationEntry struct {
	ExpiresDate   int64  `json:"expiresDate"`
	ContentLength int64  `json:"contentLength"`
	ContentType   string `json:"contentType"`
	Bucket        string `json:"bucket"`
	Path          string `json:"path"`
	Hash          string `json:"hash,omitempty"`
}

// UploadedFile is a payload sitting in the temporary directory.
type UploadedFile struct {
	Path     string
	Size     int64
	Mimetype string
	// Hash is the hex SHA-256 of the file, if already known.
	Hash string
}

// ObjectRecord is what the backend remembers about a completed upload. It is
// cached under the upload token.
type ObjectRecord struct {
	Bucket   string `json:"bucket"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
}

type SaveResult struct {
	Hash string `json:"hash"`
	Path string `json:"path"`
}

// StoredObjectMeta describes a persisted object.
type StoredObjectMeta struct {
	Hash     string `json:"hash"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// NeverExpires marks a read token without a deadline.
const NeverExpires int64 = -1

// ReadPayload is sealed into read access tokens.
type ReadPayload struct {
	ExpiresDate     int64             `json:"expiresDate"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	// Resource binds the token to "<bucket>/<path>" when set.
	Resource string `json:"resource,omitempty"`
}

// Object is an open stored object. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ModTime     time.Time
}
