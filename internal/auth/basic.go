package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "
)

type BasicAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string
}

// NewBasicAuthEngine creates a new BasicAuthEngine with the given access key ID
// and secret access key.
func NewBasicAuthEngine(accessKeyID string, secretAccessKey string) *BasicAuthEngine {
	return &BasicAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(_ context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return nil, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return nil, nil
	}

	accessKey, secretKey, ok := strings.Cut(string(payload), ":")
	if !ok || e.AccessKeyID == "" {
		return nil, nil
	}

	if !constantTimeEqual(accessKey, e.AccessKeyID) || !constantTimeEqual(secretKey, e.SecretAccessKey) {
		return nil, nil
	}
	return &User{AccessKeyID: accessKey}, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
