package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	BearerAuthPrefix = "Bearer "
)

// BearerAuthEngine accepts static API keys, mapping each key to the access
// key ID it acts as.
type BearerAuthEngine struct {
	keys map[string]string
}

func NewBearerAuthEngine(keys map[string]string) *BearerAuthEngine {
	return &BearerAuthEngine{keys: keys}
}

func (e *BearerAuthEngine) AuthenticateRequest(_ context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BearerAuthPrefix) {
		return nil, nil
	}

	presented := strings.TrimSpace(auth[len(BearerAuthPrefix):])
	if presented == "" {
		return nil, nil
	}

	// Compare against every key so timing does not reveal which one matched.
	var user *User
	for key, accessKeyID := range e.keys {
		if constantTimeEqual(presented, key) {
			user = &User{AccessKeyID: accessKeyID}
		}
	}
	return user, nil
}
