// Package token seals small structured payloads into opaque, tamper-evident
// strings.
//
// Tokens are base64url(nonce || AES-256-GCM(json(payload))). The AES key is
// derived from the configured secret with argon2id, so any secret length is
// accepted. Nothing is stored server side: a token is valid exactly when it
// authenticates under the key.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"stash/internal/common"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
)

const (
	keyLength = 32

	DefaultSalt = "stash-token-codec"
)

var encoding = base64.RawURLEncoding

// KeyParams tunes the argon2id key derivation.
type KeyParams struct {
	Salt    string
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKeyParams mirrors the argon2id settings used for master keys
// elsewhere in the ecosystem: one pass over 64 MiB with four lanes.
func DefaultKeyParams() KeyParams {
	return KeyParams{
		Salt:    DefaultSalt,
		Time:    1,
		Memory:  64 * 1024,
		Threads: 4,
	}
}

type Option func(*KeyParams)

// WithSalt sets the key derivation salt. Changing it invalidates every token
// issued under the previous salt.
func WithSalt(salt string) Option {
	return func(p *KeyParams) {
		p.Salt = salt
	}
}

// WithKeyParams replaces all key derivation parameters.
func WithKeyParams(params KeyParams) Option {
	return func(p *KeyParams) {
		*p = params
	}
}

// Codec encrypts and decrypts token payloads. It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// DeriveKey stretches secret into an AES-256 key.
func DeriveKey(secret string, params KeyParams) []byte {
	return argon2.IDKey([]byte(secret), []byte(params.Salt), params.Time, params.Memory, params.Threads, keyLength)
}

// NewCodec derives the codec key from secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}

	params := DefaultKeyParams()
	for _, opt := range opts {
		opt(&params)
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("invalid key derivation parameters: %+v", params)
	}

	return NewCodecWithKey(DeriveKey(secret, params))
}

// NewCodecWithKey builds a codec from a raw 16, 24 or 32 byte AES key.
func NewCodecWithKey(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt serializes v to JSON and seals it under a fresh random nonce, so two
// calls with the same payload yield different tokens.
func (c *Codec) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return encoding.EncodeToString(sealed), nil
}

// Decrypt authenticates token and unmarshals its payload into v. Any failure
// is reported as common.ErrInvalidToken.
func (c *Codec) Decrypt(token string, v any) error {
	sealed, err := encoding.DecodeString(token)
	if err != nil {
		return common.Wrap(common.ErrInvalidToken, err, "malformed token")
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return common.Errorf(common.ErrInvalidToken, "token too short")
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return common.Wrap(common.ErrInvalidToken, err, "token failed verification")
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return common.Wrap(common.ErrInvalidToken, err, "undecodable token payload")
	}
	return nil
}
