package core

import (
	"stash/internal/auth"
	"stash/internal/backend"
)

const DefaultRealm = "stash"

type Config struct {
	Backend       backend.Backend
	Authenticator auth.AuthEngine

	// Realm is announced in WWW-Authenticate challenges.
	Realm string
}

type ConfigOption func(*Config)

func WithBackend(b backend.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = b
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRealm(realm string) ConfigOption {
	return func(cfg *Config) {
		cfg.Realm = realm
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
