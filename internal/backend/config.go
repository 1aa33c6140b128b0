package backend

import (
	"time"

	"stash/internal/cache"
	"stash/internal/metadata"
)

const (
	DefaultTokenExpiry = time.Hour
	DefaultURLExpiry   = time.Hour
)

type Config struct {
	// BaseURL prefixes the upload and read URLs handed to clients.
	BaseURL string

	// TempDir receives upload streams before they are validated.
	TempDir string

	// TokenExpiry is the presign lifetime when a request does not name one.
	TokenExpiry time.Duration

	// MaxTokenExpiry bounds the presign lifetime a client may ask for. Caches
	// must retain entries at least this long.
	MaxTokenExpiry time.Duration

	// URLExpiry is the read URL lifetime when a caller does not name one.
	URLExpiry time.Duration

	// MaxUploadSize caps a single upload. Zero means no limit.
	MaxUploadSize int64

	Validations cache.Cache[ValidationEntry]
	Completions cache.Cache[ObjectRecord]
	Extractor   metadata.Extractor
	Clock       cache.Clock
}

type Option func(*Config)

func WithBaseURL(baseURL string) Option {
	return func(cfg *Config) {
		cfg.BaseURL = baseURL
	}
}

func WithTempDir(dir string) Option {
	return func(cfg *Config) {
		cfg.TempDir = dir
	}
}

func WithTokenExpiry(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.TokenExpiry = d
	}
}

func WithMaxTokenExpiry(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxTokenExpiry = d
	}
}

func WithURLExpiry(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.URLExpiry = d
	}
}

func WithMaxUploadSize(n int64) Option {
	return func(cfg *Config) {
		cfg.MaxUploadSize = n
	}
}

// WithCaches replaces the default in-memory caches.
func WithCaches(validations cache.Cache[ValidationEntry], completions cache.Cache[ObjectRecord]) Option {
	return func(cfg *Config) {
		cfg.Validations = validations
		cfg.Completions = completions
	}
}

func WithExtractor(extractor metadata.Extractor) Option {
	return func(cfg *Config) {
		cfg.Extractor = extractor
	}
}

// WithClock overrides the clock used for token deadlines. Caches keep their
// own clocks.
func WithClock(now cache.Clock) Option {
	return func(cfg *Config) {
		cfg.Clock = now
	}
}

func newConfig(opts ...Option) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = DefaultTokenExpiry
	}
	if cfg.MaxTokenExpiry <= 0 {
		cfg.MaxTokenExpiry = cache.DefaultMemoryMaxTTL
	}
	cfg.MaxTokenExpiry = max(cfg.MaxTokenExpiry, cfg.TokenExpiry)
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}
	if cfg.Validations == nil {
		cfg.Validations = cache.NewMemory[ValidationEntry](cache.WithMaxTTL(cfg.MaxTokenExpiry))
	}
	if cfg.Completions == nil {
		cfg.Completions = cache.NewMemory[ObjectRecord](cache.WithMaxTTL(cfg.MaxTokenExpiry))
	}
	if cfg.Extractor == nil {
		cfg.Extractor = metadata.NewImageExtractor()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}
