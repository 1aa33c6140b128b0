// Package config loads gateway settings from a YAML file and STASH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"stash/internal/backend"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const EnvPrefix = "STASH"

const (
	BackendLocal = "local"
	BackendMinio = "minio"

	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

type Settings struct {
	Listen         string        `mapstructure:"listen"`
	BaseURL        string        `mapstructure:"base_url"`
	StorageDir     string        `mapstructure:"storage_dir"`
	TempDir        string        `mapstructure:"temp_dir"`
	MaxUploadSize  string        `mapstructure:"max_upload_size"`
	TokenExpiry    time.Duration `mapstructure:"token_expiry"`
	MaxTokenExpiry time.Duration `mapstructure:"max_token_expiry"`
	URLExpiry      time.Duration `mapstructure:"url_expiry"`
	LogLevel       string        `mapstructure:"log_level"`

	Token   TokenSettings   `mapstructure:"token"`
	Auth    AuthSettings    `mapstructure:"auth"`
	Backend BackendSettings `mapstructure:"backend"`
	Cache   CacheSettings   `mapstructure:"cache"`
	Reaper  ReaperSettings  `mapstructure:"reaper"`
}

// TokenSettings feed the read token key derivation. Every replica sharing
// read URLs needs the same secret and salt.
type TokenSettings struct {
	Secret string `mapstructure:"secret"`
	Salt   string `mapstructure:"salt"`
}

type AuthSettings struct {
	Realm           string `mapstructure:"realm"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// APIKeys maps an identity to its bearer key. Keys are the values since
	// viper lower-cases map keys.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// BearerKeys returns APIKeys inverted into the key to identity form the
// bearer engine expects.
func (a AuthSettings) BearerKeys() map[string]string {
	keys := make(map[string]string, len(a.APIKeys))
	for identity, key := range a.APIKeys {
		if key != "" {
			keys[key] = identity
		}
	}
	return keys
}

type BackendSettings struct {
	Driver string              `mapstructure:"driver"`
	Minio  backend.MinioConfig `mapstructure:"minio"`

	// Buckets are created on startup when the driver is minio.
	Buckets []string `mapstructure:"buckets"`
}

type CacheSettings struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Size            int           `mapstructure:"size"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type ReaperSettings struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// New returns a viper instance with every known key defaulted and bound to
// its STASH_* environment variable.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("storage_dir", "./data")
	v.SetDefault("temp_dir", "")
	v.SetDefault("max_upload_size", "64MiB")
	v.SetDefault("token_expiry", backend.DefaultTokenExpiry)
	v.SetDefault("max_token_expiry", 24*time.Hour)
	v.SetDefault("url_expiry", backend.DefaultURLExpiry)
	v.SetDefault("log_level", "info")

	v.SetDefault("token.secret", "")
	v.SetDefault("token.salt", "")

	v.SetDefault("auth.realm", "stash")
	v.SetDefault("auth.access_key_id", "")
	v.SetDefault("auth.secret_access_key", "")
	v.SetDefault("auth.api_keys", map[string]string{})

	v.SetDefault("backend.driver", BackendLocal)
	v.SetDefault("backend.minio.endpoint", "")
	v.SetDefault("backend.minio.access_key", "")
	v.SetDefault("backend.minio.secret_key", "")
	v.SetDefault("backend.minio.region", "us-east-1")
	v.SetDefault("backend.minio.secure", false)
	v.SetDefault("backend.buckets", []string{})

	v.SetDefault("cache.driver", CacheMemory)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.size", 0)
	v.SetDefault("cache.janitor_interval", time.Minute)

	v.SetDefault("reaper.interval", 10*time.Minute)
	v.SetDefault("reaper.max_age", time.Hour)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file at path, when given, into v and decodes the
// result. A missing file is only an error when path was set explicitly.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	} else {
		v.SetConfigName("stash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stash")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	return &s, nil
}

// MaxUploadBytes parses MaxUploadSize, e.g. "64MiB" or "10 MB". An empty
// value disables the limit.
func (s *Settings) MaxUploadBytes() (int64, error) {
	if s.MaxUploadSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid `max_upload_size` %q: %w", s.MaxUploadSize, err)
	}
	return int64(n), nil
}

func (s *Settings) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("`listen` is required")
	}

	if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
		return fmt.Errorf("invalid `base_url`: %w", err)
	}

	if _, err := s.MaxUploadBytes(); err != nil {
		return err
	}

	if s.TokenExpiry <= 0 {
		return fmt.Errorf("`token_expiry` must be positive")
	}
	if s.MaxTokenExpiry < s.TokenExpiry {
		return fmt.Errorf("`max_token_expiry` must not be shorter than `token_expiry`")
	}
	if s.URLExpiry <= 0 {
		return fmt.Errorf("`url_expiry` must be positive")
	}

	if s.Token.Secret == "" {
		return fmt.Errorf("`token.secret` is required")
	}

	if s.Auth.AccessKeyID == "" && len(s.Auth.APIKeys) == 0 {
		return fmt.Errorf("`auth.access_key_id` or `auth.api_keys` is required")
	}
	if s.Auth.AccessKeyID != "" && s.Auth.SecretAccessKey == "" {
		return fmt.Errorf("`auth.secret_access_key` is required with `auth.access_key_id`")
	}

	switch s.Backend.Driver {
	case BackendLocal:
		if s.StorageDir == "" {
			return fmt.Errorf("`storage_dir` is required for the local backend")
		}
	case BackendMinio:
		if s.Backend.Minio.Endpoint == "" {
			return fmt.Errorf("`backend.minio.endpoint` is required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown `backend.driver` %q", s.Backend.Driver)
	}

	switch s.Cache.Driver {
	case CacheMemory:
	case CacheSQLite:
		if s.Cache.Path == "" {
			return fmt.Errorf("`cache.path` is required for the sqlite cache")
		}
	default:
		return fmt.Errorf("unknown `cache.driver` %q", s.Cache.Driver)
	}

	if s.Reaper.Interval < 0 || s.Reaper.MaxAge < 0 {
		return fmt.Errorf("`reaper.interval` and `reaper.max_age` must not be negative")
	}

	return nil
}
