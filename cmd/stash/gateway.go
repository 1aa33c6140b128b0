package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"stash/internal/auth"
	"stash/internal/backend"
	"stash/internal/cache"
	"stash/internal/config"
	"stash/internal/core"
	"stash/internal/storage"
	"stash/internal/token"

	"github.com/dustin/go-humanize"
)

// gatewayBackend is what the process needs from a backend beyond serving
// requests.
type gatewayBackend interface {
	backend.Backend
	TempDir() string
}

// Gateway bundles the wired server with the background work it depends on.
type Gateway struct {
	Server  *core.Server
	Backend gatewayBackend
	Reaper  *storage.Reaper

	// store is nil unless the sqlite cache driver is selected.
	store *cache.SQLiteStore
}

// NewGateway builds every component described by s.
func NewGateway(ctx context.Context, s *config.Settings) (*Gateway, error) {
	maxUpload, err := s.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	codecOpts := []token.Option{}
	if s.Token.Salt != "" {
		codecOpts = append(codecOpts, token.WithSalt(s.Token.Salt))
	}
	codec, err := token.NewCodec(s.Token.Secret, codecOpts...)
	if err != nil {
		return nil, fmt.Errorf("create token codec: %w", err)
	}

	g := &Gateway{}

	opts := []backend.Option{
		backend.WithBaseURL(s.BaseURL),
		backend.WithTokenExpiry(s.TokenExpiry),
		backend.WithMaxTokenExpiry(s.MaxTokenExpiry),
		backend.WithURLExpiry(s.URLExpiry),
		backend.WithMaxUploadSize(maxUpload),
	}
	if s.TempDir != "" {
		opts = append(opts, backend.WithTempDir(s.TempDir))
	}

	switch s.Cache.Driver {
	case config.CacheSQLite:
		g.store, err = cache.OpenSQLiteStore(ctx, s.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		opts = append(opts, backend.WithCaches(
			cache.NewSQLite[backend.ValidationEntry](g.store, "validation"),
			cache.NewSQLite[backend.ObjectRecord](g.store, "completion"),
		))
	default:
		memOpts := []cache.MemoryOption{
			cache.WithMaxTTL(s.MaxTokenExpiry),
		}
		if s.Cache.Size > 0 {
			memOpts = append(memOpts, cache.WithSize(s.Cache.Size))
		}
		opts = append(opts, backend.WithCaches(
			cache.NewMemory[backend.ValidationEntry](memOpts...),
			cache.NewMemory[backend.ObjectRecord](memOpts...),
		))
	}

	switch s.Backend.Driver {
	case config.BackendMinio:
		client, err := backend.NewMinioClient(s.Backend.Minio)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		m, err := backend.NewMinio(client, codec, opts...)
		if err != nil {
			g.Close()
			return nil, err
		}
		for _, bucket := range s.Backend.Buckets {
			if err := m.EnsureBucket(ctx, bucket); err != nil {
				g.Close()
				return nil, err
			}
		}
		g.Backend = m
	default:
		storageDir, err := filepath.Abs(s.StorageDir)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
		}
		l, err := backend.NewLocal(storageDir, codec, opts...)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.Backend = l
	}

	var engines []auth.AuthEngine
	if s.Auth.AccessKeyID != "" {
		engines = append(engines, auth.NewBasicAuthEngine(s.Auth.AccessKeyID, s.Auth.SecretAccessKey))
	}
	if keys := s.Auth.BearerKeys(); len(keys) > 0 {
		engines = append(engines, auth.NewBearerAuthEngine(keys))
	}

	g.Server, err = core.NewServer(core.NewConfig(
		core.WithBackend(g.Backend),
		core.WithAuthEngine(auth.NewCompoundAuthEngine(engines...)),
		core.WithRealm(s.Auth.Realm),
	))
	if err != nil {
		g.Close()
		return nil, err
	}

	if s.Reaper.Interval > 0 && s.Reaper.MaxAge > 0 {
		g.Reaper = storage.NewReaper(g.Backend.TempDir(), s.Reaper.MaxAge)
	}

	slog.Info("Gateway configured",
		"backend", s.Backend.Driver,
		"cache", s.Cache.Driver,
		"temp_dir", g.Backend.TempDir(),
		"max_upload_size", humanize.IBytes(uint64(maxUpload)),
	)
	return g, nil
}

// RunJanitor purges expired cache rows until ctx is done. It returns at once
// for the memory cache, which expires entries itself.
func (g *Gateway) RunJanitor(ctx context.Context, every time.Duration) error {
	if g.store == nil || every <= 0 {
		return nil
	}
	return g.store.RunJanitor(ctx, every)
}

// RunReaper removes abandoned temporary uploads until ctx is done.
func (g *Gateway) RunReaper(ctx context.Context, every time.Duration) error {
	if g.Reaper == nil {
		return nil
	}
	return g.Reaper.Run(ctx, every)
}

func (g *Gateway) Close() error {
	if g.store != nil {
		return g.store.Close()
	}
	return nil
}
