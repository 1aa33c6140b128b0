package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Reaper removes temporary upload files that were abandoned, for example by a
// crash between landing a stream and relocating it.
type Reaper struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

type ReaperOption func(*Reaper)

func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

// NewReaper returns a Reaper for files in dir older than maxAge.
func NewReaper(dir string, maxAge time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		dir:    dir,
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep makes one pass over the directory. Only regular files carrying the
// temporary upload prefix are considered.
func (r *Reaper) Sweep(ctx context.Context) (removed int, freed int64, err error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	cutoff := r.now().Add(-r.maxAge)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, freed, err
		}

		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Finished or discarded while we were looking.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Failed to reap temp file", "path", path, "err", err)
			}
			continue
		}

		removed++
		freed += info.Size()
	}

	return removed, freed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	logger := slog.With("comp", "temp-reaper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, freed, err := r.Sweep(ctx)
			if err != nil {
				logger.Error("Sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				logger.Info("Removed abandoned uploads", "count", removed, "freed", humanize.IBytes(uint64(freed)))
			}
		}
	}
}
