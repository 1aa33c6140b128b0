package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stash/internal/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stash",
		Short: "Object storage gateway with presigned uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			s, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}

			cmd.SilenceUsage = true
			setupLogging(s.LogLevel)

			defer slog.Info("Bye!")
			return Run(cmd.Context(), s)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("config", "c", "", "Path to the YAML config file")
	cmd.Flags().StringP("listen", "l", "", "HTTP listen address")
	cmd.Flags().StringP("storage-dir", "d", "", "Directory to store object data")
	cmd.Flags().String("base-url", "", "Public URL of this gateway")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")

	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("storage_dir", cmd.Flags().Lookup("storage-dir"))
	_ = v.BindPFlag("base_url", cmd.Flags().Lookup("base-url"))
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	return cmd
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
}

// Run serves the gateway until ctx is cancelled.
func Run(ctx context.Context, s *config.Settings) error {
	gw, err := NewGateway(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer gw.Close()

	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           gw.Server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Stash HTTP server", "addr", s.Listen, "base_url", s.BaseURL)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		return gw.RunReaper(ctx, s.Reaper.Interval)
	})

	eg.Go(func() error {
		return gw.RunJanitor(ctx, s.Cache.JanitorInterval)
	})

	slog.Info("Stash Started")
	return eg.Wait()
}

func main() {
	setupLogging("info")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.New()).ExecuteContext(ctx); err != nil {
		slog.Error("Stash exited with error", "error", err)
		os.Exit(1)
	}
}
