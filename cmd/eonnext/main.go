package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/raterudder/eonnext/pkg/credentials"
	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/integration"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/server"
	"github.com/raterudder/eonnext/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	setupRetryMin = 30 * time.Second
	setupRetryMax = 10 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	// init packages
	s := storage.Configured()
	c := eonnext.Configured()
	sealer := credentials.Configured()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	entry := integration.Configured(s, c, sealer, reg)

	// init server
	srv := server.Configured(entry, s, reg)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := setup(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		log.Ctx(ctx).ErrorContext(ctx, "entry setup failed", "error", err)
		return 1
	}
	defer entry.Unload()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		return 1
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
	return 0
}

// setup retries transient failures with backoff. Bad credentials are fatal.
func setup(ctx context.Context, entry *integration.Entry) error {
	wait := setupRetryMin
	for {
		err := entry.Setup(ctx)
		if err == nil || !errors.Is(err, integration.ErrNotReady) {
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "entry not ready, retrying", slog.Any("error", err), slog.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, setupRetryMax)
	}
}
