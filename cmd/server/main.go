package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cardroom/internal/keylock"
	"cardroom/internal/notify"
	"cardroom/internal/presence"
	"cardroom/internal/room"
	"cardroom/internal/server"
	"cardroom/internal/storage"
	"cardroom/internal/storage/postgres"
	"cardroom/internal/storage/sqlite"
	"cardroom/internal/template"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides PORT and LISTEN_ADDR)")
	resetAll := flag.Bool("reset-all", false, "reset every stored room to its template and exit")
	flag.Parse()

	if err := run(*addr, *resetAll); err != nil {
		fmt.Fprintf(os.Stderr, "cardroom: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, resetAll bool) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", slog.String("error", err.Error()))
		}
	}()

	locker := keylock.New()
	tracker := presence.New(locker, logger, cfg.PresenceStaleAfter)
	engine, err := room.NewEngine(room.Config{
		Store:            store,
		Templates:        template.NewDir(cfg.TemplateDir, cfg.DefaultTemplate),
		Locker:           locker,
		Presence:         tracker,
		Logger:           logger,
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return err
	}
	// Runs before store.Close.
	defer engine.Close()

	if resetAll {
		ids, err := engine.ResetAll(ctx)
		logger.Info("reset rooms", slog.Int("count", len(ids)))
		return err
	}

	if cfg.SnapshotOnStartup {
		if err := engine.SnapshotAll(ctx); err != nil {
			logger.Error("startup snapshot", slog.String("error", err.Error()))
		}
	}

	var extra []notify.Notifier
	if cfg.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		extra = append(extra, nc)
	}

	srv, err := server.New(cfg, logger, engine, tracker, extra...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		tracker.Run(gctx, cfg.PresencePruneEvery, srv.BroadcastPresence)
		return nil
	})
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func openStore(ctx context.Context, cfg server.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN, logger)
	default:
		return sqlite.Open(ctx, cfg.DBPath)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
