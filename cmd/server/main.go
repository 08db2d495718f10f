package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antioch-platform/livesync/internal/config"
	"github.com/antioch-platform/livesync/internal/httpapi"
	"github.com/antioch-platform/livesync/internal/hub"
	"github.com/antioch-platform/livesync/internal/logging"
	"github.com/antioch-platform/livesync/internal/store"
	"github.com/antioch-platform/livesync/internal/ws"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livesync:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, flush, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	h := hub.NewHub(ctx, hub.Options{
		Logger:     log,
		EmptyGrace: cfg.EmptyGrace,
		OnEnded: func(id, reason string) {
			markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.MarkEnded(markCtx, id, time.Now()); err != nil {
				log.Error("failed to mark session ended", zap.String("session", id), zap.Error(err))
				return
			}
			log.Info("session ended", zap.String("session", id), zap.String("reason", reason))
		},
	})

	restored, err := httpapi.RestoreSessions(ctx, h, repo)
	if err != nil {
		return err
	}
	if restored > 0 {
		log.Info("restored active sessions", zap.Int("count", restored))
	}

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:    h,
		Repo:   repo,
		Logger: log,
		Socket: ws.Options{
			Logger:         log,
			OutboxSize:     cfg.OutboxSize,
			ReadLimit:      cfg.ReadLimit,
			WriteTimeout:   cfg.WriteTimeout,
			InboundRPS:     cfg.InboundRPS,
			InboundBurst:   cfg.InboundBurst,
			OriginPatterns: cfg.OriginPatterns,
		},
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on %s", cfg.Addr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Rooms close their sockets with "server shutting down" so clients reconnect elsewhere.
		h.Send(hub.ShutdownHub{})
		select {
		case <-h.Done():
		case <-time.After(cfg.ShutdownTimeout):
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openRepository(cfg config.Config, log *zap.Logger) (store.SessionRepository, func(), error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("LIVESYNC_DATABASE_DSN not set, keeping sessions in memory")
		return store.NewMemoryRepository(), func() {}, nil
	}
	repo, err := store.OpenPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() {
		if err := repo.Close(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}, nil
}
