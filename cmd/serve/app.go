// Package serve runs the reference tracking backend: the WebSocket endpoint
// plus the health/session HTTP API, with optional Postgres history and
// RabbitMQ fanout.
package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"livetrack/internal/common/auth"
	"livetrack/internal/common/config"
	"livetrack/internal/common/contextx"
	"livetrack/internal/common/log"
	"livetrack/internal/server"
	"livetrack/internal/server/publish"
	"livetrack/internal/server/store"
	"livetrack/internal/tracking/channel"
)

func Run(ctx context.Context, cfgPath string, maxConcurrent int) error {
	logger := log.New("tracking-server")
	ctx = contextx.WithRequestID(ctx, "startup-001")

	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	authMgr := auth.NewManager(cfg.Auth.JWTSecret, 2*time.Hour)
	hub := server.NewHub(logger)

	var archive server.Archiver
	var historyReader server.HistoryReader
	if cfg.Database.Enabled {
		history, err := store.NewHistory(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer history.Close()
		archive = history
		historyReader = history
	}

	var fanout server.Publisher
	if cfg.RabbitMQ.Enabled {
		pub, err := publish.Connect(cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer pub.Close()
		fanout = pub
	}

	handler := server.NewHandler(logger, authMgr, hub, archive, fanout)
	api := server.NewAPI(logger, hub, historyReader)

	mux := http.NewServeMux()
	mux.HandleFunc(channel.WSPath, handler.ServeWS)
	api.Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           withConcurrencyLimit(maxConcurrent, mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info(ctx, logger, "service_started",
		fmt.Sprintf("tracking server listening on port %d", cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, logger, "http_shutdown_failed", "graceful shutdown failed", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, logger, "http_server_error", "server terminated", err)
			return err
		}
	}
	return nil
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
