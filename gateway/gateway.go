// Package gateway is the main orchestrator that ties all gateway
// components together.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/gateway/api"
	"github.com/parleyhq/parley/gateway/auth"
	"github.com/parleyhq/parley/gateway/config"
	"github.com/parleyhq/parley/gateway/logstream"
	"github.com/parleyhq/parley/gateway/registry"
	"github.com/parleyhq/parley/gateway/socket"
	"github.com/parleyhq/parley/gateway/store"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg    *config.Config
	store  store.Store
	socket *socket.Gateway
	api    *api.Server
	logs   *logstream.Broadcaster
	logger *slog.Logger
}

// New creates a new gateway from configuration. The returned gateway logs
// through a handler that also feeds the log stream, so subscribed
// connections observe every record the process emits.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create token verifier based on config. A nil verifier means every
	// connection is accepted as anonymous.
	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth verifier: %w", err)
	}
	if verifier == nil {
		logger.Warn("no token secret configured — all client connections will be anonymous")
	}

	runtimeAuth := auth.NewRuntimeAuth(cfg.Auth.RuntimeTokens)

	// Wire the log stream: every record written through the gateway's
	// logger is offered to subscribed connections.
	reg := registry.New()
	logs := logstream.NewBroadcaster(reg)
	logger = slog.New(logstream.NewSlogHandler(logger.Handler(), logs))

	sock := socket.New(db, verifier, runtimeAuth, reg, logs, logger, socket.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		HistoryLimit:    cfg.Gateway.HistoryLimit,
		MediaBaseURL:    cfg.Server.MediaBaseURL,
	})

	apiSrv := api.NewServer(db, sock, version, logger)

	g := &Gateway{
		cfg:    cfg,
		store:  db,
		socket: sock,
		api:    apiSrv,
		logs:   logs,
		logger: logger.With("component", "gateway"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Server.Addr,
		Handler: g.api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.logger.Info("closing store")
		_ = g.store.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = g.store.Close()
		return err
	}
}
