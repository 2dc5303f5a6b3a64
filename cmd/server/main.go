// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package main is the entry point for the Microtrack server.
//
// Microtrack ingests visits and leads from ad-driven microsites, keeps only
// Google Ads attributed traffic, and serves aggregated per-site and
// per-campaign statistics to a realtime dashboard.
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables over config file over defaults (Koanf v2)
//  2. Storage: ephemeral (in-memory Badger with TTL expiry) or durable (DuckDB)
//  3. WebSocket hub: realtime feed for connected dashboards
//  4. Probe checker: website and form status checks with a circuit breaker
//  5. Supervisor tree: hub, maintenance loops, and the HTTP server under suture
//
// Shutdown on SIGINT/SIGTERM cancels the supervisor context; the HTTP server
// drains in-flight requests before the storage backend is closed.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adlens/microtrack/internal/api"
	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/probe"
	"github.com/adlens/microtrack/internal/scheduler"
	"github.com/adlens/microtrack/internal/storage"
	"github.com/adlens/microtrack/internal/storage/duckdb"
	"github.com/adlens/microtrack/internal/storage/ephemeral"
	"github.com/adlens/microtrack/internal/supervisor"
	"github.com/adlens/microtrack/internal/supervisor/services"
	"github.com/adlens/microtrack/internal/tracker"
	ws "github.com/adlens/microtrack/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("storage_mode", cfg.Storage.Mode).
		Str("addr", cfg.Server.Addr()).
		Msg("Starting Microtrack")

	store, err := openStorage(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub()
	prober := probe.NewChecker(cfg.Probe)
	svc := tracker.NewService(store, hub, prober)

	handler := api.NewHandler(svc, hub, cfg)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, cfg).Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddMessagingService(services.NewRunnerService("websocket-hub", hub))
	if cfg.IsEphemeral() {
		// Durable mode has no TTL, so the eviction sweep only runs ephemeral.
		eviction := scheduler.NewEvictionTask(svc, cfg.Scheduler.EvictionInterval)
		tree.AddMessagingService(services.NewRunnerService(eviction.String(), eviction))
	}
	status := scheduler.NewStatusTask(svc, cfg.Scheduler.StatusInterval, cfg.Scheduler.StatusBatch)
	tree.AddMessagingService(services.NewRunnerService(status.String(), status))
	alerts := scheduler.NewAlertTask(svc, cfg.Scheduler.AlertInterval)
	tree.AddMessagingService(services.NewRunnerService(alerts.String(), alerts))

	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor finishes shutting down.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	logging.Info().Msg("Microtrack stopped")
}

// openStorage selects the backend from configuration.
func openStorage(cfg *config.Config) (storage.Backend, error) {
	if cfg.IsEphemeral() {
		return ephemeral.New(cfg.Storage.EphemeralTTL)
	}
	return duckdb.New(cfg.Storage)
}
