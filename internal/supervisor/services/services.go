// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package services adapts the tracker's long-running components to the
// suture.Service contract. The wrappers depend on small local interfaces
// rather than the concrete packages, which keeps the supervisor free of
// import cycles and the wrappers trivial to test.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ContextRunner matches the RunWithContext loop shared by the websocket
// hub and every scheduler task.
type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService wraps any RunWithContext loop as a supervised service.
//
// Example usage:
//
//	hub := websocket.NewHub()
//	tree.AddMessagingService(services.NewRunnerService("websocket-hub", hub))
type RunnerService struct {
	runner ContextRunner
	name   string
}

// NewRunnerService names and wraps a RunWithContext loop.
func NewRunnerService(name string, runner ContextRunner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service by delegating to the wrapped loop, which
// returns ctx.Err() on normal shutdown.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *RunnerService) String() string {
	return s.name
}

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService bridges http.Server's blocking ListenAndServe to
// suture's context-aware Serve: the server runs in a goroutine and context
// cancellation triggers a graceful Shutdown with its own timeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps an HTTP server. The shutdownTimeout bounds how
// long active connections get to drain.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service. http.ErrServerClosed is expected on
// shutdown and converted to nil.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The original context is already canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer.
func (h *HTTPServerService) String() string {
	return h.name
}
