// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) RunWithContext(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunnerServiceDelegates(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	svc := NewRunnerService("test-loop", runner)

	if svc.String() != "test-loop" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type fakeHTTPServer struct {
	listenErr error
	listening chan struct{}
	shutdown  chan struct{}
	release   chan struct{}
}

func newFakeHTTPServer(listenErr error) *fakeHTTPServer {
	return &fakeHTTPServer{
		listenErr: listenErr,
		listening: make(chan struct{}),
		shutdown:  make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *fakeHTTPServer) ListenAndServe() error {
	close(s.listening)
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.release
	return http.ErrServerClosed
}

func (s *fakeHTTPServer) Shutdown(context.Context) error {
	close(s.shutdown)
	close(s.release)
	return nil
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	server := newFakeHTTPServer(nil)
	svc := NewHTTPServerService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-server.listening:
	case <-time.After(time.Second):
		t.Fatal("server never started listening")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	select {
	case <-server.shutdown:
	default:
		t.Error("Shutdown was not called")
	}
}

func TestHTTPServerServiceStartupFailure(t *testing.T) {
	boom := errors.New("address in use")
	svc := NewHTTPServerService(newFakeHTTPServer(boom), time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Errorf("Serve returned %v, want wrapped %v", err, boom)
	}
}
