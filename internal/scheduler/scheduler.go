// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package scheduler runs the periodic maintenance loops: TTL eviction,
// status refresh and the alert sweep. Each loop is a supervised service;
// runs are serial per loop, so a run that outlives its interval simply
// delays the next one instead of overlapping it.
package scheduler

import (
	"context"
	"time"

	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage"
)

// Maintainer is the slice of the application core the maintenance loops
// drive. Satisfied by *tracker.Service.
type Maintainer interface {
	EvictExpired(ctx context.Context) (storage.EvictionStats, error)
	RefreshStatuses(ctx context.Context, limit int) ([]models.Microsite, error)
	SweepAlerts(ctx context.Context) ([]models.AlertEntry, error)
}

// EvictionTask sweeps expired events out of ephemeral storage.
type EvictionTask struct {
	svc      Maintainer
	interval time.Duration
}

// NewEvictionTask builds the TTL sweep loop. Only meaningful in ephemeral
// mode; durable backends treat the sweep as a no-op.
func NewEvictionTask(svc Maintainer, interval time.Duration) *EvictionTask {
	return &EvictionTask{svc: svc, interval: interval}
}

// RunWithContext runs the sweep loop until the context is canceled.
func (t *EvictionTask) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			evicted, err := t.svc.EvictExpired(ctx)
			if err != nil {
				metrics.RecordSchedulerRun("eviction", "error", time.Since(start))
				logging.Error().Err(err).Msg("TTL sweep failed")
				continue
			}
			metrics.RecordSchedulerRun("eviction", "success", time.Since(start))
			if evicted.VisitsEvicted+evicted.LeadsEvicted+evicted.MicrositesEvicted > 0 {
				logging.Info().
					Int("visits", evicted.VisitsEvicted).
					Int("leads", evicted.LeadsEvicted).
					Int("microsites", evicted.MicrositesEvicted).
					Msg("Evicted expired data")
			}
		}
	}
}

func (t *EvictionTask) String() string { return "eviction-sweep" }

// StatusTask refreshes website and form status for a batch of microsites.
type StatusTask struct {
	svc      Maintainer
	interval time.Duration
	batch    int
}

// NewStatusTask builds the periodic status refresh loop.
func NewStatusTask(svc Maintainer, interval time.Duration, batch int) *StatusTask {
	return &StatusTask{svc: svc, interval: interval, batch: batch}
}

// RunWithContext runs the refresh loop until the context is canceled.
func (t *StatusTask) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			logging.Info().Int("batch", t.batch).Msg("Checking website and form statuses")
			refreshed, err := t.svc.RefreshStatuses(ctx, t.batch)
			if err != nil {
				metrics.RecordSchedulerRun("status_refresh", "error", time.Since(start))
				logging.Error().Err(err).Msg("Status refresh failed")
				continue
			}
			metrics.RecordSchedulerRun("status_refresh", "success", time.Since(start))
			logging.Debug().Int("checked", len(refreshed)).Msg("Status refresh complete")
		}
	}
}

func (t *StatusTask) String() string { return "status-refresh" }

// AlertTask recomputes inactivity alerts and broadcasts them.
type AlertTask struct {
	svc      Maintainer
	interval time.Duration
}

// NewAlertTask builds the hourly alert sweep loop.
func NewAlertTask(svc Maintainer, interval time.Duration) *AlertTask {
	return &AlertTask{svc: svc, interval: interval}
}

// RunWithContext runs the alert loop until the context is canceled.
func (t *AlertTask) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			alerts, err := t.svc.SweepAlerts(ctx)
			if err != nil {
				metrics.RecordSchedulerRun("alert_sweep", "error", time.Since(start))
				logging.Error().Err(err).Msg("Alert sweep failed")
				continue
			}
			metrics.RecordSchedulerRun("alert_sweep", "success", time.Since(start))
			if len(alerts) > 0 {
				logging.Warn().Int("alerting", len(alerts)).Msg("Inactivity alerts generated")
			}
		}
	}
}

func (t *AlertTask) String() string { return "alert-sweep" }
