// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package storage defines the backend contract shared by the ephemeral and
// durable implementations. The backend is chosen once at construction from
// config and injected; nothing above this layer branches on storage mode.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/adlens/microtrack/internal/models"
)

// Storage modes.
const (
	ModeEphemeral = "ephemeral"
	ModeDurable   = "durable"
)

// ErrNotFound is returned when a microsite domain is unknown.
var ErrNotFound = errors.New("storage: microsite not found")

// EvictionStats reports one TTL sweep in ephemeral mode.
type EvictionStats struct {
	VisitsEvicted     int
	LeadsEvicted      int
	MicrositesEvicted int
}

// Backend is the capability set both storage implementations provide.
//
// Write semantics shared by both backends:
//   - CreateVisit/CreateLead find-or-create the owning microsite by domain
//     (never duplicating a domain under concurrent writes) and touch its
//     UpdatedAt.
//   - UpdateMicrositeStatus replaces the whole probe snapshot atomically,
//     last write wins.
//   - Events are immutable once written.
//
// EvictExpired is a no-op returning zero stats in durable mode.
type Backend interface {
	// FindOrCreateMicrosite returns the microsite for a domain, creating it
	// if unseen. The second return is true when a new row was created.
	FindOrCreateMicrosite(ctx context.Context, domain string) (*models.Microsite, bool, error)

	CreateVisit(ctx context.Context, domain string, f models.VisitFields) (*models.Visit, *models.Microsite, error)
	CreateLead(ctx context.Context, domain string, f models.LeadFields) (*models.Lead, *models.Microsite, error)

	GetMicrosite(ctx context.Context, domain string) (*models.Microsite, error)
	ListMicrosites(ctx context.Context) ([]models.Microsite, error)

	// EventsForMicrosite returns every stored event owned by one microsite,
	// oldest first.
	EventsForMicrosite(ctx context.Context, micrositeID uuid.UUID) ([]models.Visit, []models.Lead, error)

	// AllEvents returns every stored event across microsites, oldest first.
	// Feeds the cross-site campaign breakdown.
	AllEvents(ctx context.Context) ([]models.Visit, []models.Lead, error)

	UpdateMicrositeRegion(ctx context.Context, domain string, region *string) (*models.Microsite, error)
	UpdateMicrositeStatus(ctx context.Context, domain string, snap models.StatusSnapshot) (*models.Microsite, error)

	// EvictExpired removes events past their TTL and prunes microsites left
	// with no events.
	EvictExpired(ctx context.Context) (EvictionStats, error)

	// Mode returns ModeEphemeral or ModeDurable.
	Mode() string

	Close() error
}
