// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package duckdb implements the durable storage backend on an embedded
// DuckDB file. Events are retained indefinitely; the eviction sweep is a
// no-op in this mode.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage"
)

// Backend is the durable storage implementation.
type Backend struct {
	conn *sql.DB

	now   func() time.Time
	newID func() uuid.UUID
}

// Option customizes a Backend.
type Option func(*Backend)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithIDGenerator overrides the row ID source.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(b *Backend) { b.newID = newID }
}

// New opens (or creates) the DuckDB database file and initializes the schema.
func New(cfg config.StorageConfig, opts ...Option) (*Backend, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Parent directory must exist before DuckDB can create the file.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB is embedded; a small pool is enough and avoids writer contention.
	conn.SetMaxOpenConns(numThreads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	b := &Backend{
		conn:  conn,
		now:   time.Now,
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Durable storage backend initialized")
	return b, nil
}

// Mode implements storage.Backend.
func (b *Backend) Mode() string { return storage.ModeDurable }

// Close implements storage.Backend.
func (b *Backend) Close() error { return b.conn.Close() }

// Conn exposes the underlying pool for health checks.
func (b *Backend) Conn() *sql.DB { return b.conn }

func (b *Backend) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS microsites (
			id UUID PRIMARY KEY,
			domain VARCHAR NOT NULL UNIQUE,
			name VARCHAR NOT NULL,
			region VARCHAR,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			is_live BOOLEAN,
			status_code INTEGER,
			ssl_valid BOOLEAN,
			ssl_expiry TIMESTAMP,
			website_error VARCHAR,
			response_time BIGINT,
			website_last_checked TIMESTAMP,
			has_form BOOLEAN,
			form_count INTEGER,
			form_working BOOLEAN,
			form_error VARCHAR,
			form_last_checked TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id UUID PRIMARY KEY,
			microsite_id UUID NOT NULL,
			gclid VARCHAR,
			utm_source VARCHAR,
			utm_medium VARCHAR,
			utm_campaign VARCHAR,
			is_from_google_ads BOOLEAN NOT NULL,
			ip_address VARCHAR,
			user_agent VARCHAR,
			referrer VARCHAR,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id UUID PRIMARY KEY,
			microsite_id UUID NOT NULL,
			gclid VARCHAR,
			utm_source VARCHAR,
			utm_medium VARCHAR,
			utm_campaign VARCHAR,
			is_from_google_ads BOOLEAN NOT NULL,
			email VARCHAR,
			phone VARCHAR,
			name VARCHAR,
			form_data VARCHAR,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_microsite ON visits(microsite_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_microsite ON leads(microsite_id, created_at)`,
	}

	for _, stmt := range schema {
		if _, err := b.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

const micrositeColumns = `id, domain, name, region, created_at, updated_at,
	is_live, status_code, ssl_valid, ssl_expiry, website_error, response_time, website_last_checked,
	has_form, form_count, form_working, form_error, form_last_checked`

// FindOrCreateMicrosite implements storage.Backend. The UNIQUE constraint on
// domain plus ON CONFLICT DO NOTHING makes concurrent creates race-safe.
func (b *Backend) FindOrCreateMicrosite(ctx context.Context, domain string) (*models.Microsite, bool, error) {
	start := b.now()
	site, created, err := b.findOrCreate(ctx, b.conn, domain, false)
	metrics.RecordStorageOp(storage.ModeDurable, "find_or_create_microsite", time.Since(start), err)
	return site, created, err
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (b *Backend) findOrCreate(ctx context.Context, q execer, domain string, touch bool) (*models.Microsite, bool, error) {
	now := b.now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO microsites (id, domain, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (domain) DO NOTHING`,
		b.newID(), domain, domain, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert microsite: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	created := affected > 0
	if created {
		metrics.MicrositesCreated.Inc()
	}

	if touch && !created {
		if _, err := q.ExecContext(ctx,
			`UPDATE microsites SET updated_at = ? WHERE domain = ?`, now, domain); err != nil {
			return nil, false, fmt.Errorf("touch microsite: %w", err)
		}
	}

	site, err := b.scanSite(q.QueryRowContext(ctx,
		`SELECT `+micrositeColumns+` FROM microsites WHERE domain = ?`, domain))
	if err != nil {
		return nil, false, err
	}
	return site, created, nil
}

// CreateVisit implements storage.Backend.
func (b *Backend) CreateVisit(ctx context.Context, domain string, f models.VisitFields) (*models.Visit, *models.Microsite, error) {
	start := b.now()

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	site, _, err := b.findOrCreate(ctx, tx, domain, true)
	if err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_visit", time.Since(start), err)
		return nil, nil, err
	}

	visit := models.Visit{
		ID:              b.newID(),
		MicrositeID:     site.ID,
		GCLID:           f.GCLID,
		UTMSource:       f.UTMSource,
		UTMMedium:       f.UTMMedium,
		UTMCampaign:     f.UTMCampaign,
		IsFromGoogleAds: true,
		IPAddress:       f.IPAddress,
		UserAgent:       f.UserAgent,
		Referrer:        f.Referrer,
		CreatedAt:       b.now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO visits (id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, ip_address, user_agent, referrer, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		visit.ID, visit.MicrositeID, visit.GCLID, visit.UTMSource, visit.UTMMedium,
		visit.UTMCampaign, visit.IsFromGoogleAds, visit.IPAddress, visit.UserAgent,
		visit.Referrer, visit.CreatedAt)
	if err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_visit", time.Since(start), err)
		return nil, nil, fmt.Errorf("insert visit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_visit", time.Since(start), err)
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordStorageOp(storage.ModeDurable, "create_visit", time.Since(start), nil)
	return &visit, site, nil
}

// CreateLead implements storage.Backend.
func (b *Backend) CreateLead(ctx context.Context, domain string, f models.LeadFields) (*models.Lead, *models.Microsite, error) {
	start := b.now()

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	site, _, err := b.findOrCreate(ctx, tx, domain, true)
	if err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_lead", time.Since(start), err)
		return nil, nil, err
	}

	lead := models.Lead{
		ID:              b.newID(),
		MicrositeID:     site.ID,
		GCLID:           f.GCLID,
		UTMSource:       f.UTMSource,
		UTMMedium:       f.UTMMedium,
		UTMCampaign:     f.UTMCampaign,
		IsFromGoogleAds: true,
		Email:           f.Email,
		Phone:           f.Phone,
		Name:            f.Name,
		FormData:        f.FormData,
		CreatedAt:       b.now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leads (id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, email, phone, name, form_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.MicrositeID, lead.GCLID, lead.UTMSource, lead.UTMMedium,
		lead.UTMCampaign, lead.IsFromGoogleAds, lead.Email, lead.Phone, lead.Name,
		lead.FormData, lead.CreatedAt)
	if err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_lead", time.Since(start), err)
		return nil, nil, fmt.Errorf("insert lead: %w", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordStorageOp(storage.ModeDurable, "create_lead", time.Since(start), err)
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordStorageOp(storage.ModeDurable, "create_lead", time.Since(start), nil)
	return &lead, site, nil
}

// GetMicrosite implements storage.Backend.
func (b *Backend) GetMicrosite(ctx context.Context, domain string) (*models.Microsite, error) {
	return b.scanSite(b.conn.QueryRowContext(ctx,
		`SELECT `+micrositeColumns+` FROM microsites WHERE domain = ?`, domain))
}

// ListMicrosites implements storage.Backend.
func (b *Backend) ListMicrosites(ctx context.Context) ([]models.Microsite, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT `+micrositeColumns+` FROM microsites ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query microsites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sites []models.Microsite
	for rows.Next() {
		site, err := b.scanSiteRows(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

// EventsForMicrosite implements storage.Backend.
func (b *Backend) EventsForMicrosite(ctx context.Context, micrositeID uuid.UUID) ([]models.Visit, []models.Lead, error) {
	visits, err := b.queryVisits(ctx,
		`SELECT id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, ip_address, user_agent, referrer, created_at
		 FROM visits WHERE microsite_id = ? ORDER BY created_at`, micrositeID)
	if err != nil {
		return nil, nil, err
	}
	leads, err := b.queryLeads(ctx,
		`SELECT id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, email, phone, name, form_data, created_at
		 FROM leads WHERE microsite_id = ? ORDER BY created_at`, micrositeID)
	if err != nil {
		return nil, nil, err
	}
	return visits, leads, nil
}

// AllEvents implements storage.Backend.
func (b *Backend) AllEvents(ctx context.Context) ([]models.Visit, []models.Lead, error) {
	visits, err := b.queryVisits(ctx,
		`SELECT id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, ip_address, user_agent, referrer, created_at
		 FROM visits ORDER BY created_at`)
	if err != nil {
		return nil, nil, err
	}
	leads, err := b.queryLeads(ctx,
		`SELECT id, microsite_id, gclid, utm_source, utm_medium, utm_campaign,
		 is_from_google_ads, email, phone, name, form_data, created_at
		 FROM leads ORDER BY created_at`)
	if err != nil {
		return nil, nil, err
	}
	return visits, leads, nil
}

// UpdateMicrositeRegion implements storage.Backend.
func (b *Backend) UpdateMicrositeRegion(ctx context.Context, domain string, region *string) (*models.Microsite, error) {
	res, err := b.conn.ExecContext(ctx,
		`UPDATE microsites SET region = ?, updated_at = ? WHERE domain = ?`,
		region, b.now(), domain)
	if err != nil {
		return nil, fmt.Errorf("update region: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, storage.ErrNotFound
	}
	return b.GetMicrosite(ctx, domain)
}

// UpdateMicrositeStatus implements storage.Backend.
func (b *Backend) UpdateMicrositeStatus(ctx context.Context, domain string, snap models.StatusSnapshot) (*models.Microsite, error) {
	res, err := b.conn.ExecContext(ctx,
		`UPDATE microsites SET
			is_live = ?, status_code = ?, ssl_valid = ?, ssl_expiry = ?,
			website_error = ?, response_time = ?, website_last_checked = ?,
			has_form = ?, form_count = ?, form_working = ?, form_error = ?, form_last_checked = ?,
			updated_at = ?
		 WHERE domain = ?`,
		snap.Website.IsLive, snap.Website.StatusCode, snap.Website.SSLValid, snap.Website.SSLExpiry,
		snap.Website.Error, snap.Website.ResponseTime, snap.Website.LastChecked,
		snap.Form.HasForm, snap.Form.FormCount, snap.Form.FormWorking, snap.Form.Error, snap.Form.LastChecked,
		b.now(), domain)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, storage.ErrNotFound
	}
	return b.GetMicrosite(ctx, domain)
}

// EvictExpired implements storage.Backend. Durable mode retains everything.
func (b *Backend) EvictExpired(ctx context.Context) (storage.EvictionStats, error) {
	return storage.EvictionStats{}, nil
}

func (b *Backend) queryVisits(ctx context.Context, query string, args ...interface{}) ([]models.Visit, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var visits []models.Visit
	for rows.Next() {
		var v models.Visit
		if err := rows.Scan(&v.ID, &v.MicrositeID, &v.GCLID, &v.UTMSource, &v.UTMMedium,
			&v.UTMCampaign, &v.IsFromGoogleAds, &v.IPAddress, &v.UserAgent,
			&v.Referrer, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func (b *Backend) queryLeads(ctx context.Context, query string, args ...interface{}) ([]models.Lead, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.MicrositeID, &l.GCLID, &l.UTMSource, &l.UTMMedium,
			&l.UTMCampaign, &l.IsFromGoogleAds, &l.Email, &l.Phone, &l.Name,
			&l.FormData, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (b *Backend) scanSite(row *sql.Row) (*models.Microsite, error) {
	site, err := b.scanSiteFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return site, err
}

func (b *Backend) scanSiteRows(rows *sql.Rows) (*models.Microsite, error) {
	return b.scanSiteFrom(rows)
}

func (b *Backend) scanSiteFrom(s rowScanner) (*models.Microsite, error) {
	var site models.Microsite
	err := s.Scan(&site.ID, &site.Domain, &site.Name, &site.Region,
		&site.CreatedAt, &site.UpdatedAt,
		&site.IsLive, &site.StatusCode, &site.SSLValid, &site.SSLExpiry,
		&site.WebsiteError, &site.ResponseTime, &site.WebsiteLastChecked,
		&site.HasForm, &site.FormCount, &site.FormWorking, &site.FormError, &site.FormLastChecked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan microsite: %w", err)
	}
	return &site, nil
}
