// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package tracker is the application core: it applies attribution filtering
// to incoming events, enriches microsites with aggregate stats, and fans
// results out to the realtime hub. Everything here is storage-mode agnostic.
package tracker

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/adlens/microtrack/internal/attribution"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/stats"
	"github.com/adlens/microtrack/internal/storage"
	ws "github.com/adlens/microtrack/internal/websocket"
)

// detailEventLimit caps how many recent events the detail view returns.
const detailEventLimit = 100

// Notifier publishes realtime messages to connected dashboard clients.
// Satisfied by *websocket.Hub.
type Notifier interface {
	Notify(kind string, data interface{})
}

// StatusProber runs website and form probes for one domain.
// Satisfied by *probe.Checker.
type StatusProber interface {
	Snapshot(ctx context.Context, domain string) models.StatusSnapshot
}

// Service wires storage, probing and realtime notification together.
type Service struct {
	store  storage.Backend
	hub    Notifier
	prober StatusProber
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the application core.
func NewService(store storage.Backend, hub Notifier, prober StatusProber, opts ...Option) *Service {
	s := &Service{
		store:  store,
		hub:    hub,
		prober: prober,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordVisit ingests one page-view event. A non-attributed event is
// accepted but not stored: tracked is false and the error is nil.
func (s *Service) RecordVisit(ctx context.Context, req models.TrackVisitRequest, ip, userAgent string) (*models.Visit, bool, error) {
	domain := normalizeDomain(req.Domain)

	if !attribution.IsFromGoogleAds(attribution.Params{
		GCLID:       req.GCLID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
	}) {
		metrics.EventsRejected.WithLabelValues("visit", "not_attributed").Inc()
		logging.Debug().Str("domain", domain).Msg("Visit not attributed, skipping")
		return nil, false, nil
	}

	visit, site, err := s.store.CreateVisit(ctx, domain, models.VisitFields{
		GCLID:       req.GCLID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		IPAddress:   optString(ip),
		UserAgent:   optString(userAgent),
		Referrer:    req.Referrer,
	})
	if err != nil {
		return nil, false, err
	}

	metrics.VisitsIngested.Inc()
	s.hub.Notify(ws.MessageTypeVisit, map[string]interface{}{
		"micrositeId": site.ID,
		"domain":      domain,
		"visit":       visit,
	})
	return visit, true, nil
}

// RecordLead ingests one form-submission event with the same attribution
// gate as RecordVisit.
func (s *Service) RecordLead(ctx context.Context, req models.TrackLeadRequest) (*models.Lead, bool, error) {
	domain := normalizeDomain(req.Domain)

	if !attribution.IsFromGoogleAds(attribution.Params{
		GCLID:       req.GCLID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
	}) {
		metrics.EventsRejected.WithLabelValues("lead", "not_attributed").Inc()
		logging.Debug().Str("domain", domain).Msg("Lead not attributed, skipping")
		return nil, false, nil
	}

	lead, site, err := s.store.CreateLead(ctx, domain, models.LeadFields{
		GCLID:       req.GCLID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		Email:       req.Email,
		Phone:       req.Phone,
		Name:        req.Name,
		FormData:    rawJSONString(req.FormData),
	})
	if err != nil {
		return nil, false, err
	}

	metrics.LeadsIngested.Inc()
	s.hub.Notify(ws.MessageTypeLead, map[string]interface{}{
		"micrositeId": site.ID,
		"domain":      domain,
		"lead":        lead,
	})
	return lead, true, nil
}

// ListQuery narrows and orders the enriched microsite listing.
type ListQuery struct {
	// Search is a case-insensitive substring match on the domain.
	Search string
	// Window scopes the 24h-style counters; nil means the default trailing
	// 24 hours.
	Window *models.Window
	// Campaign keeps only events of one campaign; "" or "all" disables.
	Campaign string
	// Region keeps only microsites of one region ("unknown" matches sites
	// without one); "" or "all" disables.
	Region string
	// SortBy is visits, leads or conversion. Anything else keeps the
	// recent-activity order.
	SortBy string
	// SortOrder is asc or desc (default desc).
	SortOrder string
}

// ListMicrosites returns every matching microsite enriched with stats,
// alerts and status labels, ordered per the query.
func (s *Service) ListMicrosites(ctx context.Context, q ListQuery) ([]models.EnrichedMicrosite, error) {
	sites, err := s.store.ListMicrosites(ctx)
	if err != nil {
		return nil, err
	}

	window := s.windowOrDefault(q.Window)
	enriched := make([]models.EnrichedMicrosite, 0, len(sites))
	for _, site := range sites {
		if q.Search != "" && !strings.Contains(strings.ToLower(site.Domain), strings.ToLower(q.Search)) {
			continue
		}
		if !regionMatches(site.Region, q.Region) {
			continue
		}
		visits, leads, err := s.store.EventsForMicrosite(ctx, site.ID)
		if err != nil {
			return nil, err
		}
		enriched = append(enriched, stats.Enrich(site, visits, leads, window, q.Campaign))
	}

	sortEnriched(enriched, q.SortBy, q.SortOrder)
	return enriched, nil
}

// sortEnriched orders by the windowed counters. The input arrives ordered by
// recent activity, which an unknown sort key preserves.
func sortEnriched(sites []models.EnrichedMicrosite, sortBy, sortOrder string) {
	key := func(m models.EnrichedMicrosite) float64 {
		switch sortBy {
		case "leads":
			return float64(m.Stats.Leads24h)
		case "conversion":
			return m.Stats.ConversionRate
		default:
			return float64(m.Stats.Visits24h)
		}
	}
	if sortBy != "visits" && sortBy != "leads" && sortBy != "conversion" {
		return
	}
	sort.SliceStable(sites, func(i, j int) bool {
		if sortOrder == "asc" {
			return key(sites[i]) < key(sites[j])
		}
		return key(sites[i]) > key(sites[j])
	})
}

// MicrositeDetail is the single-site drill-down: the microsite with its
// most recent events and windowed counters.
type MicrositeDetail struct {
	models.Microsite
	Visits []models.Visit `json:"visits"`
	Leads  []models.Lead  `json:"leads"`
	Stats  DetailStats    `json:"stats"`
}

// DetailStats are the trailing-24h counters of the detail view.
type DetailStats struct {
	Visits24h int `json:"visits24h"`
	Leads24h  int `json:"leads24h"`
}

// GetMicrositeDetail returns one microsite with its 100 most recent events,
// newest first. Returns storage.ErrNotFound for unknown domains.
func (s *Service) GetMicrositeDetail(ctx context.Context, domain string) (*MicrositeDetail, error) {
	site, err := s.store.GetMicrosite(ctx, normalizeDomain(domain))
	if err != nil {
		return nil, err
	}
	visits, leads, err := s.store.EventsForMicrosite(ctx, site.ID)
	if err != nil {
		return nil, err
	}

	window := stats.DefaultWindow(s.now())
	detail := &MicrositeDetail{Microsite: *site}
	for _, v := range visits {
		if window.Contains(v.CreatedAt) {
			detail.Stats.Visits24h++
		}
	}
	for _, l := range leads {
		if window.Contains(l.CreatedAt) {
			detail.Stats.Leads24h++
		}
	}
	detail.Visits = newestFirstVisits(visits, detailEventLimit)
	detail.Leads = newestFirstLeads(leads, detailEventLimit)
	return detail, nil
}

func newestFirstVisits(visits []models.Visit, limit int) []models.Visit {
	out := make([]models.Visit, 0, min(limit, len(visits)))
	for i := len(visits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, visits[i])
	}
	return out
}

func newestFirstLeads(leads []models.Lead, limit int) []models.Lead {
	out := make([]models.Lead, 0, min(limit, len(leads)))
	for i := len(leads) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, leads[i])
	}
	return out
}

// ListCampaigns aggregates events across microsites into per-campaign
// totals. An empty or "all" region includes every site.
func (s *Service) ListCampaigns(ctx context.Context, window *models.Window, region string) ([]models.CampaignStats, error) {
	w := s.windowOrDefault(window)

	if region == "" || region == "all" {
		visits, leads, err := s.store.AllEvents(ctx)
		if err != nil {
			return nil, err
		}
		return stats.CampaignBreakdown(visits, leads, w), nil
	}

	sites, err := s.store.ListMicrosites(ctx)
	if err != nil {
		return nil, err
	}
	var visits []models.Visit
	var leads []models.Lead
	for _, site := range sites {
		if !regionMatches(site.Region, region) {
			continue
		}
		v, l, err := s.store.EventsForMicrosite(ctx, site.ID)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v...)
		leads = append(leads, l...)
	}
	return stats.CampaignBreakdown(visits, leads, w), nil
}

// CheckStatus probes one microsite on demand, persists the snapshot and
// broadcasts the refreshed site.
func (s *Service) CheckStatus(ctx context.Context, domain string) (*models.Microsite, error) {
	domain = normalizeDomain(domain)
	if _, err := s.store.GetMicrosite(ctx, domain); err != nil {
		return nil, err
	}

	snap := s.prober.Snapshot(ctx, domain)
	site, err := s.store.UpdateMicrositeStatus(ctx, domain, snap)
	if err != nil {
		return nil, err
	}

	s.hub.Notify(ws.MessageTypeStatusUpdate, map[string]interface{}{
		"microsites": []models.Microsite{*site},
	})
	return site, nil
}

// SetRegion updates the region tag of a microsite. A nil region clears it.
func (s *Service) SetRegion(ctx context.Context, domain string, region *string) (*models.Microsite, error) {
	return s.store.UpdateMicrositeRegion(ctx, normalizeDomain(domain), region)
}

// RefreshStatuses probes up to limit microsites in recent-activity order,
// persisting each snapshot. Per-site failures are logged and skipped so one
// dead domain cannot stall the batch. Returns the refreshed sites.
func (s *Service) RefreshStatuses(ctx context.Context, limit int) ([]models.Microsite, error) {
	sites, err := s.store.ListMicrosites(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(sites) > limit {
		sites = sites[:limit]
	}

	refreshed := make([]models.Microsite, 0, len(sites))
	for _, site := range sites {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		snap := s.prober.Snapshot(ctx, site.Domain)
		updated, err := s.store.UpdateMicrositeStatus(ctx, site.Domain, snap)
		if err != nil {
			logging.Error().Err(err).Str("domain", site.Domain).Msg("Failed to persist status snapshot")
			continue
		}
		logging.Info().
			Str("domain", site.Domain).
			Bool("live", snap.Website.IsLive).
			Msg("Checked microsite status")
		refreshed = append(refreshed, *updated)
	}

	if len(refreshed) > 0 {
		s.hub.Notify(ws.MessageTypeStatusUpdate, map[string]interface{}{
			"microsites": refreshed,
		})
	}
	return refreshed, nil
}

// SweepAlerts recomputes alert flags across all microsites and broadcasts
// them when any site is alerting. Returns the alert entries.
func (s *Service) SweepAlerts(ctx context.Context) ([]models.AlertEntry, error) {
	enriched, err := s.ListMicrosites(ctx, ListQuery{})
	if err != nil {
		return nil, err
	}

	var alerts []models.AlertEntry
	for _, site := range enriched {
		if site.Alerts.NoVisit24h || site.Alerts.NoLead24h {
			alerts = append(alerts, models.AlertEntry{
				Domain: site.Domain,
				Name:   site.Name,
				Alerts: site.Alerts,
			})
		}
	}

	if len(alerts) > 0 {
		s.hub.Notify(ws.MessageTypeAlerts, map[string]interface{}{
			"alerts": alerts,
		})
	}
	return alerts, nil
}

// EvictExpired runs one TTL sweep on the backend and updates eviction
// counters. A no-op in durable mode.
func (s *Service) EvictExpired(ctx context.Context) (storage.EvictionStats, error) {
	evicted, err := s.store.EvictExpired(ctx)
	if err != nil {
		return evicted, err
	}
	metrics.EventsEvicted.Add(float64(evicted.VisitsEvicted + evicted.LeadsEvicted))
	metrics.MicrositesEvicted.Add(float64(evicted.MicrositesEvicted))
	return evicted, nil
}

// StorageMode reports which backend is active, for the health endpoint.
func (s *Service) StorageMode() string {
	return s.store.Mode()
}

func (s *Service) windowOrDefault(w *models.Window) models.Window {
	if w != nil {
		return *w
	}
	return stats.DefaultWindow(s.now())
}

// normalizeDomain canonicalizes a caller-supplied domain so that mixed-case
// submissions land on one microsite row.
func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// regionMatches applies a region filter; sites without a region belong to
// "unknown".
func regionMatches(siteRegion *string, filter string) bool {
	if filter == "" || filter == "all" {
		return true
	}
	region := "unknown"
	if siteRegion != nil && *siteRegion != "" {
		region = *siteRegion
	}
	return region == filter
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// rawJSONString stores arbitrary submitted form data as its serialized form.
func rawJSONString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}
