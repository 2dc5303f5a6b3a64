// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package tracker

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage"
	ws "github.com/adlens/microtrack/internal/websocket"
)

// fakeBackend is an in-memory storage.Backend for service tests.
type fakeBackend struct {
	now    func() time.Time
	sites  []*models.Microsite
	visits []models.Visit
	leads  []models.Lead
}

func newFakeBackend(now func() time.Time) *fakeBackend {
	return &fakeBackend{now: now}
}

func (f *fakeBackend) findSite(domain string) *models.Microsite {
	for _, s := range f.sites {
		if s.Domain == domain {
			return s
		}
	}
	return nil
}

func (f *fakeBackend) FindOrCreateMicrosite(_ context.Context, domain string) (*models.Microsite, bool, error) {
	if s := f.findSite(domain); s != nil {
		return s, false, nil
	}
	now := f.now()
	s := &models.Microsite{ID: uuid.New(), Domain: domain, Name: domain, CreatedAt: now, UpdatedAt: now}
	f.sites = append(f.sites, s)
	return s, true, nil
}

func (f *fakeBackend) CreateVisit(ctx context.Context, domain string, fields models.VisitFields) (*models.Visit, *models.Microsite, error) {
	site, _, _ := f.FindOrCreateMicrosite(ctx, domain)
	site.UpdatedAt = f.now()
	v := models.Visit{
		ID: uuid.New(), MicrositeID: site.ID,
		GCLID: fields.GCLID, UTMSource: fields.UTMSource, UTMMedium: fields.UTMMedium,
		UTMCampaign: fields.UTMCampaign, IsFromGoogleAds: true,
		IPAddress: fields.IPAddress, UserAgent: fields.UserAgent, Referrer: fields.Referrer,
		CreatedAt: f.now(),
	}
	f.visits = append(f.visits, v)
	return &v, site, nil
}

func (f *fakeBackend) CreateLead(ctx context.Context, domain string, fields models.LeadFields) (*models.Lead, *models.Microsite, error) {
	site, _, _ := f.FindOrCreateMicrosite(ctx, domain)
	site.UpdatedAt = f.now()
	l := models.Lead{
		ID: uuid.New(), MicrositeID: site.ID,
		GCLID: fields.GCLID, UTMSource: fields.UTMSource, UTMMedium: fields.UTMMedium,
		UTMCampaign: fields.UTMCampaign, IsFromGoogleAds: true,
		Email: fields.Email, Phone: fields.Phone, Name: fields.Name, FormData: fields.FormData,
		CreatedAt: f.now(),
	}
	f.leads = append(f.leads, l)
	return &l, site, nil
}

func (f *fakeBackend) GetMicrosite(_ context.Context, domain string) (*models.Microsite, error) {
	if s := f.findSite(domain); s != nil {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeBackend) ListMicrosites(_ context.Context) ([]models.Microsite, error) {
	out := make([]models.Microsite, 0, len(f.sites))
	for _, s := range f.sites {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeBackend) EventsForMicrosite(_ context.Context, id uuid.UUID) ([]models.Visit, []models.Lead, error) {
	var visits []models.Visit
	var leads []models.Lead
	for _, v := range f.visits {
		if v.MicrositeID == id {
			visits = append(visits, v)
		}
	}
	for _, l := range f.leads {
		if l.MicrositeID == id {
			leads = append(leads, l)
		}
	}
	return visits, leads, nil
}

func (f *fakeBackend) AllEvents(_ context.Context) ([]models.Visit, []models.Lead, error) {
	return f.visits, f.leads, nil
}

func (f *fakeBackend) UpdateMicrositeRegion(_ context.Context, domain string, region *string) (*models.Microsite, error) {
	s := f.findSite(domain)
	if s == nil {
		return nil, storage.ErrNotFound
	}
	s.Region = region
	s.UpdatedAt = f.now()
	return s, nil
}

func (f *fakeBackend) UpdateMicrositeStatus(_ context.Context, domain string, snap models.StatusSnapshot) (*models.Microsite, error) {
	s := f.findSite(domain)
	if s == nil {
		return nil, storage.ErrNotFound
	}
	s.IsLive = &snap.Website.IsLive
	s.WebsiteLastChecked = &snap.Website.LastChecked
	s.HasForm = &snap.Form.HasForm
	s.FormWorking = snap.Form.FormWorking
	s.FormLastChecked = &snap.Form.LastChecked
	s.UpdatedAt = f.now()
	return s, nil
}

func (f *fakeBackend) EvictExpired(_ context.Context) (storage.EvictionStats, error) {
	return storage.EvictionStats{}, nil
}

func (f *fakeBackend) Mode() string { return storage.ModeEphemeral }
func (f *fakeBackend) Close() error { return nil }

// fakeNotifier records every broadcast.
type fakeNotifier struct {
	kinds []string
	data  []interface{}
}

func (n *fakeNotifier) Notify(kind string, data interface{}) {
	n.kinds = append(n.kinds, kind)
	n.data = append(n.data, data)
}

// fakeProber returns a canned snapshot and records probed domains.
type fakeProber struct {
	domains []string
	live    bool
}

func (p *fakeProber) Snapshot(_ context.Context, domain string) models.StatusSnapshot {
	p.domains = append(p.domains, domain)
	working := true
	return models.StatusSnapshot{
		Website: models.WebsiteStatus{IsLive: p.live, LastChecked: time.Now()},
		Form:    models.FormStatus{HasForm: true, FormCount: 1, FormWorking: &working, LastChecked: time.Now()},
	}
}

func newTestService(t *testing.T) (*Service, *fakeBackend, *fakeNotifier, *fakeProber, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	backend := newFakeBackend(func() time.Time { return clock })
	notifier := &fakeNotifier{}
	prober := &fakeProber{live: true}
	svc := NewService(backend, notifier, prober, WithClock(func() time.Time { return clock }))
	return svc, backend, notifier, prober, &clock
}

func strp(s string) *string { return &s }

func TestRecordVisitAttributed(t *testing.T) {
	svc, backend, notifier, _, _ := newTestService(t)
	ctx := context.Background()

	visit, tracked, err := svc.RecordVisit(ctx, models.TrackVisitRequest{
		Domain: "Promo.Example.COM",
		GCLID:  strp("abc123"),
	}, "203.0.113.9", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if !tracked {
		t.Fatal("tracked = false for gclid visit")
	}
	if visit.IPAddress == nil || *visit.IPAddress != "203.0.113.9" {
		t.Errorf("IPAddress = %v", visit.IPAddress)
	}

	if site := backend.findSite("promo.example.com"); site == nil {
		t.Error("domain not normalized to lowercase")
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != ws.MessageTypeVisit {
		t.Errorf("broadcasts = %v, want [visit]", notifier.kinds)
	}
}

func TestRecordVisitNotAttributed(t *testing.T) {
	svc, backend, notifier, _, _ := newTestService(t)

	_, tracked, err := svc.RecordVisit(context.Background(), models.TrackVisitRequest{
		Domain:    "organic.example.com",
		UTMSource: strp("newsletter"),
	}, "", "")
	if err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if tracked {
		t.Error("tracked = true for non-attributed visit")
	}
	if len(backend.sites) != 0 {
		t.Error("non-attributed visit created a microsite")
	}
	if len(notifier.kinds) != 0 {
		t.Errorf("non-attributed visit broadcast %v", notifier.kinds)
	}
}

func TestRecordLeadAttributedByUTM(t *testing.T) {
	svc, _, notifier, _, _ := newTestService(t)

	_, tracked, err := svc.RecordLead(context.Background(), models.TrackLeadRequest{
		Domain:    "promo.example.com",
		UTMSource: strp("Google"),
		UTMMedium: strp("CPC"),
		Email:     strp("buyer@example.net"),
	})
	if err != nil {
		t.Fatalf("RecordLead: %v", err)
	}
	if !tracked {
		t.Fatal("tracked = false for google/cpc lead")
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != ws.MessageTypeLead {
		t.Errorf("broadcasts = %v, want [lead]", notifier.kinds)
	}
}

func seedSite(t *testing.T, svc *Service, domain, campaign string, visits, leads int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < visits; i++ {
		if _, _, err := svc.RecordVisit(ctx, models.TrackVisitRequest{
			Domain: domain, GCLID: strp("g"), UTMCampaign: strp(campaign),
		}, "", ""); err != nil {
			t.Fatalf("seed visit: %v", err)
		}
	}
	for i := 0; i < leads; i++ {
		if _, _, err := svc.RecordLead(ctx, models.TrackLeadRequest{
			Domain: domain, GCLID: strp("g"), UTMCampaign: strp(campaign),
			Email: strp("buyer@corp.net"), Phone: strp("555-0100"),
		}); err != nil {
			t.Fatalf("seed lead: %v", err)
		}
	}
}

func TestListMicrositesSearchAndSort(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", "summer", 4, 1)
	seedSite(t, svc, "beta.example.com", "winter", 2, 2)
	seedSite(t, svc, "gamma.other.net", "summer", 6, 0)

	all, err := svc.ListMicrosites(ctx, ListQuery{SortBy: "visits", SortOrder: "desc"})
	if err != nil {
		t.Fatalf("ListMicrosites: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Domain != "gamma.other.net" {
		t.Errorf("top by visits = %s, want gamma.other.net", all[0].Domain)
	}

	byLeadsAsc, err := svc.ListMicrosites(ctx, ListQuery{SortBy: "leads", SortOrder: "asc"})
	if err != nil {
		t.Fatalf("ListMicrosites: %v", err)
	}
	if byLeadsAsc[0].Domain != "gamma.other.net" || byLeadsAsc[2].Domain != "beta.example.com" {
		t.Errorf("leads asc order = %s..%s", byLeadsAsc[0].Domain, byLeadsAsc[2].Domain)
	}

	matched, err := svc.ListMicrosites(ctx, ListQuery{Search: "EXAMPLE"})
	if err != nil {
		t.Fatalf("ListMicrosites: %v", err)
	}
	if len(matched) != 2 {
		t.Errorf("search matched %d sites, want 2", len(matched))
	}
}

func TestListMicrositesRegionFilter(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", "summer", 1, 0)
	seedSite(t, svc, "beta.example.com", "summer", 1, 0)
	if _, err := svc.SetRegion(ctx, "alpha.example.com", strp("emea")); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}

	emea, err := svc.ListMicrosites(ctx, ListQuery{Region: "emea"})
	if err != nil {
		t.Fatalf("ListMicrosites: %v", err)
	}
	if len(emea) != 1 || emea[0].Domain != "alpha.example.com" {
		t.Errorf("emea = %v", emea)
	}

	// Sites without a region belong to "unknown".
	unknown, err := svc.ListMicrosites(ctx, ListQuery{Region: "unknown"})
	if err != nil {
		t.Fatalf("ListMicrosites: %v", err)
	}
	if len(unknown) != 1 || unknown[0].Domain != "beta.example.com" {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestGetMicrositeDetail(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", "summer", 3, 2)

	detail, err := svc.GetMicrositeDetail(ctx, "alpha.example.com")
	if err != nil {
		t.Fatalf("GetMicrositeDetail: %v", err)
	}
	if detail.Stats.Visits24h != 3 || detail.Stats.Leads24h != 2 {
		t.Errorf("stats = %+v", detail.Stats)
	}
	if len(detail.Visits) != 3 || len(detail.Leads) != 2 {
		t.Errorf("events = %d visits, %d leads", len(detail.Visits), len(detail.Leads))
	}

	if _, err := svc.GetMicrositeDetail(ctx, "missing.example.com"); err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListCampaignsRegionScoped(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", "summer", 2, 1)
	seedSite(t, svc, "beta.example.com", "winter", 3, 0)
	if _, err := svc.SetRegion(ctx, "alpha.example.com", strp("emea")); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}

	all, err := svc.ListCampaigns(ctx, nil, "")
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("campaigns = %d, want 2", len(all))
	}

	emea, err := svc.ListCampaigns(ctx, nil, "emea")
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(emea) != 1 || emea[0].Name != "summer" {
		t.Errorf("emea campaigns = %v", emea)
	}
}

func TestCheckStatus(t *testing.T) {
	svc, _, notifier, prober, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CheckStatus(ctx, "missing.example.com"); err != storage.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	seedSite(t, svc, "alpha.example.com", "summer", 1, 0)
	notifier.kinds = nil

	site, err := svc.CheckStatus(ctx, "alpha.example.com")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if site.IsLive == nil || !*site.IsLive {
		t.Error("status snapshot not persisted")
	}
	if len(prober.domains) != 1 || prober.domains[0] != "alpha.example.com" {
		t.Errorf("probed %v", prober.domains)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != ws.MessageTypeStatusUpdate {
		t.Errorf("broadcasts = %v, want [status-update]", notifier.kinds)
	}
}

func TestRefreshStatusesBatchLimit(t *testing.T) {
	svc, _, notifier, prober, _ := newTestService(t)
	ctx := context.Background()

	for _, domain := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		seedSite(t, svc, domain, "summer", 1, 0)
	}
	notifier.kinds = nil

	refreshed, err := svc.RefreshStatuses(ctx, 2)
	if err != nil {
		t.Fatalf("RefreshStatuses: %v", err)
	}
	if len(refreshed) != 2 {
		t.Errorf("refreshed %d sites, want 2", len(refreshed))
	}
	if len(prober.domains) != 2 {
		t.Errorf("probed %d domains, want 2", len(prober.domains))
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != ws.MessageTypeStatusUpdate {
		t.Errorf("broadcasts = %v, want [status-update]", notifier.kinds)
	}
}

func TestSweepAlerts(t *testing.T) {
	svc, _, notifier, _, clock := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", "summer", 1, 1)
	notifier.kinds = nil

	// Everything inside the window: no alerts, no broadcast.
	alerts, err := svc.SweepAlerts(ctx)
	if err != nil {
		t.Fatalf("SweepAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %v, want none", alerts)
	}
	if len(notifier.kinds) != 0 {
		t.Errorf("broadcasts = %v, want none", notifier.kinds)
	}

	// Advance two days so every event falls out of the window.
	*clock = clock.Add(48 * time.Hour)
	alerts, err = svc.SweepAlerts(ctx)
	if err != nil {
		t.Fatalf("SweepAlerts: %v", err)
	}
	if len(alerts) != 1 || !alerts[0].Alerts.NoVisit24h || !alerts[0].Alerts.NoLead24h {
		t.Errorf("alerts = %+v", alerts)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != ws.MessageTypeAlerts {
		t.Errorf("broadcasts = %v, want [alerts]", notifier.kinds)
	}
}

func TestExportCSV(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	seedSite(t, svc, "alpha.example.com", `summer "sale"`, 2, 1)

	out, err := svc.ExportCSV(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	body := string(out)
	if !strings.HasPrefix(body, "\uFEFF") {
		t.Error("export missing UTF-8 BOM")
	}
	lines := strings.Split(strings.TrimPrefix(body, "\uFEFF"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "#,Website,Top Campaign") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], `"summer ""sale"""`) {
		t.Errorf("quotes not escaped in %q", lines[1])
	}
	if !strings.Contains(lines[1], `"50%"`) {
		t.Errorf("conversion rate missing in %q", lines[1])
	}
}
