// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage/ephemeral"
	"github.com/adlens/microtrack/internal/tracker"
	ws "github.com/adlens/microtrack/internal/websocket"
)

// stubProber returns a canned live snapshot so status endpoints can be
// exercised without network access.
type stubProber struct {
	domains []string
}

func (p *stubProber) Snapshot(_ context.Context, domain string) models.StatusSnapshot {
	p.domains = append(p.domains, domain)
	code := 200
	working := true
	return models.StatusSnapshot{
		Website: models.WebsiteStatus{
			IsLive:      true,
			StatusCode:  &code,
			SSLValid:    true,
			LastChecked: time.Now().UTC(),
		},
		Form: models.FormStatus{
			HasForm:     true,
			FormCount:   1,
			FormWorking: &working,
			LastChecked: time.Now().UTC(),
		},
	}
}

type envelope struct {
	Status   string           `json:"status"`
	Data     json.RawMessage  `json:"data"`
	Metadata models.Metadata  `json:"metadata"`
	Error    *models.APIError `json:"error"`
}

func newTestRouter(t *testing.T) (http.Handler, *stubProber) {
	t.Helper()

	backend, err := ephemeral.New(time.Hour)
	if err != nil {
		t.Fatalf("ephemeral.New: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	prober := &stubProber{}
	hub := ws.NewHub()
	svc := tracker.NewService(backend, hub, prober)

	cfg := &config.Config{
		Security: config.SecurityConfig{
			RateLimitDisabled: true,
			CORSOrigins:       []string{"http://dashboard.local"},
		},
	}
	handler := NewHandler(svc, hub, cfg)
	return NewRouter(handler, cfg).Setup(), prober
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:41000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
		}
	}
	return rec, env
}

// seedVisit records one attributed visit through the public endpoint.
func seedVisit(t *testing.T, h http.Handler, domain, campaign string) {
	t.Helper()
	rec, env := doJSON(t, h, http.MethodPost, "/api/track/visit", map[string]interface{}{
		"domain":       domain,
		"gclid":        "seed-gclid",
		"utm_campaign": campaign,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed visit for %s: status %d body %s", domain, rec.Code, rec.Body.String())
	}
	var data struct {
		Tracked bool `json:"tracked"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || !data.Tracked {
		t.Fatalf("seed visit for %s not tracked: %s", domain, rec.Body.String())
	}
}

func TestTrackVisitAttributed(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodPost, "/api/track/visit", map[string]interface{}{
		"domain": "Example.COM",
		"gclid":  "abc123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.Status != "success" {
		t.Errorf("expected success envelope, got %q", env.Status)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	var data struct {
		Tracked bool `json:"tracked"`
		Visit   struct {
			Domain string `json:"domain"`
			IP     string `json:"ipAddress"`
		} `json:"visit"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.Tracked {
		t.Fatal("expected visit to be tracked")
	}
	if data.Visit.Domain != "example.com" {
		t.Errorf("expected normalized domain example.com, got %q", data.Visit.Domain)
	}
}

func TestTrackVisitNotAttributed(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodPost, "/api/track/visit", map[string]interface{}{
		"domain":     "organic.example.com",
		"utm_source": "newsletter",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var data struct {
		Tracked bool   `json:"tracked"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Tracked {
		t.Error("expected tracked=false for organic traffic")
	}
	if data.Message != "Not from Google Ads, not tracked" {
		t.Errorf("unexpected message %q", data.Message)
	}

	// Nothing should have been stored.
	rec, env = doJSON(t, h, http.MethodGet, "/api/microsites/organic.example.com", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for untracked domain, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != models.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND error, got %+v", env.Error)
	}
}

func TestTrackVisitValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodPost, "/api/track/visit", map[string]interface{}{
		"domain": "not a domain!",
		"gclid":  "abc",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != models.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %+v", env.Error)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/track/visit", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec2.Code)
	}
}

func TestTrackLeadWithFormData(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodPost, "/api/track/lead", map[string]interface{}{
		"domain":     "leads.example.com",
		"utm_source": "Google",
		"utm_medium": "CPC",
		"email":      "jordan@example.com",
		"form_data":  map[string]string{"plan": "starter"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var data struct {
		Tracked bool `json:"tracked"`
		Lead    struct {
			Domain   string  `json:"domain"`
			FormData *string `json:"formData"`
		} `json:"lead"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.Tracked {
		t.Fatal("expected lead to be tracked")
	}
	if data.Lead.FormData == nil || !strings.Contains(*data.Lead.FormData, "starter") {
		t.Errorf("expected serialized form data, got %v", data.Lead.FormData)
	}
}

func TestListMicrosites(t *testing.T) {
	h, _ := newTestRouter(t)
	seedVisit(t, h, "alpha.example.com", "summer-sale")
	seedVisit(t, h, "beta.example.com", "summer-sale")

	rec, env := doJSON(t, h, http.MethodGet, "/api/microsites", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sites []models.EnrichedMicrosite
	if err := json.Unmarshal(env.Data, &sites); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("expected 2 microsites, got %d", len(sites))
	}

	rec, env = doJSON(t, h, http.MethodGet, "/api/microsites?search=alpha", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(env.Data, &sites); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(sites) != 1 || sites[0].Domain != "alpha.example.com" {
		t.Errorf("search mismatch: %+v", sites)
	}
}

func TestListMicrositesBadDateRange(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodGet, "/api/microsites?startDate=2026-08-10&endDate=2026-08-01", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != models.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %+v", env.Error)
	}
}

func TestGetMicrositeDetail(t *testing.T) {
	h, _ := newTestRouter(t)
	seedVisit(t, h, "detail.example.com", "launch")

	rec, env := doJSON(t, h, http.MethodGet, "/api/microsites/detail.example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var detail struct {
		Domain string `json:"domain"`
		Visits []struct {
			Campaign *string `json:"utmCampaign"`
		} `json:"visits"`
		Stats struct {
			Visits24h int `json:"visits24h"`
			Leads24h  int `json:"leads24h"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if detail.Domain != "detail.example.com" {
		t.Errorf("unexpected domain %q", detail.Domain)
	}
	if len(detail.Visits) != 1 || detail.Stats.Visits24h != 1 {
		t.Errorf("expected one recent visit, got %+v", detail)
	}
}

func TestCheckStatusEndpoint(t *testing.T) {
	h, prober := newTestRouter(t)
	seedVisit(t, h, "status.example.com", "launch")

	rec, env := doJSON(t, h, http.MethodPost, "/api/microsites/status.example.com/check-status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(prober.domains) != 1 || prober.domains[0] != "status.example.com" {
		t.Errorf("expected one probe of status.example.com, got %v", prober.domains)
	}

	var site models.Microsite
	if err := json.Unmarshal(env.Data, &site); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if site.IsLive == nil || !*site.IsLive {
		t.Error("expected persisted isLive=true")
	}

	rec, env = doJSON(t, h, http.MethodPost, "/api/microsites/missing.example.com/check-status", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown domain, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != models.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %+v", env.Error)
	}
}

func TestUpdateRegion(t *testing.T) {
	h, _ := newTestRouter(t)
	seedVisit(t, h, "region.example.com", "launch")

	rec, env := doJSON(t, h, http.MethodPut, "/api/microsites/region.example.com/region", map[string]interface{}{
		"region": "emea",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var site models.Microsite
	if err := json.Unmarshal(env.Data, &site); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if site.Region == nil || *site.Region != "emea" {
		t.Errorf("expected region emea, got %v", site.Region)
	}

	rec, _ = doJSON(t, h, http.MethodPut, "/api/microsites/missing.example.com/region", map[string]interface{}{
		"region": "emea",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown domain, got %d", rec.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	h, _ := newTestRouter(t)
	seedVisit(t, h, "camp.example.com", "summer-sale")

	rec, env := doJSON(t, h, http.MethodGet, "/api/campaigns", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var campaigns []models.CampaignStats
	if err := json.Unmarshal(env.Data, &campaigns); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].Name != "summer-sale" {
		t.Errorf("unexpected campaigns %+v", campaigns)
	}
}

func TestExportMicrosites(t *testing.T) {
	h, _ := newTestRouter(t)
	seedVisit(t, h, "export.example.com", "launch")

	req := httptest.NewRequest(http.MethodGet, "/api/microsites/export", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, `attachment; filename="microsites-export-`) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "\uFEFF#,Website,Top Campaign") {
		t.Errorf("expected BOM and header row, got %q", body[:min(len(body), 60)])
	}
	if !strings.Contains(body, `"export.example.com"`) {
		t.Error("expected quoted domain cell in export")
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, env := doJSON(t, h, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var data struct {
		Status      string `json:"status"`
		StorageMode string `json:"storageMode"`
		WSClients   int    `json:"wsClients"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != "ok" {
		t.Errorf("expected ok, got %q", data.Status)
	}
	if data.StorageMode != "ephemeral" {
		t.Errorf("expected ephemeral storage mode, got %q", data.StorageMode)
	}
	if env.Metadata.Timestamp.IsZero() {
		t.Error("expected response metadata timestamp")
	}
}

func TestTrackingScript(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/tracking.js", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Errorf("expected application/javascript, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "MicrotrackConfig") {
		t.Error("expected tracking script body")
	}
}

func TestWebSocketOriginPolicy(t *testing.T) {
	handler := &Handler{cfg: &config.Config{
		Security: config.SecurityConfig{CORSOrigins: []string{"http://dashboard.local"}},
	}}

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"missing origin", "", false},
		{"allowed origin", "http://dashboard.local", true},
		{"unknown origin", "http://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := handler.checkWebSocketOrigin(req); got != tt.want {
				t.Errorf("checkWebSocketOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
