// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage"
	"github.com/adlens/microtrack/internal/tracker"
	"github.com/adlens/microtrack/internal/validation"
	ws "github.com/adlens/microtrack/internal/websocket"
)

// Handler owns the HTTP endpoints.
type Handler struct {
	svc     *tracker.Service
	hub     *ws.Hub
	cfg     *config.Config
	started time.Time
}

// NewHandler builds the endpoint set.
func NewHandler(svc *tracker.Service, hub *ws.Hub, cfg *config.Config) *Handler {
	return &Handler{
		svc:     svc,
		hub:     hub,
		cfg:     cfg,
		started: time.Now(),
	}
}

// TrackVisit handles POST /api/track/visit. Non-attributed traffic is
// answered 200 with tracked=false and never stored.
func (h *Handler) TrackVisit(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)

	var req models.TrackVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, "Invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, verr.Error())
		return
	}

	visit, tracked, err := h.svc.RecordVisit(r.Context(), req, clientIP(r), r.UserAgent())
	if err != nil {
		logging.Error().Err(err).Str("domain", req.Domain).Msg("Failed to record visit")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to record visit")
		return
	}
	if !tracked {
		rw.Success(map[string]interface{}{
			"tracked": false,
			"message": "Not from Google Ads, not tracked",
		})
		return
	}
	rw.Success(map[string]interface{}{
		"tracked": true,
		"visit":   visit,
	})
}

// TrackLead handles POST /api/track/lead.
func (h *Handler) TrackLead(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)

	var req models.TrackLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, "Invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, verr.Error())
		return
	}

	lead, tracked, err := h.svc.RecordLead(r.Context(), req)
	if err != nil {
		logging.Error().Err(err).Str("domain", req.Domain).Msg("Failed to record lead")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to record lead")
		return
	}
	if !tracked {
		rw.Success(map[string]interface{}{
			"tracked": false,
			"message": "Not from Google Ads, not tracked",
		})
		return
	}
	rw.Success(map[string]interface{}{
		"tracked": true,
		"lead":    lead,
	})
}

// ListMicrosites handles GET /api/microsites.
func (h *Handler) ListMicrosites(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)

	q, err := listQueryFromRequest(r)
	if err != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, err.Error())
		return
	}

	sites, err := h.svc.ListMicrosites(r.Context(), q)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list microsites")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to list microsites")
		return
	}
	rw.Success(sites)
}

// ExportMicrosites handles GET /api/microsites/export, streaming the
// listing as Excel-friendly CSV.
func (h *Handler) ExportMicrosites(w http.ResponseWriter, r *http.Request) {
	q, err := listQueryFromRequest(r)
	if err != nil {
		newResponseWriter(w, r).Error(http.StatusBadRequest, models.ErrCodeValidation, err.Error())
		return
	}

	csv, err := h.svc.ExportCSV(r.Context(), q)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to export microsites")
		newResponseWriter(w, r).Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to export microsites")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+h.svc.ExportFilename()+`"`)
	if _, err := w.Write(csv); err != nil {
		logging.Error().Err(err).Msg("Failed to write CSV export")
	}
}

// GetMicrosite handles GET /api/microsites/{domain}.
func (h *Handler) GetMicrosite(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)
	domain := chi.URLParam(r, "domain")

	detail, err := h.svc.GetMicrositeDetail(r.Context(), domain)
	if errors.Is(err, storage.ErrNotFound) {
		rw.Error(http.StatusNotFound, models.ErrCodeNotFound, "Microsite not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("domain", domain).Msg("Failed to fetch microsite")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to fetch microsite")
		return
	}
	rw.Success(detail)
}

// CheckStatus handles POST /api/microsites/{domain}/check-status.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)
	domain := chi.URLParam(r, "domain")

	site, err := h.svc.CheckStatus(r.Context(), domain)
	if errors.Is(err, storage.ErrNotFound) {
		rw.Error(http.StatusNotFound, models.ErrCodeNotFound, "Microsite not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("domain", domain).Msg("Status check failed")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Status check failed")
		return
	}
	rw.Success(site)
}

// UpdateRegion handles PUT /api/microsites/{domain}/region.
func (h *Handler) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)
	domain := chi.URLParam(r, "domain")

	var req models.UpdateRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, "Invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, verr.Error())
		return
	}

	site, err := h.svc.SetRegion(r.Context(), domain, req.Region)
	if errors.Is(err, storage.ErrNotFound) {
		rw.Error(http.StatusNotFound, models.ErrCodeNotFound, "Microsite not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("domain", domain).Msg("Failed to update region")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to update region")
		return
	}
	rw.Success(site)
}

// ListCampaigns handles GET /api/campaigns.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)

	window, err := windowFromRequest(r)
	if err != nil {
		rw.Error(http.StatusBadRequest, models.ErrCodeValidation, err.Error())
		return
	}

	campaigns, err := h.svc.ListCampaigns(r.Context(), window, r.URL.Query().Get("region"))
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list campaigns")
		rw.Error(http.StatusInternalServerError, models.ErrCodeInternal, "Failed to list campaigns")
		return
	}
	rw.Success(campaigns)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	newResponseWriter(w, r).Success(map[string]interface{}{
		"status":        "ok",
		"storageMode":   h.svc.StorageMode(),
		"wsClients":     h.hub.GetClientCount(),
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	})
}

// upgrader accepts realtime dashboard connections. Origin checking follows
// the dashboard CORS policy.
func (h *Handler) upgrader() gorillaws.Upgrader {
	return gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin rejects connections without an Origin header;
// browsers always send one, so its absence means a non-browser client
// bypassing CORS.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn().Msg("WebSocket connection rejected: missing Origin header")
		return false
	}
	if h.cfg == nil {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket handles GET /ws, upgrading to the realtime feed.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// listQueryFromRequest parses the shared listing/export query parameters.
func listQueryFromRequest(r *http.Request) (tracker.ListQuery, error) {
	q := r.URL.Query()

	window, err := windowFromRequest(r)
	if err != nil {
		return tracker.ListQuery{}, err
	}

	return tracker.ListQuery{
		Search:    q.Get("search"),
		Window:    window,
		Campaign:  q.Get("campaign"),
		Region:    q.Get("region"),
		SortBy:    defaultStr(q.Get("sortBy"), "visits"),
		SortOrder: defaultStr(q.Get("sortOrder"), "desc"),
	}, nil
}

// windowFromRequest parses startDate/endDate; both must be present to
// narrow the window, otherwise the default trailing 24h applies.
func windowFromRequest(r *http.Request) (*models.Window, error) {
	q := r.URL.Query()
	startRaw, endRaw := q.Get("startDate"), q.Get("endDate")
	if startRaw == "" || endRaw == "" {
		return nil, nil
	}

	start, err := parseDate(startRaw)
	if err != nil {
		return nil, errors.New("startDate must be RFC3339 or YYYY-MM-DD")
	}
	end, err := parseDate(endRaw)
	if err != nil {
		return nil, errors.New("endDate must be RFC3339 or YYYY-MM-DD")
	}
	if end.Before(start) {
		return nil, errors.New("endDate must not precede startDate")
	}
	return &models.Window{From: start, To: end}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// clientIP prefers the RealIP middleware's rewrite of RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
