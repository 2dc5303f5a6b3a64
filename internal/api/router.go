// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package api

import (
	"embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/middleware"
)

//go:embed assets/tracking.js
var assets embed.FS

// Router assembles the HTTP surface.
type Router struct {
	handler *Handler
	cfg     *config.Config
}

// NewRouter builds the router around the endpoint set.
func NewRouter(handler *Handler, cfg *config.Config) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup wires all routes and middleware and returns the root handler.
//
// The tracking surface (/api/track/*, /tracking.js) runs with an open CORS
// policy so any microsite can call it; the dashboard API is restricted to
// the configured origins.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Ingestion surface, called cross-origin from microsites.
	r.Route("/api/track", func(r chi.Router) {
		r.Use(trackingCORS())
		r.Use(rateLimit(rt.cfg.Security))
		r.Use(middleware.PrometheusMetrics)

		r.Post("/visit", rt.handler.TrackVisit)
		r.Post("/lead", rt.handler.TrackLead)
	})

	// Dashboard API.
	r.Route("/api", func(r chi.Router) {
		r.Use(dashboardCORS(rt.cfg.Security.CORSOrigins))
		r.Use(rateLimit(rt.cfg.Security))
		r.Use(middleware.PrometheusMetrics)

		r.Get("/health", rt.handler.Health)
		r.Get("/campaigns", rt.handler.ListCampaigns)

		r.Route("/microsites", func(r chi.Router) {
			r.Get("/", rt.handler.ListMicrosites)
			r.Get("/export", rt.handler.ExportMicrosites)
			r.Get("/{domain}", rt.handler.GetMicrosite)
			r.Post("/{domain}/check-status", rt.handler.CheckStatus)
			r.Put("/{domain}/region", rt.handler.UpdateRegion)
		})
	})

	// Realtime feed for the dashboard.
	r.Get("/ws", rt.handler.WebSocket)

	// Unprefixed alias for load balancer checks.
	r.Get("/health", rt.handler.Health)

	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.Handler())

	// The embeddable tracking script, loaded by microsites.
	r.With(trackingCORS()).Get("/tracking.js", serveTrackingScript)

	return r
}

func serveTrackingScript(w http.ResponseWriter, r *http.Request) {
	script, err := assets.ReadFile("assets/tracking.js")
	if err != nil {
		logging.Error().Err(err).Msg("Tracking script missing from embedded assets")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := w.Write(script); err != nil {
		logging.Error().Err(err).Msg("Failed to write tracking script")
	}
}
