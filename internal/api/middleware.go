// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
)

// trackingCORS allows any origin: the tracking endpoints and the script are
// loaded cross-origin by arbitrary microsites.
func trackingCORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	})
}

// dashboardCORS restricts the dashboard API to the configured origins.
func dashboardCORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
}

// rateLimit returns an IP-keyed limiter writing the standard error
// envelope on rejection. Returns a pass-through when disabled.
func rateLimit(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	if cfg.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}

	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	return httprate.Limit(
		cfg.RateLimitReqs,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
			newResponseWriter(w, r).Error(http.StatusTooManyRequests,
				models.ErrCodeRateLimited, "Rate limit exceeded, retry later")
		}),
	)
}
