// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package api provides the HTTP surface: ingestion, dashboard queries,
// realtime upgrade and the embedded tracking script.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/middleware"
	"github.com/adlens/microtrack/internal/models"
)

// responseWriter writes the models.APIResponse envelope with consistent
// metadata. One is created per request.
type responseWriter struct {
	w     http.ResponseWriter
	r     *http.Request
	start time.Time
}

func newResponseWriter(w http.ResponseWriter, r *http.Request) *responseWriter {
	return &responseWriter{w: w, r: r, start: time.Now()}
}

// Success writes a 200 with the data payload.
func (rw *responseWriter) Success(data interface{}) {
	rw.write(http.StatusOK, models.APIResponse{
		Status: "success",
		Data:   data,
	})
}

// Error writes an error envelope with the given HTTP status.
func (rw *responseWriter) Error(status int, code, message string) {
	rw.write(status, models.APIResponse{
		Status: "error",
		Error:  &models.APIError{Code: code, Message: message},
	})
}

func (rw *responseWriter) write(status int, resp models.APIResponse) {
	resp.Metadata = models.Metadata{
		Timestamp:   time.Now().UTC(),
		QueryTimeMS: time.Since(rw.start).Milliseconds(),
		RequestID:   middleware.GetRequestID(rw.r.Context()),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal API response")
		rw.w.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.Header().Set("ETag", generateETag(data))
	rw.w.WriteHeader(status)
	if _, err := rw.w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write API response")
	}
}

// generateETag creates a simple ETag from data using FNV-1a hash.
func generateETag(data []byte) string {
	hash := uint32(2166136261)
	for _, b := range data {
		hash ^= uint32(b)
		hash *= 16777619
	}
	return strconv.FormatUint(uint64(hash), 16)
}
