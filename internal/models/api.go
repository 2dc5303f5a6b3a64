// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// APIResponse is the envelope returned by every JSON endpoint.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata accompanies every API response.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms"`
	RequestID   string    `json:"request_id,omitempty"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used across handlers.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// TrackVisitRequest is the ingestion payload for POST /api/track/visit.
type TrackVisitRequest struct {
	Domain      string  `json:"domain" validate:"required,domain"`
	GCLID       *string `json:"gclid"`
	UTMSource   *string `json:"utm_source"`
	UTMMedium   *string `json:"utm_medium"`
	UTMCampaign *string `json:"utm_campaign"`
	Referrer    *string `json:"referrer"`
}

// TrackLeadRequest is the ingestion payload for POST /api/track/lead.
type TrackLeadRequest struct {
	Domain      string  `json:"domain" validate:"required,domain"`
	GCLID       *string `json:"gclid"`
	UTMSource   *string `json:"utm_source"`
	UTMMedium   *string `json:"utm_medium"`
	UTMCampaign *string `json:"utm_campaign"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Phone       *string `json:"phone"`
	Name        *string `json:"name"`
	// FormData arrives as an arbitrary JSON object and is persisted as its
	// serialized form.
	FormData json.RawMessage `json:"form_data"`
}

// UpdateRegionRequest is the payload for PUT /api/microsites/{domain}/region.
type UpdateRegionRequest struct {
	Region *string `json:"region" validate:"omitempty,max=100"`
}
