// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package models defines data structures used throughout the Microtrack application.
// These models represent tracked microsites, attributed traffic events, aggregated
// statistics, and API responses.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Microsite represents a single tracked web property identified by its domain.
//
// A Microsite is created lazily on the first attributed event for an unseen
// domain (find-or-create, never duplicated) and updated on every subsequent
// event and on every status refresh. The domain is globally unique and
// case-normalized before storage.
//
// The status snapshot fields (IsLive through FormLastChecked) mirror the
// output of the website/form probes verbatim. They are written as a whole on
// each refresh (last-write-wins), never field by field.
type Microsite struct {
	ID        uuid.UUID `json:"id"`
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	Region    *string   `json:"region"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Website status snapshot (nil until first probe)
	IsLive             *bool      `json:"isLive"`
	StatusCode         *int       `json:"statusCode"`
	SSLValid           *bool      `json:"sslValid"`
	SSLExpiry          *time.Time `json:"sslExpiry"`
	WebsiteError       *string    `json:"websiteError"`
	ResponseTime       *int64     `json:"responseTime"`
	WebsiteLastChecked *time.Time `json:"websiteLastChecked"`

	// Form status snapshot (nil until first probe)
	HasForm         *bool      `json:"hasForm"`
	FormCount       *int       `json:"formCount"`
	FormWorking     *bool      `json:"formWorking"`
	FormError       *string    `json:"formError"`
	FormLastChecked *time.Time `json:"formLastChecked"`
}

// Visit represents one ad-attributed page view. Immutable after creation.
//
// Non-attributed traffic is rejected before storage, so IsFromGoogleAds is
// always true for stored visits; the column exists so exports and the durable
// schema match the ingestion contract.
type Visit struct {
	ID              uuid.UUID `json:"id"`
	MicrositeID     uuid.UUID `json:"micrositeId"`
	GCLID           *string   `json:"gclid"`
	UTMSource       *string   `json:"utmSource"`
	UTMMedium       *string   `json:"utmMedium"`
	UTMCampaign     *string   `json:"utmCampaign"`
	IsFromGoogleAds bool      `json:"isFromGoogleAds"`
	IPAddress       *string   `json:"ipAddress"`
	UserAgent       *string   `json:"userAgent"`
	Referrer        *string   `json:"referrer"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Lead represents one ad-attributed form submission. Immutable after creation.
//
// Whether a lead is a "test lead" is a heuristic recomputed on every query
// (see stats.IsTestLead), never persisted as a flag.
type Lead struct {
	ID              uuid.UUID `json:"id"`
	MicrositeID     uuid.UUID `json:"micrositeId"`
	GCLID           *string   `json:"gclid"`
	UTMSource       *string   `json:"utmSource"`
	UTMMedium       *string   `json:"utmMedium"`
	UTMCampaign     *string   `json:"utmCampaign"`
	IsFromGoogleAds bool      `json:"isFromGoogleAds"`
	Email           *string   `json:"email"`
	Phone           *string   `json:"phone"`
	Name            *string   `json:"name"`
	FormData        *string   `json:"formData"`
	CreatedAt       time.Time `json:"createdAt"`
}

// VisitFields carries the caller-supplied attributes of a new visit.
// The storage backend assigns ID and CreatedAt at write time.
type VisitFields struct {
	GCLID       *string
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	IPAddress   *string
	UserAgent   *string
	Referrer    *string
}

// LeadFields carries the caller-supplied attributes of a new lead.
type LeadFields struct {
	GCLID       *string
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	Email       *string
	Phone       *string
	Name        *string
	FormData    *string
}

// WebsiteStatus is the verbatim result of a website liveness/SSL probe.
type WebsiteStatus struct {
	IsLive       bool       `json:"isLive"`
	StatusCode   *int       `json:"statusCode"`
	SSLValid     bool       `json:"sslValid"`
	SSLExpiry    *time.Time `json:"sslExpiry"`
	Error        *string    `json:"error"`
	ResponseTime *int64     `json:"responseTime"`
	LastChecked  time.Time  `json:"lastChecked"`
}

// FormStatus is the verbatim result of a form detection probe.
// FormWorking is nil while unknown (never checked).
type FormStatus struct {
	HasForm     bool      `json:"hasForm"`
	FormCount   int       `json:"formCount"`
	FormWorking *bool     `json:"formWorking"`
	Error       *string   `json:"error"`
	LastChecked time.Time `json:"lastChecked"`
}

// StatusSnapshot pairs the two probe results written to a microsite in one
// atomic update.
type StatusSnapshot struct {
	Website WebsiteStatus `json:"websiteStatus"`
	Form    FormStatus    `json:"formStatus"`
}
