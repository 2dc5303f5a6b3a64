// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package models

import "time"

// StatusLabel is a presentation-ready classification of a probe snapshot.
// The aggregation layer derives labels deterministically from the snapshot
// fields; the dashboard renders them as-is.
type StatusLabel struct {
	Label string `json:"label"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

// MicrositeStats holds the per-microsite counters computed over a query
// window. ConversionRate is leads/visits*100 rounded to two decimals, zero
// when the window has no visits.
type MicrositeStats struct {
	TotalVisits    int     `json:"totalVisits"`
	TotalLeads     int     `json:"totalLeads"`
	TestLeads      int     `json:"testLeads"`
	Visits24h      int     `json:"visits24h"`
	Leads24h       int     `json:"leads24h"`
	ConversionRate float64 `json:"conversionRate"`
}

// MicrositeAlerts flags inactivity over the query window.
type MicrositeAlerts struct {
	NoVisit24h bool `json:"noVisit24h"`
	NoLead24h  bool `json:"noLead24h"`
}

// EnrichedMicrosite is a Microsite joined with everything the dashboard
// needs for one row: window-scoped stats, the dominant campaign, inactivity
// alerts, derived status labels, and the most recent event timestamp.
type EnrichedMicrosite struct {
	Microsite

	TopCampaign   *string         `json:"topCampaign"`
	Stats         MicrositeStats  `json:"stats"`
	Alerts        MicrositeAlerts `json:"alerts"`
	WebsiteStatus StatusLabel     `json:"websiteStatus"`
	FormStatus    StatusLabel     `json:"formStatus"`
	LastActivity  *time.Time      `json:"lastActivity"`
}

// CampaignStats is one row of the cross-microsite campaign breakdown.
type CampaignStats struct {
	Name           string  `json:"name"`
	Visits         int     `json:"visits"`
	Leads          int     `json:"leads"`
	ConversionRate float64 `json:"conversionRate"`
}

// AlertEntry identifies a microsite currently in an alert state, broadcast
// by the periodic alert sweep.
type AlertEntry struct {
	Domain string          `json:"domain"`
	Name   string          `json:"name"`
	Alerts MicrositeAlerts `json:"alerts"`
}

// Window bounds an aggregation query in time. Both ends are inclusive.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}
