// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package stats is the aggregation engine. It turns raw visit and lead
// slices into the enriched per-microsite rows and campaign breakdowns the
// dashboard consumes. All functions are pure and storage-agnostic; both
// backends feed the same shapes through here.
package stats

import (
	"math"
	"strings"
	"time"

	"github.com/adlens/microtrack/internal/attribution"
	"github.com/adlens/microtrack/internal/models"
)

// DefaultWindowHours is the lookback applied when no explicit range is given.
const DefaultWindowHours = 24

// DefaultWindow returns the [now-24h, now] query window.
func DefaultWindow(now time.Time) models.Window {
	return models.Window{
		From: now.Add(-DefaultWindowHours * time.Hour),
		To:   now,
	}
}

// IsTestLead reports whether a lead looks like a test submission: missing
// email or phone, or an email containing "test" or "example". Recomputed on
// every query, never persisted.
func IsTestLead(l models.Lead) bool {
	if l.Email == nil || *l.Email == "" {
		return true
	}
	if l.Phone == nil || *l.Phone == "" {
		return true
	}
	return strings.Contains(*l.Email, "test") || strings.Contains(*l.Email, "example")
}

// ConversionRate returns leads/visits*100 rounded to two decimals, or zero
// when there are no visits.
func ConversionRate(visits, leads int) float64 {
	if visits == 0 {
		return 0
	}
	return math.Round(float64(leads)/float64(visits)*100*100) / 100
}

// Enrich joins one microsite with its events into a dashboard row.
//
// All counters except TotalVisits/TotalLeads are scoped to the window, and
// further narrowed to one campaign when campaignFilter is non-empty and not
// "all". The top campaign is the strictly-highest visit count within the
// window; on an exact tie the campaign seen first in event order wins.
func Enrich(site models.Microsite, visits []models.Visit, leads []models.Lead, window models.Window, campaignFilter string) models.EnrichedMicrosite {
	var visitsInRange []models.Visit
	for _, v := range visits {
		if window.Contains(v.CreatedAt) && matchesCampaign(v.UTMCampaign, campaignFilter) {
			visitsInRange = append(visitsInRange, v)
		}
	}
	var leadsInRange []models.Lead
	for _, l := range leads {
		if window.Contains(l.CreatedAt) && matchesCampaign(l.UTMCampaign, campaignFilter) {
			leadsInRange = append(leadsInRange, l)
		}
	}

	topCampaign := topCampaignByVisits(visitsInRange)

	testLeads := 0
	for _, l := range leadsInRange {
		if IsTestLead(l) {
			testLeads++
		}
	}

	lastActivity := site.UpdatedAt
	if lastActivity.IsZero() {
		lastActivity = site.CreatedAt
	}

	return models.EnrichedMicrosite{
		Microsite:   site,
		TopCampaign: topCampaign,
		Stats: models.MicrositeStats{
			TotalVisits:    len(visits),
			TotalLeads:     len(leads),
			TestLeads:      testLeads,
			Visits24h:      len(visitsInRange),
			Leads24h:       len(leadsInRange),
			ConversionRate: ConversionRate(len(visitsInRange), len(leadsInRange)),
		},
		Alerts: models.MicrositeAlerts{
			NoVisit24h: len(visitsInRange) == 0,
			NoLead24h:  len(leadsInRange) == 0,
		},
		WebsiteStatus: WebsiteLabel(site),
		FormStatus:    FormLabel(site),
		LastActivity:  &lastActivity,
	}
}

// topCampaignByVisits returns the campaign with the strictly highest visit
// count. First-seen wins on an exact tie; callers depend on this matching
// historical dashboard output.
func topCampaignByVisits(visits []models.Visit) *string {
	counts := make(map[string]int)
	var order []string
	for _, v := range visits {
		key := attribution.CampaignKey(v.UTMCampaign)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	var top *string
	maxVisits := 0
	for _, key := range order {
		if counts[key] > maxVisits {
			maxVisits = counts[key]
			k := key
			top = &k
		}
	}
	return top
}

// CampaignBreakdown aggregates visits and leads across microsites into
// per-campaign rows. Campaign keys follow the first-seen ordering of the
// input events. Callers apply region filtering before calling.
func CampaignBreakdown(visits []models.Visit, leads []models.Lead, window models.Window) []models.CampaignStats {
	type bucket struct {
		visits int
		leads  int
	}
	buckets := make(map[string]*bucket)
	var order []string

	get := func(key string) *bucket {
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
			order = append(order, key)
		}
		return b
	}

	for _, v := range visits {
		if !window.Contains(v.CreatedAt) {
			continue
		}
		get(attribution.CampaignKey(v.UTMCampaign)).visits++
	}
	for _, l := range leads {
		if !window.Contains(l.CreatedAt) {
			continue
		}
		get(attribution.CampaignKey(l.UTMCampaign)).leads++
	}

	out := make([]models.CampaignStats, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		out = append(out, models.CampaignStats{
			Name:           key,
			Visits:         b.visits,
			Leads:          b.leads,
			ConversionRate: ConversionRate(b.visits, b.leads),
		})
	}
	return out
}

func matchesCampaign(utmCampaign *string, filter string) bool {
	if filter == "" || filter == "all" {
		return true
	}
	return attribution.CampaignKey(utmCampaign) == filter
}
