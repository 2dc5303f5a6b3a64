// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package attribution decides whether a tracking event originated from a
// Google Ads click. Only attributed events are ever stored; everything else
// is rejected at the ingestion boundary.
package attribution

import "strings"

// UnknownCampaign is the campaign key used when an attributed event carries
// no utm_campaign value.
const UnknownCampaign = "Unknown Campaign"

// paid click utm_medium values
var paidMediums = map[string]bool{
	"cpc": true,
	"ppc": true,
}

// Params are the attribution-relevant query parameters of a tracking event.
type Params struct {
	GCLID       *string
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
}

// IsFromGoogleAds reports whether the event is attributable to a Google Ads
// click: a non-empty gclid, or utm_source "google" with a paid utm_medium
// (cpc or ppc). Matching is case-insensitive; values are trimmed first.
func IsFromGoogleAds(p Params) bool {
	if clean(p.GCLID) != "" {
		return true
	}

	source := strings.ToLower(clean(p.UTMSource))
	medium := strings.ToLower(clean(p.UTMMedium))
	return source == "google" && paidMediums[medium]
}

// CampaignKey returns the campaign grouping key for an attributed event.
// Events without a utm_campaign fall into the UnknownCampaign bucket.
func CampaignKey(utmCampaign *string) string {
	if c := clean(utmCampaign); c != "" {
		return c
	}
	return UnknownCampaign
}

func clean(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
