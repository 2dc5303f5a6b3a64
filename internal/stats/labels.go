// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package stats

import (
	"strings"

	"github.com/adlens/microtrack/internal/models"
)

// Status labels are derived from the stored probe snapshot on every query.
// The precedence order matches what operators have learned to read on the
// dashboard, so changes here are breaking.

var (
	labelOffline   = models.StatusLabel{Label: "Offline", Color: "red", Icon: "🔴"}
	labelSSLIssue  = models.StatusLabel{Label: "SSL Issue", Color: "orange", Icon: "⚠️"}
	labelError     = models.StatusLabel{Label: "Error", Color: "orange", Icon: "⚠️"}
	labelHTTPOnly  = models.StatusLabel{Label: "HTTP Only", Color: "yellow", Icon: "🟡"}
	labelLive      = models.StatusLabel{Label: "Live", Color: "green", Icon: "🟢"}
	labelUnknown   = models.StatusLabel{Label: "Unknown", Color: "gray", Icon: "❓"}
	labelNoForm    = models.StatusLabel{Label: "No Form", Color: "red", Icon: "❌"}
	labelFormError = models.StatusLabel{Label: "Form Error", Color: "red", Icon: "❌"}
	labelActive    = models.StatusLabel{Label: "Active", Color: "green", Icon: "✅"}
	labelChecking  = models.StatusLabel{Label: "Checking...", Color: "yellow", Icon: "⏳"}
)

// WebsiteLabel classifies the website probe snapshot.
func WebsiteLabel(m models.Microsite) models.StatusLabel {
	if m.IsLive == nil || !*m.IsLive {
		return labelOffline
	}

	if m.WebsiteError != nil {
		if strings.Contains(*m.WebsiteError, "SSL") {
			return labelSSLIssue
		}
		if strings.Contains(*m.WebsiteError, "HTTP Error") {
			return labelError
		}
	}

	if m.StatusCode != nil && *m.StatusCode >= 400 {
		return labelError
	}

	if (m.SSLValid == nil || !*m.SSLValid) && m.WebsiteLastChecked != nil {
		return labelHTTPOnly
	}

	return labelLive
}

// FormLabel classifies the form probe snapshot.
func FormLabel(m models.Microsite) models.StatusLabel {
	if m.FormLastChecked == nil {
		return labelUnknown
	}

	if m.HasForm == nil || !*m.HasForm {
		return labelNoForm
	}

	if m.FormWorking != nil {
		if !*m.FormWorking {
			return labelFormError
		}
		return labelActive
	}

	return labelChecking
}
