// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// csvHeaders is the fixed column set of the dashboard export.
var csvHeaders = []string{
	"#", "Website", "Top Campaign", "Region",
	"Visitors (Date Range)", "Leads (Date Range)",
	"Total Visitors", "Total Leads", "Test Leads", "Conversion %",
	"Website Status", "Form Status", "Last Activity",
}

// ExportCSV renders the filtered, sorted microsite listing as CSV. The
// output starts with a UTF-8 BOM and quotes every cell so Excel opens it
// without an import wizard.
func (s *Service) ExportCSV(ctx context.Context, q ListQuery) ([]byte, error) {
	sites, err := s.ListMicrosites(ctx, q)
	if err != nil {
		return nil, err
	}

	var buf strings.Builder
	buf.WriteString("\uFEFF")
	buf.WriteString(strings.Join(csvHeaders, ","))

	for i, site := range sites {
		row := []string{
			strconv.Itoa(i + 1),
			site.Domain,
			orNA(site.TopCampaign),
			orNA(site.Region),
			strconv.Itoa(site.Stats.Visits24h),
			strconv.Itoa(site.Stats.Leads24h),
			strconv.Itoa(site.Stats.TotalVisits),
			strconv.Itoa(site.Stats.TotalLeads),
			strconv.Itoa(site.Stats.TestLeads),
			strconv.FormatFloat(site.Stats.ConversionRate, 'f', -1, 64) + "%",
			site.WebsiteStatus.Label,
			site.FormStatus.Label,
			formatLastActivity(site.LastActivity),
		}
		buf.WriteByte('\n')
		for j, cell := range row {
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(cell, `"`, `""`))
			buf.WriteByte('"')
		}
	}
	return []byte(buf.String()), nil
}

// ExportFilename names the download after the export date.
func (s *Service) ExportFilename() string {
	return fmt.Sprintf("microsites-export-%s.csv", s.now().UTC().Format("2006-01-02"))
}

func orNA(s *string) string {
	if s == nil || *s == "" {
		return "N/A"
	}
	return *s
}

func formatLastActivity(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04:05")
}
