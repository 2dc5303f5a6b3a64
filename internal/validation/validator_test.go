// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package validation

import (
	"strings"
	"testing"
)

type trackRequest struct {
	Domain string `validate:"required,domain"`
	Email  string `validate:"omitempty,email"`
	Region string `validate:"omitempty,max=100"`
}

func TestValidateStructDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"bare hostname", "localhost", false},
		{"simple domain", "example.com", false},
		{"subdomain", "promo.example.co.uk", false},
		{"mixed case", "Promo.Example.COM", false},
		{"hyphenated", "my-site.example.com", false},
		{"empty", "", true},
		{"with scheme", "https://example.com", true},
		{"with port", "example.com:8080", true},
		{"with path", "example.com/landing", true},
		{"leading hyphen", "-bad.example.com", true},
		{"with space", "exa mple.com", true},
		{"too long", strings.Repeat("a", 254), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&trackRequest{Domain: tt.domain})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStruct(domain=%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStructEmail(t *testing.T) {
	err := ValidateStruct(&trackRequest{Domain: "example.com", Email: "not-an-email"})
	if err == nil {
		t.Fatal("expected validation error for malformed email")
	}
	if len(err.Errors()) != 1 {
		t.Fatalf("expected 1 error, got %d", len(err.Errors()))
	}
	if err.Errors()[0].Field() != "Email" {
		t.Errorf("error field = %q, want Email", err.Errors()[0].Field())
	}
	if !strings.Contains(err.Error(), "valid email") {
		t.Errorf("error message %q should mention valid email", err.Error())
	}
}

func TestValidateStructMultipleErrors(t *testing.T) {
	err := ValidateStruct(&trackRequest{
		Domain: "bad domain",
		Email:  "nope",
		Region: strings.Repeat("x", 101),
	})
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if len(err.Errors()) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(err.Errors()), err)
	}
}
