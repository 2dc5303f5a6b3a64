// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package probe checks microsite health: website liveness with SSL expiry
// inspection, and form presence on the landing page. Probes are rate
// limited and wrapped in a circuit breaker so a flaky network cannot turn
// the status refresher into a connection storm.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/adlens/microtrack/internal/config"
	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
)

const (
	breakerName = "probe"

	// maxBodyBytes caps how much of a landing page the form detector reads.
	maxBodyBytes = 2 << 20
)

var formTagPattern = regexp.MustCompile(`(?i)<form[^>]*>`)

// ErrUnavailable is reported when the circuit breaker has the probe offline.
var ErrUnavailable = errors.New("probe: status checks unavailable")

// Checker performs website and form probes against microsite domains.
type Checker struct {
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	userAgent   string
	sslWarnDays int
	now         func() time.Time
}

// Option customizes a Checker. Used by tests to pin the clock and swap
// the HTTP transport.
type Option func(*Checker)

// WithClock overrides the wall clock used for SSL expiry math.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithHTTPClient overrides the HTTP client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// NewChecker builds a Checker from probe configuration.
//
// The transport accepts invalid certificates on purpose: a microsite with a
// broken certificate chain is still "live", and the expiry date of whatever
// certificate it presents is part of the result.
func NewChecker(cfg config.ProbeConfig, opts ...Option) *Checker {
	c := &Checker{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
				DisableKeepAlives: true,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		userAgent:   cfg.UserAgent,
		sslWarnDays: cfg.SSLWarnDays,
		now:         time.Now,
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[PROBE] Opening probe circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("[PROBE] Circuit state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckWebsite probes the domain with a HEAD request, HTTPS first with an
// HTTP fallback on transport failure. The result always carries LastChecked;
// errors are embedded in the result rather than returned so that an offline
// site is a normal answer, not a failure.
func (c *Checker) CheckWebsite(ctx context.Context, domain string) models.WebsiteStatus {
	start := c.now()
	status := models.WebsiteStatus{LastChecked: start}

	if err := c.limiter.Wait(ctx); err != nil {
		status.Error = strPtr(err.Error())
		metrics.RecordProbe("website", "rejected", 0)
		return status
	}

	resp, err := c.doProbe(ctx, http.MethodHead, "https://"+domain+"/")
	if err != nil && !breakerRejected(err) && ctx.Err() == nil {
		resp, err = c.doProbe(ctx, http.MethodHead, "http://"+domain+"/")
	}
	elapsed := c.now().Sub(start)

	if err != nil {
		status.Error = strPtr(probeErrorMessage(err))
		metrics.RecordProbe("website", "failure", elapsed)
		return status
	}
	defer resp.Body.Close()

	status.IsLive = true
	status.StatusCode = intPtr(resp.StatusCode)
	status.ResponseTime = int64Ptr(elapsed.Milliseconds())

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		expiry := resp.TLS.PeerCertificates[0].NotAfter
		status.SSLValid = true
		status.SSLExpiry = &expiry

		days := expiry.Sub(c.now()).Hours() / 24
		if days < 0 {
			status.Error = strPtr("SSL Certificate Expired")
		} else if days < float64(c.sslWarnDays) {
			status.Error = strPtr(fmt.Sprintf("SSL Expiring in %d days", int(math.Floor(days))))
		}
	}

	if resp.StatusCode >= 400 {
		status.Error = strPtr(fmt.Sprintf("HTTP Error %d", resp.StatusCode))
	}

	metrics.RecordProbe("website", "success", elapsed)
	return status
}

// CheckForm fetches the landing page and counts <form> tags. FormWorking
// stays nil only when the site was never checked; a fetch failure reports
// false.
func (c *Checker) CheckForm(ctx context.Context, domain string) models.FormStatus {
	start := c.now()
	status := models.FormStatus{LastChecked: start}

	if err := c.limiter.Wait(ctx); err != nil {
		status.Error = strPtr(err.Error())
		status.FormWorking = boolPtr(false)
		metrics.RecordProbe("form", "rejected", 0)
		return status
	}

	resp, err := c.doProbe(ctx, http.MethodGet, "https://"+domain+"/")
	if err != nil && !breakerRejected(err) && ctx.Err() == nil {
		resp, err = c.doProbe(ctx, http.MethodGet, "http://"+domain+"/")
	}
	elapsed := c.now().Sub(start)

	if err != nil {
		status.Error = strPtr(probeErrorMessage(err))
		status.FormWorking = boolPtr(false)
		metrics.RecordProbe("form", "failure", elapsed)
		return status
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		status.Error = strPtr(err.Error())
		status.FormWorking = boolPtr(false)
		metrics.RecordProbe("form", "failure", elapsed)
		return status
	}

	forms := formTagPattern.FindAll(body, -1)
	if len(forms) > 0 {
		status.HasForm = true
		status.FormCount = len(forms)
		status.FormWorking = boolPtr(true)
	} else {
		status.FormWorking = boolPtr(false)
	}

	metrics.RecordProbe("form", "success", elapsed)
	return status
}

// Snapshot runs both probes and pairs the results for a single atomic
// status update.
func (c *Checker) Snapshot(ctx context.Context, domain string) models.StatusSnapshot {
	return models.StatusSnapshot{
		Website: c.CheckWebsite(ctx, domain),
		Form:    c.CheckForm(ctx, domain),
	}
}

// doProbe issues one HTTP request through the circuit breaker. Transport
// failures count against the breaker; HTTP error statuses do not, because a
// site answering 500 proves the network path works.
func (c *Checker) doProbe(ctx context.Context, method, url string) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
			return nil, err
		}
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
		return resp, nil
	})
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// probeErrorMessage translates low-level transport errors into the messages
// the dashboard renders.
func probeErrorMessage(err error) string {
	switch {
	case breakerRejected(err):
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
		return ErrUnavailable.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "Connection Timeout"
	}
	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "Connection Timeout"
	}
	msg := err.Error()
	// url.Error wraps the verb and URL around the cause; the dashboard only
	// wants the cause.
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	return msg
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }
func boolPtr(b bool) *bool    { return &b }
