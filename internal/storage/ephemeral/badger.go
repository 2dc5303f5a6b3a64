// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package ephemeral implements the storage backend on an in-memory BadgerDB.
// Events carry a TTL and disappear without persistence; microsites left with
// no live events are pruned by the periodic eviction sweep. Suited to demos
// and development, not production bookkeeping.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/adlens/microtrack/internal/logging"
	"github.com/adlens/microtrack/internal/metrics"
	"github.com/adlens/microtrack/internal/models"
	"github.com/adlens/microtrack/internal/storage"
)

// Key prefixes for BadgerDB storage. Event keys embed a zero-padded
// nanosecond timestamp so prefix iteration yields oldest-first order.
const (
	siteKeyPrefix  = "site:"
	visitKeyPrefix = "visit:"
	leadKeyPrefix  = "lead:"
)

// maxTxnRetries bounds optimistic-conflict retries on find-or-create.
const maxTxnRetries = 5

// Backend is the ephemeral storage implementation.
type Backend struct {
	db  *badger.DB
	ttl time.Duration

	// injected for deterministic tests
	now   func() time.Time
	newID func() uuid.UUID
}

// Option customizes a Backend.
type Option func(*Backend)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithIDGenerator overrides the event/microsite ID source.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(b *Backend) { b.newID = newID }
}

// New opens an in-memory BadgerDB and returns the backend. ttl is the event
// lifetime enforced by EvictExpired.
func New(ttl time.Duration, opts ...Option) (*Backend, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ephemeral: ttl must be positive, got %s", ttl)
	}

	badgerOpts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("ephemeral: open badger: %w", err)
	}

	b := &Backend{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(b)
	}

	logging.Info().Dur("ttl", ttl).Msg("Ephemeral storage backend initialized")
	return b, nil
}

// Mode implements storage.Backend.
func (b *Backend) Mode() string { return storage.ModeEphemeral }

// Close implements storage.Backend.
func (b *Backend) Close() error { return b.db.Close() }

func siteKey(domain string) []byte {
	return []byte(siteKeyPrefix + domain)
}

// eventKey orders events by creation time within a domain.
func eventKey(prefix, domain string, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefix, domain, at.UnixNano(), id))
}

// FindOrCreateMicrosite implements storage.Backend. Concurrent creates for
// the same unseen domain serialize through Badger's optimistic conflict
// detection: the loser retries, observes the winner's row, and returns it.
func (b *Backend) FindOrCreateMicrosite(ctx context.Context, domain string) (*models.Microsite, bool, error) {
	var site models.Microsite
	var created bool

	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		created = false
		existing, err := b.getSite(txn, domain)
		if err == nil {
			site = *existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		now := b.now()
		site = models.Microsite{
			ID:        b.newID(),
			Domain:    domain,
			Name:      domain,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
		return b.putSite(txn, &site)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.MicrositesCreated.Inc()
	}
	return &site, created, nil
}

// CreateVisit implements storage.Backend.
func (b *Backend) CreateVisit(ctx context.Context, domain string, f models.VisitFields) (*models.Visit, *models.Microsite, error) {
	var visit models.Visit
	var site models.Microsite
	var siteCreated bool

	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		s, created, err := b.upsertSiteForEvent(txn, domain)
		if err != nil {
			return err
		}
		site = *s
		siteCreated = created

		visit = models.Visit{
			ID:              b.newID(),
			MicrositeID:     site.ID,
			GCLID:           f.GCLID,
			UTMSource:       f.UTMSource,
			UTMMedium:       f.UTMMedium,
			UTMCampaign:     f.UTMCampaign,
			IsFromGoogleAds: true,
			IPAddress:       f.IPAddress,
			UserAgent:       f.UserAgent,
			Referrer:        f.Referrer,
			CreatedAt:       b.now(),
		}

		data, err := json.Marshal(&visit)
		if err != nil {
			return fmt.Errorf("marshal visit: %w", err)
		}
		key := eventKey(visitKeyPrefix, domain, visit.CreatedAt, visit.ID)
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(b.entryTTL()))
	})
	if err != nil {
		return nil, nil, err
	}
	if siteCreated {
		metrics.MicrositesCreated.Inc()
	}
	return &visit, &site, nil
}

// CreateLead implements storage.Backend.
func (b *Backend) CreateLead(ctx context.Context, domain string, f models.LeadFields) (*models.Lead, *models.Microsite, error) {
	var lead models.Lead
	var site models.Microsite
	var siteCreated bool

	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		s, created, err := b.upsertSiteForEvent(txn, domain)
		if err != nil {
			return err
		}
		site = *s
		siteCreated = created

		lead = models.Lead{
			ID:              b.newID(),
			MicrositeID:     site.ID,
			GCLID:           f.GCLID,
			UTMSource:       f.UTMSource,
			UTMMedium:       f.UTMMedium,
			UTMCampaign:     f.UTMCampaign,
			IsFromGoogleAds: true,
			Email:           f.Email,
			Phone:           f.Phone,
			Name:            f.Name,
			FormData:        f.FormData,
			CreatedAt:       b.now(),
		}

		data, err := json.Marshal(&lead)
		if err != nil {
			return fmt.Errorf("marshal lead: %w", err)
		}
		key := eventKey(leadKeyPrefix, domain, lead.CreatedAt, lead.ID)
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(b.entryTTL()))
	})
	if err != nil {
		return nil, nil, err
	}
	if siteCreated {
		metrics.MicrositesCreated.Inc()
	}
	return &lead, &site, nil
}

// GetMicrosite implements storage.Backend.
func (b *Backend) GetMicrosite(ctx context.Context, domain string) (*models.Microsite, error) {
	var site *models.Microsite
	err := b.db.View(func(txn *badger.Txn) error {
		s, err := b.getSite(txn, domain)
		if err != nil {
			return err
		}
		site = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return site, nil
}

// ListMicrosites implements storage.Backend.
func (b *Backend) ListMicrosites(ctx context.Context) ([]models.Microsite, error) {
	var sites []models.Microsite
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(siteKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var site models.Microsite
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &site)
			})
			if err != nil {
				return fmt.Errorf("unmarshal microsite: %w", err)
			}
			sites = append(sites, site)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sites, nil
}

// EventsForMicrosite implements storage.Backend.
func (b *Backend) EventsForMicrosite(ctx context.Context, micrositeID uuid.UUID) ([]models.Visit, []models.Lead, error) {
	visits, leads, err := b.AllEvents(ctx)
	if err != nil {
		return nil, nil, err
	}

	var ownedVisits []models.Visit
	for _, v := range visits {
		if v.MicrositeID == micrositeID {
			ownedVisits = append(ownedVisits, v)
		}
	}
	var ownedLeads []models.Lead
	for _, l := range leads {
		if l.MicrositeID == micrositeID {
			ownedLeads = append(ownedLeads, l)
		}
	}
	return ownedVisits, ownedLeads, nil
}

// AllEvents implements storage.Backend.
func (b *Backend) AllEvents(ctx context.Context) ([]models.Visit, []models.Lead, error) {
	var visits []models.Visit
	var leads []models.Lead

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		visitPrefix := []byte(visitKeyPrefix)
		for it.Seek(visitPrefix); it.ValidForPrefix(visitPrefix); it.Next() {
			var v models.Visit
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("unmarshal visit: %w", err)
			}
			visits = append(visits, v)
		}

		leadPrefix := []byte(leadKeyPrefix)
		for it.Seek(leadPrefix); it.ValidForPrefix(leadPrefix); it.Next() {
			var l models.Lead
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			}); err != nil {
				return fmt.Errorf("unmarshal lead: %w", err)
			}
			leads = append(leads, l)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Keys group by domain; re-sort for global oldest-first order.
	sortVisits(visits)
	sortLeads(leads)
	return visits, leads, nil
}

// UpdateMicrositeRegion implements storage.Backend.
func (b *Backend) UpdateMicrositeRegion(ctx context.Context, domain string, region *string) (*models.Microsite, error) {
	return b.mutateSite(ctx, domain, func(site *models.Microsite) {
		site.Region = region
	})
}

// UpdateMicrositeStatus implements storage.Backend. The snapshot replaces
// all probe fields in one write.
func (b *Backend) UpdateMicrositeStatus(ctx context.Context, domain string, snap models.StatusSnapshot) (*models.Microsite, error) {
	return b.mutateSite(ctx, domain, func(site *models.Microsite) {
		applySnapshot(site, snap)
	})
}

// EvictExpired implements storage.Backend. Events older than the TTL are
// deleted and counted; microsites left with no remaining events are pruned.
// Badger's own entry TTL (set to 2x as a backstop) covers missed sweeps.
func (b *Backend) EvictExpired(ctx context.Context) (storage.EvictionStats, error) {
	var stats storage.EvictionStats
	cutoff := b.now().Add(-b.ttl)

	var expiredKeys [][]byte
	liveByDomain := make(map[string]int)
	var domains []string

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(siteKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			domains = append(domains, string(it.Item().Key()[len(siteKeyPrefix):]))
		}

		scan := func(prefix string, isVisit bool) error {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				item := it.Item()
				var createdAt time.Time
				var domain string
				if isVisit {
					var v models.Visit
					if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
						return err
					}
					createdAt = v.CreatedAt
				} else {
					var l models.Lead
					if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &l) }); err != nil {
						return err
					}
					createdAt = l.CreatedAt
				}
				domain = domainFromEventKey(item.Key(), prefix)

				if createdAt.Before(cutoff) {
					expiredKeys = append(expiredKeys, item.KeyCopy(nil))
					if isVisit {
						stats.VisitsEvicted++
					} else {
						stats.LeadsEvicted++
					}
				} else {
					liveByDomain[domain]++
				}
			}
			return nil
		}

		if err := scan(visitKeyPrefix, true); err != nil {
			return err
		}
		return scan(leadKeyPrefix, false)
	})
	if err != nil {
		return stats, err
	}

	expired := make(map[string]struct{}, len(expiredKeys))
	for _, key := range expiredKeys {
		expired[string(key)] = struct{}{}
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		stats.MicrositesEvicted = 0
		for _, key := range expiredKeys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		for _, domain := range domains {
			if liveByDomain[domain] > 0 {
				continue
			}
			// Reading the site key registers it with the conflict
			// detector: event writes bump the site record, so a create
			// racing this sweep aborts the commit and the retry re-scans
			// a fresh snapshot.
			if _, err := txn.Get(siteKey(domain)); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if domainHasEvents(txn, domain, expired) {
				continue
			}
			if err := txn.Delete(siteKey(domain)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			stats.MicrositesEvicted++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if stats.VisitsEvicted > 0 || stats.LeadsEvicted > 0 || stats.MicrositesEvicted > 0 {
		logging.Debug().
			Int("visits", stats.VisitsEvicted).
			Int("leads", stats.LeadsEvicted).
			Int("microsites", stats.MicrositesEvicted).
			Msg("Ephemeral eviction sweep completed")
	}
	return stats, nil
}

// domainHasEvents reports whether any event for the domain survives in the
// transaction's view, ignoring keys already marked expired. Prefix scans in
// the delete transaction see its pending deletes, so a hit means an event
// the sweep did not account for.
func domainHasEvents(txn *badger.Txn, domain string, expired map[string]struct{}) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for _, prefix := range []string{visitKeyPrefix + domain + ":", leadKeyPrefix + domain + ":"} {
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if _, ok := expired[string(it.Item().Key())]; !ok {
				return true
			}
		}
	}
	return false
}

// entryTTL is the Badger-level backstop, twice the logical TTL so the sweep
// always sees and counts expiring events first.
func (b *Backend) entryTTL() time.Duration {
	return 2 * b.ttl
}

func (b *Backend) getSite(txn *badger.Txn, domain string) (*models.Microsite, error) {
	item, err := txn.Get(siteKey(domain))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get microsite: %w", err)
	}

	var site models.Microsite
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &site)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal microsite: %w", err)
	}
	return &site, nil
}

func (b *Backend) putSite(txn *badger.Txn, site *models.Microsite) error {
	data, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("marshal microsite: %w", err)
	}
	return txn.Set(siteKey(site.Domain), data)
}

// upsertSiteForEvent finds or creates the microsite and touches UpdatedAt
// within the caller's transaction.
func (b *Backend) upsertSiteForEvent(txn *badger.Txn, domain string) (*models.Microsite, bool, error) {
	created := false
	site, err := b.getSite(txn, domain)
	if errors.Is(err, storage.ErrNotFound) {
		now := b.now()
		site = &models.Microsite{
			ID:        b.newID(),
			Domain:    domain,
			Name:      domain,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
	} else if err != nil {
		return nil, false, err
	} else {
		site.UpdatedAt = b.now()
	}

	if err := b.putSite(txn, site); err != nil {
		return nil, false, err
	}
	return site, created, nil
}

func (b *Backend) mutateSite(ctx context.Context, domain string, mutate func(*models.Microsite)) (*models.Microsite, error) {
	var site models.Microsite
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		s, err := b.getSite(txn, domain)
		if err != nil {
			return err
		}
		mutate(s)
		s.UpdatedAt = b.now()
		if err := b.putSite(txn, s); err != nil {
			return err
		}
		site = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// retryUpdate runs fn in a read-write transaction, retrying on optimistic
// conflicts.
func (b *Backend) retryUpdate(ctx context.Context, fn func(*badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxTxnRetries {
			return err
		}
	}
}

func applySnapshot(site *models.Microsite, snap models.StatusSnapshot) {
	site.IsLive = boolPtr(snap.Website.IsLive)
	site.StatusCode = snap.Website.StatusCode
	site.SSLValid = boolPtr(snap.Website.SSLValid)
	site.SSLExpiry = snap.Website.SSLExpiry
	site.WebsiteError = snap.Website.Error
	site.ResponseTime = snap.Website.ResponseTime
	site.WebsiteLastChecked = timePtr(snap.Website.LastChecked)

	site.HasForm = boolPtr(snap.Form.HasForm)
	site.FormCount = intPtr(snap.Form.FormCount)
	site.FormWorking = snap.Form.FormWorking
	site.FormError = snap.Form.Error
	site.FormLastChecked = timePtr(snap.Form.LastChecked)
}

// domainFromEventKey strips the prefix and the trailing ":<timestamp>:<id>"
// segments. Domains contain no colons.
func domainFromEventKey(key []byte, prefix string) string {
	rest := string(key[len(prefix):])
	if i := strings.Index(rest, ":"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func sortVisits(visits []models.Visit) {
	sort.Slice(visits, func(i, j int) bool {
		return visits[i].CreatedAt.Before(visits[j].CreatedAt)
	})
}

func sortLeads(leads []models.Lead) {
	sort.Slice(leads, func(i, j int) bool {
		return leads[i].CreatedAt.Before(leads[j].CreatedAt)
	})
}

func boolPtr(b bool) *bool           { return &b }
func intPtr(i int) *int              { return &i }
func timePtr(t time.Time) *time.Time { return &t }
