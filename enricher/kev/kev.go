// Package kev maintains an in-memory mirror of the catalog of CVEs known
// to be exploited in the wild.
//
// The catalog is small and slow-moving, so the client refreshes it on an
// interval and serves membership lookups from memory: many readers, one
// refresher.
package kev

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/internal/httputil"
)

// DefaultURL is the catalog location.
const DefaultURL = `https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json`

// DefaultTTL is how long a fetched catalog is served before a refresh.
const DefaultTTL = 24 * time.Hour

// Client serves catalog membership lookups.
type Client struct {
	hc    *http.Client
	url   string
	ttl   time.Duration
	retry httputil.RetryPolicy
	// now is the clock, swappable under test.
	now func() time.Time

	mu        sync.RWMutex
	byCVE     map[string]time.Time
	fetchedAt time.Time
	// fetchMu serializes refreshes so concurrent callers don't fan out
	// duplicate fetches. Readers only ever contend on mu, which is never
	// held across the network.
	fetchMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the catalog URL.
func WithURL(u string) Option { return func(c *Client) { c.url = u } }

// WithTTL overrides the refresh interval.
func WithTTL(d time.Duration) Option { return func(c *Client) { c.ttl = d } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// NewClient returns a client with an empty cache; the first lookup forces a
// fetch.
func NewClient(hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		hc:    hc,
		url:   DefaultURL,
		ttl:   DefaultTTL,
		retry: httputil.DefaultRetry,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// catalog is the feed's shape, reduced to the fields the cache keeps.
type catalog struct {
	Vulnerabilities []struct {
		CveID     string `json:"cveID"`
		DateAdded string `json:"dateAdded"`
	} `json:"vulnerabilities"`
}

// InCatalog reports whether the CVE is in the catalog and, if so, when it
// was added. The catalog is refreshed first if the cached copy is older
// than the TTL.
func (c *Client) InCatalog(ctx context.Context, cve string) (bool, time.Time, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return false, time.Time{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	added, ok := c.byCVE[cve]
	return ok, added, nil
}

func (c *Client) refreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.byCVE != nil && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the catalog, replacing the cache. The fetch happens off
// the read lock, so lookups against the previous copy keep serving while it
// is in flight.
func (c *Client) Refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	// Another caller may have refreshed while this one waited on the fetch
	// lock.
	c.mu.RLock()
	fresh := c.byCVE != nil && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	var cat catalog
	err := httputil.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return err
		}
		res, err := c.hc.Do(req)
		if err != nil {
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "catalog fetch failed", Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
			return err
		}
		return json.NewDecoder(res.Body).Decode(&cat)
	})
	if err != nil {
		return err
	}
	byCVE := make(map[string]time.Time, len(cat.Vulnerabilities))
	for _, v := range cat.Vulnerabilities {
		added, err := time.Parse("2006-01-02", v.DateAdded)
		if err != nil {
			// A malformed date still counts for membership.
			added = time.Time{}
		}
		byCVE[v.CveID] = added
	}
	c.mu.Lock()
	c.byCVE = byCVE
	c.fetchedAt = c.now()
	c.mu.Unlock()
	zlog.Debug(ctx).Int("entries", len(byCVE)).Msg("refreshed exploited-CVE catalog")
	return nil
}
