// Package epss queries the FIRST EPSS API for per-CVE exploit-probability
// scores.
package epss

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/internal/httputil"
)

// DefaultURL is the score endpoint.
const DefaultURL = `https://api.first.org/data/v1/epss`

// batchSize is how many CVEs one request carries.
const batchSize = 30

// Client fetches scores in concurrent batches under a shared limiter.
type Client struct {
	hc      *http.Client
	url     string
	retry   httputil.RetryPolicy
	limiter *rate.Limiter
	// parallel caps in-flight batch requests.
	parallel int
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the endpoint.
func WithURL(u string) Option { return func(c *Client) { c.url = u } }

// WithLimiter overrides the request limiter.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

// NewClient returns a ready client. The default limiter allows one request
// per second with a small burst.
func NewClient(hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		hc:       hc,
		url:      DefaultURL,
		retry:    httputil.DefaultRetry,
		limiter:  rate.NewLimiter(1, 4),
		parallel: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// response is the API envelope. Scores come back as decimal strings.
type response struct {
	Data []struct {
		Cve  string `json:"cve"`
		Epss string `json:"epss"`
	} `json:"data"`
}

// Scores reports the exploit probability for each CVE the API knows about;
// unknown CVEs are simply absent from the result. The input is chunked into
// batches dispatched concurrently under the limiter.
func (c *Client) Scores(ctx context.Context, cves []string) (map[string]float64, error) {
	out := make(map[string]float64, len(cves))
	if len(cves) == 0 {
		return out, nil
	}
	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.parallel)
	for start := 0; start < len(cves); start += batchSize {
		end := min(start+batchSize, len(cves))
		chunk := cves[start:end]
		eg.Go(func() error {
			scores, err := c.fetch(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for k, v := range scores {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, cves []string) (map[string]float64, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, err
	}
	q := url.Values{"cve": {strings.Join(cves, ",")}}
	u.RawQuery = q.Encode()

	var body response
	err = httputil.Retry(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		res, err := c.hc.Do(req)
		if err != nil {
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "score fetch failed", Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
			return err
		}
		return json.NewDecoder(res.Body).Decode(&body)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(body.Data))
	for _, d := range body.Data {
		v, err := strconv.ParseFloat(d.Epss, 64)
		if err != nil || v < 0 || v > 1 {
			continue
		}
		out[d.Cve] = v
	}
	return out, nil
}
