// Package nvd queries the NVD CVE API for authoritative vulnerability
// metadata.
//
// The API enforces a sliding-window quota: 5 requests per 30 seconds
// without an API key, 50 with one. The client enforces the applicable
// regime locally and additionally honors Retry-After when the server
// pushes back.
package nvd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/internal/httputil"
)

// DefaultURL is the CVE API endpoint.
const DefaultURL = `https://services.nvd.nist.gov/rest/json/cves/2.0`

// Request quotas per 30-second window.
const (
	keylessQuota = 5
	keyedQuota   = 50
)

const window = 30 * time.Second

// defaultPageSize bounds one page of a CPE-scoped query.
const defaultPageSize = 100

// CVE is one record, reduced to the fields enrichment consumes.
type CVE struct {
	ID          string
	Description string
	CvssScore   *float64
	CvssVector  string
	Published   *time.Time
}

// Client queries the API under the applicable rate regime.
type Client struct {
	hc      *http.Client
	url     string
	apiKey  string
	retry   httputil.RetryPolicy
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the endpoint.
func WithURL(u string) Option { return func(c *Client) { c.url = u } }

// WithAPIKey sets the API key, selecting the higher rate regime.
func WithAPIKey(k string) Option { return func(c *Client) { c.apiKey = k } }

// NewClient returns a ready client. The limiter regime follows whether an
// API key was provided.
func NewClient(hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		hc:    hc,
		url:   DefaultURL,
		retry: httputil.DefaultRetry,
	}
	for _, o := range opts {
		o(c)
	}
	quota := keylessQuota
	if c.apiKey != "" {
		quota = keyedQuota
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(quota)/window.Seconds()), quota)
	return c
}

// API response shapes, reduced.
type envelope struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	StartIndex      int `json:"startIndex"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		Cve struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				CvssMetricV31 []struct {
					CvssData struct {
						BaseScore    float64 `json:"baseScore"`
						VectorString string  `json:"vectorString"`
					} `json:"cvssData"`
				} `json:"cvssMetricV31"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// ByCVE fetches one record by id, reporting nil when the API has none.
func (c *Client) ByCVE(ctx context.Context, id string) (*CVE, error) {
	env, err := c.get(ctx, url.Values{"cveId": {id}})
	if err != nil {
		return nil, err
	}
	cves := convert(env)
	if len(cves) == 0 {
		return nil, nil
	}
	return &cves[0], nil
}

// ByCPE pages through every record matching the CPE name.
func (c *Client) ByCPE(ctx context.Context, cpeName string, pageSize int) ([]CVE, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	var out []CVE
	start := 0
	for {
		q := url.Values{
			"cpeName":        {cpeName},
			"resultsPerPage": {strconv.Itoa(pageSize)},
			"startIndex":     {strconv.Itoa(start)},
		}
		env, err := c.get(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, convert(env)...)
		start += len(env.Vulnerabilities)
		if start >= env.TotalResults || len(env.Vulnerabilities) == 0 {
			return out, nil
		}
	}
}

func (c *Client) get(ctx context.Context, q url.Values) (*envelope, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, err
	}
	u.RawQuery = q.Encode()

	var env envelope
	err = httputil.Retry(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("apiKey", c.apiKey)
		}
		res, err := c.hc.Do(req)
		if err != nil {
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "request failed", Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
			// The server's push-back wins over the local backoff schedule.
			if d, ok := httputil.RetryAfter(res); ok {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			return err
		}
		return json.NewDecoder(res.Body).Decode(&env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func convert(env *envelope) []CVE {
	out := make([]CVE, 0, len(env.Vulnerabilities))
	for _, v := range env.Vulnerabilities {
		cve := CVE{ID: v.Cve.ID}
		for _, d := range v.Cve.Descriptions {
			if d.Lang == "en" {
				cve.Description = d.Value
				break
			}
		}
		if ms := v.Cve.Metrics.CvssMetricV31; len(ms) != 0 {
			score := ms[0].CvssData.BaseScore
			cve.CvssScore = &score
			cve.CvssVector = ms[0].CvssData.VectorString
		}
		if v.Cve.Published != "" {
			// The API emits timestamps without a zone suffix.
			for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339} {
				if at, err := time.Parse(layout, v.Cve.Published); err == nil {
					cve.Published = &at
					break
				}
			}
		}
		out = append(out, cve)
	}
	return out
}
