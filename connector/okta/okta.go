// Package okta discovers identities from an Okta org: users with their MFA
// posture, groups and memberships, applications, and sign-on policies.
package okta

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/httputil"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

// secretAPIToken is the SSWS token resolved during Configure.
const secretAPIToken = "okta/api_token"

const defaultPageSize = 200

// Config is the connector's configuration surface.
type Config struct {
	driver.Config `yaml:",inline"`
	// BaseURL is the org URL, e.g. "https://example.okta.com".
	BaseURL string `json:"base_url" yaml:"base_url"`
}

type connector struct {
	name  string
	cfg   Config
	base  *url.URL
	hc    *http.Client
	retry httputil.RetryPolicy
}

var _ driver.Connector = (*connector)(nil)

// NewConnector is the factory registered for the "okta" kind.
func NewConnector(name string) driver.Connector {
	return &connector{name: name}
}

func (c *connector) Name() string      { return c.name }
func (c *connector) Kind() driver.Kind { return driver.KindOkta }

func (c *connector) Configure(ctx context.Context, f driver.ConfigUnmarshaler, hc *http.Client, sec secrets.Store) error {
	const op = `connector/okta/connector.Configure`
	if err := f(&c.cfg); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "malformed configuration", Inner: err}
	}
	if err := c.cfg.Validate(); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "invalid configuration", Inner: err}
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "base_url must be an absolute URL"}
	}
	c.base = u

	token, err := sec.Get(ctx, secretAPIToken)
	if err != nil {
		return err
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	var limiter *rate.Limiter
	if rps := c.cfg.RateLimit.RPS; rps > 0 {
		burst := c.cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	c.hc = &http.Client{
		Transport: &authTransport{
			token: token,
			next:  httputil.RateLimited(hc.Transport, limiter),
		},
		Timeout: hc.Timeout,
	}
	c.retry = c.cfg.Retry.Policy()
	return nil
}

// authTransport injects the SSWS authorization header. The token stays
// inside the transport and never reaches a log or a result.
type authTransport struct {
	token string
	next  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("authorization", "SSWS "+t.token)
	r.Header.Set("accept", "application/json")
	return t.next.RoundTrip(r)
}

func (c *connector) HealthCheck(ctx context.Context) error {
	const op = `connector/okta/connector.HealthCheck`
	if c.hc == nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	var probe []json.RawMessage
	_, err := c.getJSON(ctx, c.endpoint("/api/v1/users", url.Values{"limit": {"1"}}), &probe)
	return err
}

func (c *connector) endpoint(p string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + p
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *connector) pageSize() int {
	if c.cfg.PageSize > 0 {
		return c.cfg.PageSize
	}
	return defaultPageSize
}

// getJSON fetches one page, decoding the body into v and reporting the
// rel="next" link if the server offered one. Transient failures are retried
// under the connector's policy.
func (c *connector) getJSON(ctx context.Context, u string, v any) (next string, err error) {
	err = httputil.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		res, err := c.hc.Do(req)
		if err != nil {
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "request failed", Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
			return err
		}
		next = nextLink(res.Header)
		return json.NewDecoder(res.Body).Decode(v)
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(h http.Header) string {
	for _, v := range h.Values("link") {
		for _, part := range strings.Split(v, ",") {
			fields := strings.Split(part, ";")
			if len(fields) < 2 {
				continue
			}
			isNext := false
			for _, f := range fields[1:] {
				if strings.TrimSpace(f) == `rel="next"` {
					isNext = true
				}
			}
			if !isNext {
				continue
			}
			u := strings.TrimSpace(fields[0])
			return strings.Trim(u, "<>")
		}
	}
	return ""
}

// collect pages through an endpoint, appending every decoded element.
func collect[T any](ctx context.Context, c *connector, u string) ([]T, error) {
	var out []T
	for u != "" {
		var page []T
		next, err := c.getJSON(ctx, u, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		u = next
	}
	return out, nil
}

func limitQuery(n int) url.Values {
	return url.Values{"limit": {strconv.Itoa(n)}}
}
