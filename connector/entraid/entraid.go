// Package entraid discovers identities from a Microsoft Entra ID tenant via
// the Microsoft Graph API: users with their MFA posture, groups and
// memberships, directory roles, and conditional-access policies.
package entraid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/httputil"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

// secretClientSecret is the application secret resolved during Configure.
const secretClientSecret = "entra_id/client_secret"

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	defaultPageSize = 100
)

// Config is the connector's configuration surface.
type Config struct {
	driver.Config `yaml:",inline"`
	// TenantID is the directory (tenant) UUID.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	// ClientID is the registered application's id.
	ClientID string `json:"client_id" yaml:"client_id"`
	// GraphURL overrides the Graph endpoint, for sovereign clouds.
	GraphURL string `json:"graph_url" yaml:"graph_url"`
	// TokenURL overrides the token endpoint, for sovereign clouds.
	TokenURL string `json:"token_url" yaml:"token_url"`
}

type connector struct {
	name  string
	cfg   Config
	base  *url.URL
	hc    *http.Client
	retry httputil.RetryPolicy
}

var _ driver.Connector = (*connector)(nil)

// NewConnector is the factory registered for the "entra_id" kind.
func NewConnector(name string) driver.Connector {
	return &connector{name: name}
}

func (c *connector) Name() string      { return c.name }
func (c *connector) Kind() driver.Kind { return driver.KindEntraID }

func (c *connector) Configure(ctx context.Context, f driver.ConfigUnmarshaler, hc *http.Client, sec secrets.Store) error {
	const op = `connector/entraid/connector.Configure`
	if err := f(&c.cfg); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "malformed configuration", Inner: err}
	}
	if err := c.cfg.Validate(); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "invalid configuration", Inner: err}
	}
	if c.cfg.TenantID == "" || c.cfg.ClientID == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "tenant_id and client_id are required"}
	}
	graphURL := c.cfg.GraphURL
	if graphURL == "" {
		graphURL = defaultGraphURL
	}
	u, err := url.Parse(graphURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "graph_url must be an absolute URL"}
	}
	c.base = u

	secret, err := sec.Get(ctx, secretClientSecret)
	if err != nil {
		return err
	}
	tokenURL := c.cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + c.cfg.TenantID + "/oauth2/v2.0/token"
	}
	cc := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		Scopes:       []string{strings.TrimSuffix(graphURL, "/v1.0") + "/.default"},
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
	base := &http.Client{
		Transport: httputil.RateLimited(hc.Transport, limiter),
		Timeout:   hc.Timeout,
	}
	c.hc = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	c.retry = c.cfg.Retry.Policy()
	return nil
}

func (c *connector) HealthCheck(ctx context.Context) error {
	const op = `connector/entraid/connector.HealthCheck`
	if c.hc == nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	var page graphPage[json.RawMessage]
	err := c.getJSON(ctx, c.endpoint("/users", url.Values{"$top": {"1"}}), &page)
	if err != nil {
		return err
	}
	return nil
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

// graphPage is the OData envelope Graph wraps collections in.
type graphPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (c *connector) getJSON(ctx context.Context, u string, v any) error {
	return httputil.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")
		res, err := c.hc.Do(req)
		if err != nil {
			// Token acquisition failures surface as wrapped errors from
			// the oauth2 transport rather than response statuses.
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return &sentinel.Error{Kind: sentinel.ErrCredential, Message: "token acquisition failed", Inner: err}
			}
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "request failed", Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
			return err
		}
		return json.NewDecoder(res.Body).Decode(v)
	})
}

// collect pages through a Graph collection, following @odata.nextLink.
func collect[T any](ctx context.Context, c *connector, u string) ([]T, error) {
	var out []T
	for u != "" {
		var page graphPage[T]
		if err := c.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		u = page.NextLink
	}
	return out, nil
}

func topQuery(n int) url.Values {
	return url.Values{"$top": {strconv.Itoa(n)}}
}

