// Package azure discovers Azure assets through the Azure Resource Manager
// REST API: virtual machines, virtual networks and subnets, network
// security groups, managed PostgreSQL servers, storage accounts, and AKS
// clusters.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/httputil"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

// secretClientSecret is the service principal secret resolved during
// Configure.
const secretClientSecret = "azure/client_secret"

const defaultManagementURL = "https://management.azure.com"

// API versions pinned per resource provider.
const (
	apiCompute   = "2024-07-01"
	apiNetwork   = "2024-05-01"
	apiPostgres  = "2024-08-01"
	apiStorage   = "2023-05-01"
	apiContainer = "2024-09-01"
)

// Config is the connector's configuration surface.
type Config struct {
	driver.Config `yaml:",inline"`
	TenantID      string `json:"tenant_id" yaml:"tenant_id"`
	ClientID      string `json:"client_id" yaml:"client_id"`
	// SubscriptionID scopes every enumeration.
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	// ManagementURL overrides the ARM endpoint, for sovereign clouds.
	ManagementURL string `json:"management_url" yaml:"management_url"`
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

// NewConnector is the factory registered for the "azure" kind.
func NewConnector(name string) driver.Connector {
	return &connector{name: name}
}

func (c *connector) Name() string      { return c.name }
func (c *connector) Kind() driver.Kind { return driver.KindAzure }

func (c *connector) Configure(ctx context.Context, f driver.ConfigUnmarshaler, hc *http.Client, sec secrets.Store) error {
	const op = `connector/azure/connector.Configure`
	if err := f(&c.cfg); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "malformed configuration", Inner: err}
	}
	if err := c.cfg.Validate(); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "invalid configuration", Inner: err}
	}
	if c.cfg.TenantID == "" || c.cfg.ClientID == "" || c.cfg.SubscriptionID == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "tenant_id, client_id, and subscription_id are required"}
	}
	mgmt := c.cfg.ManagementURL
	if mgmt == "" {
		mgmt = defaultManagementURL
	}
	u, err := url.Parse(mgmt)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "management_url must be an absolute URL"}
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
		Scopes:       []string{mgmt + "/.default"},
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
	const op = `connector/azure/connector.HealthCheck`
	if c.hc == nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	var page armPage[json.RawMessage]
	return c.getJSON(ctx, c.listURL("Microsoft.Network/virtualNetworks", apiNetwork), &page)
}

// listURL builds a subscription-scoped provider list URL.
func (c *connector) listURL(provider, apiVersion string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") +
		"/subscriptions/" + c.cfg.SubscriptionID + "/providers/" + provider
	u.RawQuery = url.Values{"api-version": {apiVersion}}.Encode()
	return u.String()
}

// armPage is the envelope ARM wraps collections in.
type armPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"nextLink"`
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

// collect pages through an ARM collection, following nextLink.
func collect[T any](ctx context.Context, c *connector, u string) ([]T, error) {
	var out []T
	for u != "" {
		var page armPage[T]
		if err := c.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		u = page.NextLink
	}
	return out, nil
}
