// Package gcp discovers Google Cloud assets: Compute Engine instances,
// networks, subnetworks, firewall rules, Cloud SQL instances, GCS buckets,
// and Cloud Functions.
package gcp

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
	cloudfunctions "google.golang.org/api/cloudfunctions/v1"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1"
	storage "google.golang.org/api/storage/v1"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/httputil"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

// secretServiceAccountKey is the service account key JSON resolved during
// Configure.
const secretServiceAccountKey = "gcp/service_account_key"

// Config is the connector's configuration surface.
type Config struct {
	driver.Config `yaml:",inline"`
	// ProjectID scopes every enumeration.
	ProjectID string `json:"project_id" yaml:"project_id"`
	// Endpoint overrides the API endpoint and disables authentication;
	// only useful against a test double.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

type services struct {
	Compute   *compute.Service
	SQL       *sqladmin.Service
	Storage   *storage.Service
	Functions *cloudfunctions.Service
}

type connector struct {
	name string
	cfg  Config
	svc  *services
}

var _ driver.Connector = (*connector)(nil)

// NewConnector is the factory registered for the "gcp" kind.
func NewConnector(name string) driver.Connector {
	return &connector{name: name}
}

func (c *connector) Name() string      { return c.name }
func (c *connector) Kind() driver.Kind { return driver.KindGCP }

func (c *connector) Configure(ctx context.Context, f driver.ConfigUnmarshaler, hc *http.Client, sec secrets.Store) error {
	const op = `connector/gcp/connector.Configure`
	if err := f(&c.cfg); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "malformed configuration", Inner: err}
	}
	if err := c.cfg.Validate(); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "invalid configuration", Inner: err}
	}
	if c.cfg.ProjectID == "" {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "project_id is required"}
	}

	var opts []option.ClientOption
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint), option.WithoutAuthentication())
	} else {
		key, err := sec.Get(ctx, secretServiceAccountKey)
		if err != nil {
			return err
		}
		opts = append(opts, option.WithCredentialsJSON([]byte(key)))
	}
	if hc != nil {
		var limiter *rate.Limiter
		if rps := c.cfg.RateLimit.RPS; rps > 0 {
			burst := c.cfg.RateLimit.Burst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
		if limiter != nil || c.cfg.Endpoint != "" {
			opts = append(opts, option.WithHTTPClient(&http.Client{
				Transport: httputil.RateLimited(hc.Transport, limiter),
				Timeout:   hc.Timeout,
			}))
		}
	}

	svc := &services{}
	var err error
	if svc.Compute, err = compute.NewService(ctx, opts...); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "building compute client", Inner: err}
	}
	if svc.SQL, err = sqladmin.NewService(ctx, opts...); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "building sqladmin client", Inner: err}
	}
	if svc.Storage, err = storage.NewService(ctx, opts...); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "building storage client", Inner: err}
	}
	if svc.Functions, err = cloudfunctions.NewService(ctx, opts...); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "building cloudfunctions client", Inner: err}
	}
	c.svc = svc
	return nil
}

func (c *connector) HealthCheck(ctx context.Context) error {
	const op = `connector/gcp/connector.HealthCheck`
	if c.svc == nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	_, err := c.svc.Compute.Networks.List(c.cfg.ProjectID).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrCredential, Message: "network list probe failed", Inner: err}
	}
	return nil
}
