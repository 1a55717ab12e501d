// Package driver holds the contract a discovery connector implements and
// the harness that runs one.
package driver

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/sentinelsec/sentinel/internal/secrets"
)

// Kind names a connector family.
type Kind string

// Connector kinds understood by the framework.
const (
	KindAWS     Kind = "aws"
	KindAzure   Kind = "azure"
	KindGCP     Kind = "gcp"
	KindEntraID Kind = "entra_id"
	KindOkta    Kind = "okta"
)

// ConfigUnmarshaler deserializes the connector's stored configuration into
// the value it is passed.
type ConfigUnmarshaler func(any) error

// Connector discovers assets from one source.
//
// Configure is called once before any other method. Credentials are
// resolved from the secret store during Configure and must never appear in
// logs, results, or engrams.
type Connector interface {
	// Name reports the configured instance name.
	Name() string
	// Kind reports the connector family.
	Kind() Kind
	// Configure prepares the connector: deserialize configuration, resolve
	// credentials, build clients.
	Configure(ctx context.Context, f ConfigUnmarshaler, c *http.Client, sec secrets.Store) error
	// HealthCheck verifies the source is reachable with the resolved
	// credentials.
	HealthCheck(ctx context.Context) error
	// Discover enumerates the source and reports a normalized result.
	Discover(ctx context.Context, rc *RunContext) (*SyncResult, error)
}

// Factory constructs an unconfigured connector instance with the given
// instance name.
type Factory func(name string) Connector

// Registry maps connector kinds to factories. It is an explicit value;
// deployments populate one at startup rather than relying on package-level
// registration.
type Registry struct {
	mu sync.RWMutex
	m  map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[Kind]Factory)}
}

// Register adds a factory for the kind, replacing any previous one.
func (r *Registry) Register(k Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[k] = f
}

// Get reports the factory for the kind.
func (r *Registry) Get(k Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[k]
	return f, ok
}

// Kinds reports the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
