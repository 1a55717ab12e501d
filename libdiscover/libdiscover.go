// Package libdiscover drives connector runs: locking, scan history,
// events, and the staleness sweep around each discovery.
package libdiscover

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/engram"
	"github.com/sentinelsec/sentinel/internal/distlock"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

var runCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "libdiscover",
	Name:      "runs_total",
	Help:      "Connector runs by kind and terminal status.",
}, []string{"kind", "status"})

// DefaultInterval is the schedule loop period.
const DefaultInterval = 30 * time.Minute

// defaultStaleTTL maps subscription plans onto the staleness horizon used
// after a successful run. Higher tiers sync more often and tolerate less
// staleness.
var defaultStaleTTL = map[datastore.Plan]time.Duration{
	datastore.PlanStarter:      24 * time.Hour,
	datastore.PlanProfessional: 12 * time.Hour,
	datastore.PlanEnterprise:   6 * time.Hour,
}

// staleLabels are the node labels the sweep covers; everything else ages
// out through other means.
var staleLabels = []string{sentinel.LabelHost, sentinel.LabelService}

// Options configures a Manager.
type Options struct {
	Store    datastore.Store
	Registry *driver.Registry
	Secrets  secrets.Store
	// Engrams is the object store run sessions commit to; nil disables
	// engram recording.
	Engrams engram.Store
	// Locks serializes runs per (tenant, connector). Nil means a local
	// source, which is only correct for single-process deployments.
	Locks distlock.Source
	// Notify receives scan lifecycle and engram events; may be nil.
	Notify func(context.Context, sentinel.Event)
	// Client is the HTTP client handed to connectors. Nil means
	// [http.DefaultClient].
	Client *http.Client
	// Interval is the schedule loop period; zero means DefaultInterval.
	Interval time.Duration
	// StaleTTL overrides the per-plan staleness horizons.
	StaleTTL map[datastore.Plan]time.Duration
	// Now is the clock; nil means [time.Now].
	Now func() time.Time
}

// Manager runs discoveries for every tenant's configured connectors.
type Manager struct {
	opts Options

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New validates the options and returns a manager.
func New(opts Options) (*Manager, error) {
	const op = `libdiscover/New`
	switch {
	case opts.Store == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no store"}
	case opts.Registry == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no registry"}
	case opts.Secrets == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no secret store"}
	}
	if opts.Locks == nil {
		opts.Locks = distlock.LocalSource()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleTTL == nil {
		opts.StaleTTL = defaultStaleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts}, nil
}

// RunSummary is the caller-facing outcome of one run.
type RunSummary struct {
	ScanID        uuid.UUID
	Status        datastore.ScanStatus
	NodesFound    int
	NodesUpdated  int
	NodesStale    int
	EdgesDropped  int
	EngramAddress string
	Err           error
}

// RunConnector runs the named connector for the tenant, end to end. A
// request while the same (tenant, connector) is already running is rejected
// with the already-running kind.
func (m *Manager) RunConnector(ctx context.Context, tenant uuid.UUID, name string) (*RunSummary, error) {
	const op = `libdiscover/Manager.RunConnector`
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "manager is shut down"}
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	tn, err := m.opts.Store.GetTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	recs, err := m.opts.Store.Connectors(ctx, tenant, false)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Name == name {
			if !recs[i].Enabled {
				return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector is disabled: " + name}
			}
			return m.run(ctx, tn, &recs[i])
		}
	}
	return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no such connector: " + name}
}

// Start runs the schedule loop until the context is done: every interval,
// every enabled connector of every tenant is run. Runs within one tick are
// sequential per tenant; the per-(tenant, connector) locks keep overlapping
// ticks and concurrent managers from doubling up.
func (m *Manager) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libdiscover/Manager.Start")
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	zlog.Info(ctx).Dur("interval", m.opts.Interval).Msg("discovery schedule started")
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	tenants, err := m.opts.Store.Tenants(ctx)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("listing tenants failed, skipping tick")
		return
	}
	for i := range tenants {
		tn := &tenants[i]
		recs, err := m.opts.Store.Connectors(ctx, tn.ID, true)
		if err != nil {
			zlog.Warn(ctx).Str("tenant", tn.ID.String()).Err(err).Msg("listing connectors failed")
			continue
		}
		for j := range recs {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.wg.Add(1)
			m.mu.Unlock()
			summary, err := m.run(ctx, tn, &recs[j])
			m.wg.Done()
			switch {
			case err != nil:
				zlog.Warn(ctx).
					Str("tenant", tn.ID.String()).
					Str("connector", recs[j].Name).
					Err(err).
					Msg("scheduled run not started")
			case summary.Err != nil:
				zlog.Warn(ctx).
					Str("tenant", tn.ID.String()).
					Str("connector", recs[j].Name).
					Str("status", string(summary.Status)).
					Err(summary.Err).
					Msg("scheduled run failed")
			}
		}
	}
}

// Shutdown refuses new runs and waits for in-flight ones until the context
// expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// configUnmarshaler adapts a stored connector config row. An empty config
// behaves like an empty document.
func configUnmarshaler(raw json.RawMessage) driver.ConfigUnmarshaler {
	return func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, v)
	}
}
