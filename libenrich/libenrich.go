// Package libenrich correlates discovered services with vulnerability
// intelligence.
//
// A sweep pages through a tenant's Service nodes, maps each (name,
// version) onto CPE names, pulls candidate CVEs and scores from the intel
// sources, and writes Vulnerability nodes joined to their services by
// HAS_CVE edges. One unreachable source degrades the written fields, never
// the sweep.
package libenrich

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/engram"
	"github.com/sentinelsec/sentinel/enricher/nvd"
)

var (
	sweepCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "libenrich",
		Name:      "sweeps_total",
		Help:      "Enrichment sweeps by outcome.",
	}, []string{"outcome"})
	vulnCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "libenrich",
		Name:      "vulnerabilities_total",
		Help:      "Vulnerability nodes written, by severity.",
	}, []string{"severity"})
)

// KevSource answers exploited-in-the-wild membership, typically from the
// process-wide cache.
type KevSource interface {
	InCatalog(ctx context.Context, cve string) (bool, time.Time, error)
}

// CveSource reports the CVEs matching a CPE name.
type CveSource interface {
	ByCPE(ctx context.Context, cpeName string, pageSize int) ([]nvd.CVE, error)
}

// ScoreSource reports exploit-probability scores for a batch of CVEs.
type ScoreSource interface {
	Scores(ctx context.Context, cves []string) (map[string]float64, error)
}

// Mapper resolves a service name and version to candidate CPE names.
type Mapper interface {
	Resolve(name, version string) ([]string, bool)
}

// Options configures an Orchestrator.
type Options struct {
	Graph datastore.GraphStore
	// Engrams is the object store sweep sessions commit to; nil disables
	// engram recording.
	Engrams engram.Store
	// Notify receives VulnerabilityFound and session lifecycle events; may
	// be nil.
	Notify func(context.Context, sentinel.Event)

	Mapper Mapper
	KEV    KevSource
	NVD    CveSource
	EPSS   ScoreSource

	// PageSize bounds both the service listing pages and NVD result pages.
	// Zero means 100.
	PageSize int
	// Now is the clock; nil means [time.Now].
	Now func() time.Time
}

// Orchestrator runs enrichment sweeps.
type Orchestrator struct {
	opts Options
}

// New validates the options and returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	const op = `libenrich/New`
	switch {
	case opts.Graph == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no graph store"}
	case opts.Mapper == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "no cpe mapper"}
	case opts.KEV == nil, opts.NVD == nil, opts.EPSS == nil:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "missing intel source"}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}, nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	ServicesSeen    int
	ServicesSkipped int
	CVEs            int
	EdgesCreated    int
	// Partial reports that at least one intel source or sub-unit failed;
	// written vulnerabilities may be missing fields.
	Partial bool
	// EngramAddress is the content address of the stored engram, empty when
	// storing failed or was disabled.
	EngramAddress string
}

// Sweep enriches every mappable service of the tenant.
//
// Cancellation is honored between services and between CVE batches; a
// cancelled sweep closes its engram failed and returns the context error
// with whatever was already written left in place.
func (o *Orchestrator) Sweep(ctx context.Context, tenant uuid.UUID) (*SweepReport, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libenrich/Orchestrator.Sweep",
		"tenant", tenant.String(),
	)

	var session *engram.Session
	if o.opts.Engrams != nil {
		session = engram.Open(ctx, o.opts.Engrams, tenant, "enricher", "enrich", nil)
		session.Now = o.opts.Now
		session.Notify = o.opts.Notify
	}
	report := &SweepReport{}
	s := &sweep{
		o:       o,
		tenant:  tenant,
		session: session,
		report:  report,
		// One dead-end per unmapped product, not per page per service.
		unmapped: map[string]struct{}{},
	}

	err := s.run(ctx)
	address := ""
	switch {
	case err != nil:
		if session != nil {
			address, _ = session.Close(ctx, engram.OutcomeFailed, "cancelled")
		}
		sweepCounter.WithLabelValues("cancelled").Inc()
	case report.Partial:
		if session != nil {
			address, _ = session.Close(ctx, engram.OutcomePartial, s.summary())
		}
		sweepCounter.WithLabelValues("partial").Inc()
	default:
		if session != nil {
			address, _ = session.Close(ctx, engram.OutcomeSuccess, s.summary())
		}
		sweepCounter.WithLabelValues("completed").Inc()
	}
	report.EngramAddress = address
	zlog.Info(ctx).
		Int("services", report.ServicesSeen).
		Int("skipped", report.ServicesSkipped).
		Int("cves", report.CVEs).
		Bool("partial", report.Partial).
		Msg("enrichment sweep finished")
	return report, err
}
