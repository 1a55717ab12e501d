package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/engram"
)

// RunParams are the inputs to one harnessed connector run. Connector must
// already be configured.
type RunParams struct {
	Tenant    uuid.UUID
	ScanID    uuid.UUID
	Connector Connector
	Graph     datastore.GraphStore
	// Engrams is the object store sessions commit to; nil disables
	// engram recording for the run.
	Engrams engram.Store
	// Notify receives session lifecycle events; may be nil.
	Notify func(context.Context, sentinel.Event)
	// Now is the run's clock; nil means [time.Now].
	Now func() time.Time
}

// RunReport is the outcome of one harnessed run.
type RunReport struct {
	Status datastore.ScanStatus
	Batch  *datastore.BatchReport
	Result *SyncResult
	// EngramAddress is the content address of the stored engram, empty if
	// storing failed or was disabled.
	EngramAddress string
	// Err is the terminal error for failed and cancelled runs.
	Err error
}

// Run executes one discovery under the framework contract: open an engram
// session, health-check, discover, apply the batch, close the session.
// Engram trouble never fails the run; everything else derives the terminal
// status.
func Run(ctx context.Context, p RunParams) *RunReport {
	c := p.Connector
	ctx = zlog.ContextWithValues(ctx,
		"component", "connector/driver/Run",
		"connector", c.Name(),
		"kind", string(c.Kind()),
		"tenant", p.Tenant.String(),
	)
	now := p.Now
	if now == nil {
		now = time.Now
	}

	var session *engram.Session
	if p.Engrams != nil {
		session = engram.Open(ctx, p.Engrams, p.Tenant, "connector/"+string(c.Kind()), "discover", map[string]string{
			"connector": c.Name(),
			"scan_id":   p.ScanID.String(),
		})
		session.Now = now
		session.Notify = p.Notify
	}
	rc := &RunContext{
		TenantID: p.Tenant,
		ScanID:   p.ScanID,
		Session:  session,
		Now:      now,
	}
	report := &RunReport{}

	closeSession := func(outcome engram.Outcome, summary string) {
		if session == nil {
			return
		}
		address, err := session.Close(ctx, outcome, summary)
		if err != nil {
			// Advisory only; the run's status is already decided.
			zlog.Warn(ctx).Err(err).Msg("failed to store engram")
			return
		}
		report.EngramAddress = address
	}

	if err := c.HealthCheck(ctx); err != nil {
		rc.RecordDeadEnd(ctx, engram.DeadEnd{
			Description: "source health check",
			Evidence:    errEvidence(err),
		})
		report.Status, report.Err = datastore.ScanFailed, err
		closeSession(engram.OutcomeFailed, "health check failed")
		return report
	}

	result, err := c.Discover(ctx, rc)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, sentinel.ErrCancelled):
		report.Status, report.Err = datastore.ScanCancelled, err
		closeSession(engram.OutcomeFailed, "run cancelled")
		return report
	default:
		rc.RecordDeadEnd(ctx, engram.DeadEnd{
			Description: "discovery",
			Evidence:    errEvidence(err),
		})
		report.Status, report.Err = datastore.ScanFailed, err
		closeSession(engram.OutcomeFailed, "discovery failed")
		return report
	}
	report.Result = result

	batch, err := p.Graph.ApplyBatch(ctx, p.Tenant, result.Batch(), now())
	if err != nil {
		rc.RecordDeadEnd(ctx, engram.DeadEnd{
			Description: "apply batch",
			Evidence:    errEvidence(err),
		})
		report.Status, report.Err = datastore.ScanFailed, err
		closeSession(engram.OutcomeFailed, "batch apply failed")
		return report
	}
	report.Batch = batch
	for _, k := range batch.MissingEndpoints {
		rc.RecordDeadEnd(ctx, engram.DeadEnd{
			Description: "edge endpoint missing",
			Evidence:    k,
		})
	}

	summary := fmt.Sprintf("%d nodes, %d edges, %d sub-failures",
		len(result.Nodes()), len(result.Edges), len(result.SubFailures))
	if len(result.SubFailures) != 0 || len(batch.MissingEndpoints) != 0 {
		report.Status = datastore.ScanPartial
		closeSession(engram.OutcomePartial, summary)
	} else {
		report.Status = datastore.ScanCompleted
		closeSession(engram.OutcomeSuccess, summary)
	}
	zlog.Info(ctx).
		Str("status", string(report.Status)).
		Int("nodes_created", batch.NodesCreated).
		Int("nodes_updated", batch.NodesUpdated).
		Int("edges_created", batch.EdgesCreated).
		Msg("discovery run finished")
	return report
}

// errEvidence renders an error for engram storage. Error chains must not
// carry credential material, so this is plain Error() output.
func errEvidence(err error) string {
	return err.Error()
}
