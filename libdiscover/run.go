package libdiscover

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/engram"
)

// run executes one locked, recorded connector run. The caller has already
// accounted it against the in-flight group.
func (m *Manager) run(ctx context.Context, tn *datastore.Tenant, rec *datastore.ConnectorRecord) (*RunSummary, error) {
	const op = `libdiscover/Manager.run`
	ctx = zlog.ContextWithValues(ctx,
		"component", "libdiscover/Manager.run",
		"tenant", tn.ID.String(),
		"connector", rec.Name,
		"kind", rec.ConnectorType,
	)

	lock := m.opts.Locks.NewLock()
	ok, err := lock.TryLock(ctx, tn.ID.String()+"/"+rec.ConnectorType+"/"+rec.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrAlreadyRunning, Message: "connector run in progress: " + rec.Name}
	}
	defer lock.Unlock()

	factory, ok := m.opts.Registry.Get(driver.Kind(rec.ConnectorType))
	if !ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "unknown connector type: " + rec.ConnectorType}
	}
	c := factory(rec.Name)

	started := m.opts.Now()
	scan := &datastore.ScanRecord{
		ID:          uuid.New(),
		TenantID:    tn.ID,
		ConnectorID: rec.ID,
		ScanType:    rec.ConnectorType,
		Target:      rec.Name,
		Status:      datastore.ScanRunning,
		StartedAt:   started,
	}
	if err := m.opts.Store.RecordScanStart(ctx, scan); err != nil {
		return nil, err
	}
	m.notify(ctx, tn.ID, started, sentinel.ScanStarted{
		ScanID:   scan.ID,
		ScanType: rec.ConnectorType,
		Target:   rec.Name,
	})

	summary := &RunSummary{ScanID: scan.ID}
	finish := func() {
		now := m.opts.Now()
		scan.Status = summary.Status
		scan.NodesFound = summary.NodesFound
		scan.NodesUpdated = summary.NodesUpdated
		scan.NodesStale = summary.NodesStale
		scan.EngramSession = summary.EngramAddress
		if summary.Err != nil {
			scan.ErrorMessage = summary.Err.Error()
		}
		scan.CompletedAt = &now
		scan.DurationMS = now.Sub(started).Milliseconds()
		if err := m.opts.Store.RecordScanFinish(ctx, scan); err != nil {
			// History is best-effort once the run itself is decided.
			zlog.Warn(ctx).Err(err).Msg("recording scan finish failed")
		}
		m.notify(ctx, tn.ID, now, sentinel.ScanCompleted{
			ScanID:       scan.ID,
			NodesFound:   summary.NodesFound,
			NodesUpdated: summary.NodesUpdated,
			NodesStale:   summary.NodesStale,
			DurationMS:   scan.DurationMS,
		})
		runCounter.WithLabelValues(rec.ConnectorType, string(summary.Status)).Inc()
	}

	if err := c.Configure(ctx, configUnmarshaler(rec.Config), m.opts.Client, m.opts.Secrets); err != nil {
		summary.Status, summary.Err = datastore.ScanFailed, err
		summary.EngramAddress = m.recordConfigureFailure(ctx, tn.ID, scan.ID, rec, err)
		finish()
		return summary, nil
	}

	report := driver.Run(ctx, driver.RunParams{
		Tenant:    tn.ID,
		ScanID:    scan.ID,
		Connector: c,
		Graph:     m.opts.Store,
		Engrams:   m.opts.Engrams,
		Notify:    m.opts.Notify,
		Now:       m.opts.Now,
	})
	summary.Status = report.Status
	summary.Err = report.Err
	summary.EngramAddress = report.EngramAddress
	if report.Batch != nil {
		summary.NodesFound = report.Batch.NodesCreated
		summary.NodesUpdated = report.Batch.NodesUpdated
	}

	// Only a run that observed the source may age out what it did not see.
	if summary.Status == datastore.ScanCompleted || summary.Status == datastore.ScanPartial {
		summary.NodesStale, summary.EdgesDropped = m.sweepStale(ctx, tn)
	}
	finish()
	return summary, nil
}

// recordConfigureFailure commits a failed engram for a run that never got
// past configuration, so credential and config trouble leaves the same
// audit trail as a failed discovery.
func (m *Manager) recordConfigureFailure(ctx context.Context, tenant, scanID uuid.UUID, rec *datastore.ConnectorRecord, cause error) string {
	if m.opts.Engrams == nil {
		return ""
	}
	s := engram.Open(ctx, m.opts.Engrams, tenant, "connector/"+rec.ConnectorType, "discover", map[string]string{
		"connector": rec.Name,
		"scan_id":   scanID.String(),
	})
	s.Now = m.opts.Now
	s.Notify = m.opts.Notify
	s.RecordDeadEnd(ctx, engram.DeadEnd{Description: "configuration", Evidence: cause.Error()})
	address, err := s.Close(ctx, engram.OutcomeFailed, "configuration failed")
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("failed to store engram")
		return ""
	}
	return address
}

func (m *Manager) sweepStale(ctx context.Context, tn *datastore.Tenant) (nodes, edges int) {
	ttl, ok := m.opts.StaleTTL[tn.Plan]
	if !ok {
		ttl = defaultStaleTTL[datastore.PlanStarter]
	}
	olderThan := m.opts.Now().Add(-ttl)
	for _, label := range staleLabels {
		marked, err := m.opts.Store.SweepStale(ctx, tn.ID, label, olderThan)
		if err != nil {
			zlog.Warn(ctx).Str("label", label).Err(err).Msg("staleness sweep failed")
			continue
		}
		nodes += len(marked)
	}
	// An edge nobody refreshed inside the window goes away with the same
	// cutoff the node sweep used.
	dropped, err := m.opts.Store.SweepStaleEdges(ctx, tn.ID, olderThan)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("edge staleness sweep failed")
		return nodes, 0
	}
	return nodes, len(dropped)
}

func (m *Manager) notify(ctx context.Context, tenant uuid.UUID, now time.Time, p sentinel.EventPayload) {
	if m.opts.Notify == nil {
		return
	}
	m.opts.Notify(ctx, sentinel.NewEvent(tenant, now, p))
}
