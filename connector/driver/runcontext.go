package driver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/engram"
)

// RunContext carries the per-run state a connector needs while
// discovering: tenant scoping, the engram session, and the clock.
type RunContext struct {
	TenantID uuid.UUID
	ScanID   uuid.UUID
	// Session records working memory for the run; may be nil, in which
	// case the record helpers are no-ops.
	Session *engram.Session
	// Now is the clock observations are stamped with. Explicit so runs are
	// deterministic under test.
	Now func() time.Time
}

// Time reports the current time from the run's clock.
func (rc *RunContext) Time() time.Time {
	if rc.Now == nil {
		return time.Now()
	}
	return rc.Now()
}

// RecordAction records one unit of work on the engram session.
func (rc *RunContext) RecordAction(ctx context.Context, a engram.Action) {
	if rc.Session == nil {
		return
	}
	rc.Session.RecordAction(ctx, a)
}

// RecordDecision records a decision on the engram session.
func (rc *RunContext) RecordDecision(ctx context.Context, d engram.Decision) {
	if rc.Session == nil {
		return
	}
	rc.Session.RecordDecision(ctx, d)
}

// RecordDeadEnd records a failed approach on the engram session.
func (rc *RunContext) RecordDeadEnd(ctx context.Context, d engram.DeadEnd) {
	if rc.Session == nil {
		return
	}
	rc.Session.RecordDeadEnd(ctx, d)
}

// MakeEdge builds an edge between two nodes of the run's tenant.
func (rc *RunContext) MakeEdge(src, dst sentinel.Node, kind sentinel.EdgeKind, props sentinel.EdgeProperties) sentinel.Edge {
	return sentinel.Edge{
		TenantID:   rc.TenantID,
		Kind:       kind,
		SourceID:   src.ID(),
		TargetID:   dst.ID(),
		Properties: props,
	}
}
