package engram

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
)

// MaxRecords is the per-session cap on buffered records. A session that
// overflows the cap is dropped: recording stops, a SessionDropped event is
// emitted, and Close does not store anything.
const MaxRecords = 256

// Session accumulates engram records for one run.
//
// All methods are safe for concurrent use. Recording never returns an
// error; store failures surface only from Close, and callers are expected
// to log them rather than fail the run.
type Session struct {
	// Now is the clock used to timestamp records. Defaults to [time.Now].
	Now func() time.Time
	// Notify, if set, receives lifecycle events (SessionDropped,
	// EngramRecorded).
	Notify func(context.Context, sentinel.Event)

	store Store

	mu      sync.Mutex
	e       Engram
	dropped bool
	closed  bool
}

// Open starts a session for one agent run.
func Open(ctx context.Context, store Store, tenant uuid.UUID, agentID, intent string, sctx map[string]string) *Session {
	s := &Session{
		Now:   time.Now,
		store: store,
		e: Engram{
			SessionID: uuid.New(),
			TenantID:  tenant,
			AgentID:   agentID,
			Intent:    intent,
			Context:   sctx,
			Decisions: []Decision{},
			Actions:   []Action{},
			DeadEnds:  []DeadEnd{},
		},
	}
	s.e.StartedAt = s.Now().UTC()
	return s
}

// SessionID reports the session identifier.
func (s *Session) SessionID() uuid.UUID { return s.e.SessionID }

// admit reports whether another record fits under the cap, flipping the
// session to dropped on overflow.
func (s *Session) admit(ctx context.Context) bool {
	if s.dropped || s.closed {
		return false
	}
	n := len(s.e.Decisions) + len(s.e.Actions) + len(s.e.DeadEnds)
	if n < MaxRecords {
		return true
	}
	s.dropped = true
	zlog.Warn(ctx).
		Stringer("session", s.e.SessionID).
		Str("agent", s.e.AgentID).
		Int("buffered", n).
		Msg("engram session buffer overflow, dropping session")
	if s.Notify != nil {
		s.Notify(ctx, sentinel.NewEvent(s.e.TenantID, s.Now().UTC(), sentinel.SessionDropped{
			SessionID: s.e.SessionID,
			AgentType: s.e.AgentID,
			Buffered:  n,
		}))
	}
	return false
}

// RecordDecision records a choice between alternatives.
func (s *Session) RecordDecision(ctx context.Context, d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(ctx) {
		return
	}
	if d.At.IsZero() {
		d.At = s.Now().UTC()
	}
	s.e.Decisions = append(s.e.Decisions, d)
}

// RecordAction records one unit of performed work.
func (s *Session) RecordAction(ctx context.Context, a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(ctx) {
		return
	}
	if a.At.IsZero() {
		a.At = s.Now().UTC()
	}
	s.e.Actions = append(s.e.Actions, a)
}

// RecordDeadEnd records an approach that failed.
func (s *Session) RecordDeadEnd(ctx context.Context, d DeadEnd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(ctx) {
		return
	}
	if d.At.IsZero() {
		d.At = s.Now().UTC()
	}
	s.e.DeadEnds = append(s.e.DeadEnds, d)
}

// Close seals the session and stores the engram, returning its content
// address.
//
// A dropped session stores nothing and reports ErrEngramUnavailable; so
// does a store failure. Neither should abort the caller's run.
func (s *Session) Close(ctx context.Context, outcome Outcome, summary string) (string, error) {
	const op = `engram/Session.Close`
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "session already closed"}
	}
	s.closed = true
	if s.dropped {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Message: "session dropped after buffer overflow"}
	}
	s.e.Outcome = outcome
	s.e.Summary = summary
	s.e.ClosedAt = s.Now().UTC()
	address, err := s.store.Put(ctx, &s.e)
	if err != nil {
		zlog.Warn(ctx).
			Stringer("session", s.e.SessionID).
			Err(err).
			Msg("engram store failed")
		return "", err
	}
	if s.Notify != nil {
		s.Notify(ctx, sentinel.NewEvent(s.e.TenantID, s.e.ClosedAt, sentinel.EngramRecorded{
			SessionID:   s.e.SessionID,
			AgentType:   s.e.AgentID,
			Intent:      s.e.Intent,
			ActionCount: len(s.e.Actions),
		}))
	}
	return address, nil
}
