package engram

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	_ "modernc.org/sqlite"

	"github.com/sentinelsec/sentinel"
)

// Store is the engram object store.
type Store interface {
	// Put writes the engram at its content address and returns the address.
	// Writing an engram that is already stored is a no-op.
	Put(ctx context.Context, e *Engram) (string, error)
	// Get reads the engram at the address, verifying the content hash.
	Get(ctx context.Context, tenant uuid.UUID, address string) (*Engram, error)
	// List reports index entries for the tenant, newest first.
	List(ctx context.Context, tenant uuid.UUID, q Query) ([]IndexEntry, error)
}

// Query narrows a List call. Zero values match everything.
type Query struct {
	AgentID string
	Intent  string
	Outcome Outcome
	Limit   int
}

// IndexEntry is the searchable metadata kept for each stored engram.
type IndexEntry struct {
	Address     string
	TenantID    uuid.UUID
	SessionID   uuid.UUID
	AgentID     string
	Intent      string
	Outcome     Outcome
	StartedAt   time.Time
	ClosedAt    time.Time
	ActionCount int
}

// FS is a filesystem-backed Store.
//
// Objects live at <root>/<tenant>/<hh>/<address>.json where "hh" is the
// first two hex characters of the address. An object file holds exactly the
// canonical encoding the address was computed over, so verification hashes
// the stored bytes as-is. Objects are append-only: an existing address is
// never rewritten. A sqlite database at <root>/index.db carries the search
// index; listing never touches the objects.
type FS struct {
	root string
	db   *sql.DB
}

var _ Store = (*FS)(nil)

// NewFS opens or creates a store rooted at dir.
func NewFS(dir string) (*FS, error) {
	const op = `engram/NewFS`
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS engram (
	address      TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	intent       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	closed_at    TEXT NOT NULL,
	action_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS engram_tenant_started_idx ON engram (tenant_id, started_at);
`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	return &FS{root: dir, db: db}, nil
}

// Close releases the index database.
func (s *FS) Close() error {
	return s.db.Close()
}

func (s *FS) objectPath(tenant uuid.UUID, address string) string {
	return filepath.Join(s.root, tenant.String(), address[:2], address+".json")
}

// Put implements Store.
func (s *FS) Put(ctx context.Context, e *Engram) (string, error) {
	const op = `engram/FS.Put`
	b, err := e.Canonical()
	if err != nil {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	address := addressOf(b)
	p := s.objectPath(e.TenantID, address)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case errors.Is(err, fs.ErrExist):
		// Same address, same content.
		return address, nil
	case err != nil:
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(p)
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	if err := f.Close(); err != nil {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO engram (address, tenant_id, session_id, agent_id, intent, outcome, started_at, closed_at, action_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (address) DO NOTHING;`,
		address, e.TenantID.String(), e.SessionID.String(), e.AgentID, e.Intent, string(e.Outcome),
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.ClosedAt.UTC().Format(time.RFC3339Nano), len(e.Actions))
	if err != nil {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	zlog.Debug(ctx).
		Str("address", address).
		Stringer("tenant", e.TenantID).
		Msg("engram stored")
	return address, nil
}

// Get implements Store.
//
// The stored bytes are hashed as-is on every read; an object whose bytes do
// not hash to its address is reported corrupt. Verifying the raw bytes
// rather than a decoded round-trip means corruption the JSON decoder would
// shrug off (a flipped key, reordered members) is still caught.
func (s *FS) Get(ctx context.Context, tenant uuid.UUID, address string) (*Engram, error) {
	const op = `engram/FS.Get`
	if len(address) < 3 {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "malformed address"}
	}
	b, err := os.ReadFile(s.objectPath(tenant, address))
	if err != nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	if got := addressOf(b); got != address {
		return nil, &sentinel.Error{
			Op:      op,
			Kind:    sentinel.ErrEngramUnavailable,
			Message: fmt.Sprintf("content hash mismatch: object %s hashes to %s", address, got),
		}
	}
	var e Engram
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	e.ContentHash = address
	return &e, nil
}

// List implements Store.
func (s *FS) List(ctx context.Context, tenant uuid.UUID, q Query) ([]IndexEntry, error) {
	const op = `engram/FS.List`
	query := `SELECT address, tenant_id, session_id, agent_id, intent, outcome, started_at, closed_at, action_count
FROM engram WHERE tenant_id = ?`
	args := []any{tenant.String()}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.Intent != "" {
		query += ` AND intent = ?`
		args = append(args, q.Intent)
	}
	if q.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(q.Outcome))
	}
	query += ` ORDER BY started_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
	}
	defer rows.Close()
	var out []IndexEntry
	for rows.Next() {
		var (
			e                              IndexEntry
			tid, sid, outcome, start, stop string
		)
		if err := rows.Scan(&e.Address, &tid, &sid, &e.AgentID, &e.Intent, &outcome, &start, &stop, &e.ActionCount); err != nil {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
		}
		if e.TenantID, err = uuid.Parse(tid); err != nil {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
		}
		if e.SessionID, err = uuid.Parse(sid); err != nil {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
		}
		e.Outcome = Outcome(outcome)
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
		}
		if e.ClosedAt, err = time.Parse(time.RFC3339Nano, stop); err != nil {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEngramUnavailable, Inner: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyReport summarizes a Verify pass.
type VerifyReport struct {
	Checked int
	// Corrupt lists addresses whose objects do not hash to their address.
	Corrupt []string
}

// Verify re-reads every object for the tenant and recomputes its content
// hash.
func (s *FS) Verify(ctx context.Context, tenant uuid.UUID) (*VerifyReport, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engram/FS.Verify")
	entries, err := s.List(ctx, tenant, Query{})
	if err != nil {
		return nil, err
	}
	r := &VerifyReport{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.Checked++
		if _, err := s.Get(ctx, tenant, e.Address); err != nil {
			zlog.Warn(ctx).
				Str("address", e.Address).
				Err(err).
				Msg("corrupt engram object")
			r.Corrupt = append(r.Corrupt, e.Address)
		}
	}
	return r, nil
}
