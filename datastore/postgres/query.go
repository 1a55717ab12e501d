package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

const nodeColumns = `tenant_id, id, label, natural_key, properties, first_seen, last_seen, stale`

func scanNode(row pgx.CollectableRow) (datastore.NodeRecord, error) {
	var n datastore.NodeRecord
	err := row.Scan(&n.TenantID, &n.ID, &n.Label, &n.NaturalKey, &n.Properties, &n.FirstSeen, &n.LastSeen, &n.Stale)
	return n, err
}

// GetNode implements datastore.GraphStore.
func (s *Store) GetNode(ctx context.Context, tenant uuid.UUID, id string) (rec *datastore.NodeRecord, err error) {
	const op = `datastore/postgres/Store.GetNode`
	defer observe("getNode", &err)()
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM node WHERE tenant_id = $1 AND id = $2;`, tenant, id)
	if err != nil {
		return nil, err
	}
	n, err := pgx.CollectOneRow(rows, scanNode)
	switch {
	case err == pgx.ErrNoRows:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEndpointMissing, Message: "node not found: " + id}
	case err != nil:
		return nil, err
	}
	return &n, nil
}

// ListNodes implements datastore.GraphStore.
func (s *Store) ListNodes(ctx context.Context, tenant uuid.UUID, label string, filter map[string]any, p datastore.Page) (recs []datastore.NodeRecord, err error) {
	const op = `datastore/postgres/Store.ListNodes`
	defer observe("listNodes", &err)()
	if _, ok := filter["tenant_id"]; ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "filter must not reference tenant_id"}
	}
	q := `SELECT ` + nodeColumns + ` FROM node WHERE tenant_id = $1 AND label = $2`
	args := []any{tenant, label}
	if len(filter) != 0 {
		q += ` AND properties @> $3`
		args = append(args, filter)
	}
	q += ` ORDER BY natural_key`
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += ` OFFSET $` + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q+`;`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNode)
}

func itoa(n int) string { return strconv.Itoa(n) }

// Neighbors implements datastore.GraphStore.
func (s *Store) Neighbors(ctx context.Context, tenant uuid.UUID, nodeID string, dir datastore.Direction, kinds []sentinel.EdgeKind) (recs []datastore.NodeRecord, err error) {
	defer observe("neighbors", &err)()
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	var q string
	switch dir {
	case datastore.DirectionOut:
		q = `SELECT DISTINCT ` + prefixed("n") + `
FROM edge e JOIN node n ON n.tenant_id = e.tenant_id AND n.id = e.target_id
WHERE e.tenant_id = $1 AND e.source_id = $2 AND (cardinality($3::text[]) = 0 OR e.kind = ANY($3::text[]))`
	case datastore.DirectionIn:
		q = `SELECT DISTINCT ` + prefixed("n") + `
FROM edge e JOIN node n ON n.tenant_id = e.tenant_id AND n.id = e.source_id
WHERE e.tenant_id = $1 AND e.target_id = $2 AND (cardinality($3::text[]) = 0 OR e.kind = ANY($3::text[]))`
	default:
		q = `SELECT DISTINCT ` + prefixed("n") + `
FROM edge e JOIN node n ON n.tenant_id = e.tenant_id
	AND n.id = CASE WHEN e.source_id = $2 THEN e.target_id ELSE e.source_id END
WHERE e.tenant_id = $1 AND (e.source_id = $2 OR e.target_id = $2)
	AND (cardinality($3::text[]) = 0 OR e.kind = ANY($3::text[]))`
	}
	rows, err := s.pool.Query(ctx, q+` ORDER BY natural_key;`, tenant, nodeID, ks)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNode)
}

func prefixed(t string) string {
	return t + `.tenant_id, ` + t + `.id, ` + t + `.label, ` + t + `.natural_key, ` + t + `.properties, ` + t + `.first_seen, ` + t + `.last_seen, ` + t + `.stale`
}

// ListEdges implements datastore.GraphStore.
func (s *Store) ListEdges(ctx context.Context, tenant uuid.UUID, kind sentinel.EdgeKind, p datastore.Page) (out []sentinel.Edge, err error) {
	defer observe("listEdges", &err)()
	q := `SELECT tenant_id, kind, source_id, target_id, properties, first_seen, last_seen
FROM edge WHERE tenant_id = $1 AND ($2 = '' OR kind = $2) ORDER BY kind, source_id, target_id`
	args := []any{tenant, string(kind)}
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += ` OFFSET $` + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q+`;`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (sentinel.Edge, error) {
		var e sentinel.Edge
		var kind string
		err := row.Scan(&e.TenantID, &kind, &e.SourceID, &e.TargetID, &e.Properties, &e.FirstSeen, &e.LastSeen)
		e.Kind = sentinel.EdgeKind(kind)
		return e, err
	})
}

// searchVectors are the tsvector expressions backing the pre-declared
// indexes; they must match the expression indexes in the migrations.
var searchVectors = map[string]string{
	"host": `to_tsvector('simple',
		coalesce(properties->>'hostname', '') || ' ' ||
		coalesce(properties->>'ip', '') || ' ' ||
		coalesce(properties->>'os', ''))`,
	"user": `to_tsvector('simple',
		coalesce(properties->>'username', '') || ' ' ||
		coalesce(properties->>'email', '') || ' ' ||
		coalesce(properties->>'display_name', ''))`,
	"vulnerability": `to_tsvector('simple',
		coalesce(properties->>'cve_id', '') || ' ' ||
		coalesce(properties->>'description', ''))`,
}

// Search implements datastore.GraphStore.
func (s *Store) Search(ctx context.Context, tenant uuid.UUID, index, q string, limit int) (recs []datastore.NodeRecord, err error) {
	const op = `datastore/postgres/Store.Search`
	defer observe("search", &err)()
	idx, ok := datastore.SearchIndexes[index]
	vec, vok := searchVectors[index]
	if !ok || !vok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "unknown search index: " + index}
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM node
WHERE tenant_id = $1 AND label = $2 AND `+vec+` @@ plainto_tsquery('simple', $3)
ORDER BY natural_key LIMIT $4;`, tenant, idx.Label, q, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNode)
}

// Stats implements datastore.GraphStore.
func (s *Store) Stats(ctx context.Context, tenant uuid.UUID) (out map[string]int64, err error) {
	defer observe("stats", &err)()
	rows, err := s.pool.Query(ctx, `SELECT label, count(*) FROM node WHERE tenant_id = $1 GROUP BY label;`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out = make(map[string]int64)
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		out[label] = n
	}
	return out, rows.Err()
}

// SweepStale implements datastore.GraphStore.
func (s *Store) SweepStale(ctx context.Context, tenant uuid.UUID, label string, olderThan time.Time) (marked []datastore.NodeRecord, err error) {
	defer observe("sweepStale", &err)()
	err = withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `UPDATE node SET stale = true
WHERE tenant_id = $1 AND label = $2 AND last_seen < $3 AND NOT stale
RETURNING `+nodeColumns+`;`, tenant, label, olderThan)
		if err != nil {
			return err
		}
		marked, err = pgx.CollectRows(rows, scanNode)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, n := range marked {
		s.publish(ctx, tenant, olderThan, []sentinel.EventPayload{sentinel.NodeStale{NodeID: n.ID, LastSeen: n.LastSeen}})
	}
	return marked, nil
}

// SweepStaleEdges implements datastore.GraphStore.
func (s *Store) SweepStaleEdges(ctx context.Context, tenant uuid.UUID, olderThan time.Time) (dropped []sentinel.Edge, err error) {
	defer observe("sweepStaleEdges", &err)()
	err = withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `DELETE FROM edge
WHERE tenant_id = $1 AND last_seen < $2
RETURNING tenant_id, kind, source_id, target_id, properties, first_seen, last_seen;`, tenant, olderThan)
		if err != nil {
			return err
		}
		dropped, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (sentinel.Edge, error) {
			var e sentinel.Edge
			var kind string
			err := row.Scan(&e.TenantID, &kind, &e.SourceID, &e.TargetID, &e.Properties, &e.FirstSeen, &e.LastSeen)
			e.Kind = sentinel.EdgeKind(kind)
			return e, err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}
