package postgres

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/internal/microbatch"
)

const (
	upsertNodeSQL = `
INSERT INTO node (tenant_id, id, label, natural_key, properties, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (tenant_id, id) DO UPDATE
SET properties = EXCLUDED.properties,
	last_seen = GREATEST(node.last_seen, EXCLUDED.last_seen),
	stale = false;`
	upsertEdgeSQL = `
INSERT INTO edge (tenant_id, kind, source_id, target_id, properties, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (tenant_id, kind, source_id, target_id) DO UPDATE
SET properties = EXCLUDED.properties,
	last_seen = GREATEST(edge.last_seen, EXCLUDED.last_seen);`
	selectNodePropsSQL = `
SELECT id, properties, last_seen FROM node WHERE tenant_id = $1 AND id = ANY($2::text[]);`
	selectEdgeKeysSQL = `
SELECT e.kind, e.source_id, e.target_id
FROM edge e
JOIN unnest($2::text[], $3::text[], $4::text[]) AS q(kind, source_id, target_id)
	ON e.kind = q.kind AND e.source_id = q.source_id AND e.target_id = q.target_id
WHERE e.tenant_id = $1;`
)

func (s *Store) publish(ctx context.Context, tenant uuid.UUID, now time.Time, ps []sentinel.EventPayload) {
	if s.pub == nil {
		return
	}
	for _, p := range ps {
		s.pub.Publish(ctx, sentinel.NewEvent(tenant, now, p))
	}
}

// applyNodes upserts nodes on the transaction in (label, natural_key)
// order, reporting counts and the events to publish after commit.
func (s *Store) applyNodes(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, nodes []sentinel.Node, now time.Time) (created, updated int, evs []sentinel.EventPayload, _ error) {
	const op = `datastore/postgres/Store.applyNodes`
	if len(nodes) == 0 {
		return 0, 0, nil, nil
	}
	sorted := make([]sentinel.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Label() != sorted[j].Label() {
			return sorted[i].Label() < sorted[j].Label()
		}
		return sorted[i].NaturalKey() < sorted[j].NaturalKey()
	})

	ids := make([]string, len(sorted))
	for i, n := range sorted {
		if n.Tenant() != tenant {
			return 0, 0, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "node tenant does not match operation tenant"}
		}
		ids[i] = n.ID()
	}
	type priorNode struct {
		props    map[string]any
		lastSeen time.Time
	}
	prior := make(map[string]priorNode, len(ids))
	rows, err := tx.Query(ctx, selectNodePropsSQL, tenant, ids)
	if err != nil {
		return 0, 0, nil, err
	}
	for rows.Next() {
		var id string
		var p priorNode
		if err := rows.Scan(&id, &p.props, &p.lastSeen); err != nil {
			rows.Close()
			return 0, 0, nil, err
		}
		prior[id] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, nil, err
	}

	mb := microbatch.NewInsert(tx, 500, time.Minute)
	for _, n := range sorted {
		id, props := n.ID(), n.Properties()
		if err := mb.Queue(ctx, upsertNodeSQL, tenant, id, n.Label(), n.NaturalKey(), props, now); err != nil {
			return 0, 0, nil, err
		}
		old, ok := prior[id]
		if !ok {
			created++
			evs = append(evs, sentinel.NodeDiscovered{NodeID: id, NodeType: n.Label(), Label: n.Label()})
			continue
		}
		updated++
		changed := diffProperties(old.props, props)
		// A re-observation with identical properties still refreshes
		// last_seen, and that refresh is itself a change worth announcing.
		if now.After(old.lastSeen) {
			changed = append(changed, "last_seen")
			sort.Strings(changed)
		}
		if len(changed) != 0 {
			evs = append(evs, sentinel.NodeUpdated{NodeID: id, ChangedFields: changed})
		}
	}
	if err := mb.Done(ctx); err != nil {
		return 0, 0, nil, err
	}
	return created, updated, evs, nil
}

func diffProperties(old, new map[string]any) []string {
	var changed []string
	for k, v := range new {
		if ov, ok := old[k]; !ok || !jsonEqual(ov, v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// jsonEqual compares a value read back from jsonb with its in-memory
// counterpart, tolerating the numeric widening jsonb decoding applies.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}

// applyEdges upserts edges on the transaction, dropping edges whose
// endpoints do not exist and reporting them.
func (s *Store) applyEdges(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, edges []sentinel.Edge, now time.Time) (created, updated int, missing []string, evs []sentinel.EventPayload, _ error) {
	const op = `datastore/postgres/Store.applyEdges`
	if len(edges) == 0 {
		return 0, 0, nil, nil, nil
	}
	endpoints := make(map[string]struct{})
	for _, e := range edges {
		if e.TenantID != tenant {
			return 0, 0, nil, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "edge tenant does not match operation tenant"}
		}
		endpoints[e.SourceID] = struct{}{}
		endpoints[e.TargetID] = struct{}{}
	}
	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}
	exists := make(map[string]struct{}, len(ids))
	rows, err := tx.Query(ctx, `SELECT id FROM node WHERE tenant_id = $1 AND id = ANY($2::text[]);`, tenant, ids)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, nil, nil, err
		}
		exists[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, nil, nil, err
	}

	var kinds, srcs, tgts []string
	for _, e := range edges {
		kinds = append(kinds, string(e.Kind))
		srcs = append(srcs, e.SourceID)
		tgts = append(tgts, e.TargetID)
	}
	priorEdges := make(map[string]struct{})
	rows, err = tx.Query(ctx, selectEdgeKeysSQL, tenant, kinds, srcs, tgts)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	for rows.Next() {
		var kind, src, tgt string
		if err := rows.Scan(&kind, &src, &tgt); err != nil {
			rows.Close()
			return 0, 0, nil, nil, err
		}
		priorEdges[kind+"/"+src+"/"+tgt] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, nil, nil, err
	}

	mb := microbatch.NewInsert(tx, 500, time.Minute)
	for _, e := range edges {
		if _, ok := exists[e.SourceID]; !ok {
			missing = append(missing, e.Key())
			continue
		}
		if _, ok := exists[e.TargetID]; !ok {
			missing = append(missing, e.Key())
			continue
		}
		if err := mb.Queue(ctx, upsertEdgeSQL, tenant, string(e.Kind), e.SourceID, e.TargetID, e.Properties, now); err != nil {
			return 0, 0, nil, nil, err
		}
		if _, ok := priorEdges[e.Key()]; ok {
			updated++
			continue
		}
		created++
		evs = append(evs, sentinel.EdgeDiscovered{SourceID: e.SourceID, TargetID: e.TargetID, EdgeType: e.Kind})
	}
	if err := mb.Done(ctx); err != nil {
		return 0, 0, nil, nil, err
	}
	return created, updated, missing, evs, nil
}

// UpsertNode implements datastore.GraphStore.
func (s *Store) UpsertNode(ctx context.Context, tenant uuid.UUID, n sentinel.Node, now time.Time) (res datastore.UpsertResult, err error) {
	defer observe("upsertNode", &err)()
	var evs []sentinel.EventPayload
	err = withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			created, _, es, err := s.applyNodes(ctx, tx, tenant, []sentinel.Node{n}, now)
			if err != nil {
				return err
			}
			evs = es
			res = datastore.UpsertResult{ID: n.ID(), Created: created == 1}
			for _, e := range es {
				if u, ok := e.(sentinel.NodeUpdated); ok {
					res.Changed = u.ChangedFields
				}
			}
			return nil
		})
	})
	if err != nil {
		return datastore.UpsertResult{}, err
	}
	s.publish(ctx, tenant, now, evs)
	return res, nil
}

// UpsertEdge implements datastore.GraphStore.
//
// Unlike the batch path, a missing endpoint here is an error, not a
// dropped edge.
func (s *Store) UpsertEdge(ctx context.Context, tenant uuid.UUID, e sentinel.Edge, now time.Time) (res datastore.UpsertResult, err error) {
	const op = `datastore/postgres/Store.UpsertEdge`
	defer observe("upsertEdge", &err)()
	var evs []sentinel.EventPayload
	err = withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			created, _, missing, es, err := s.applyEdges(ctx, tx, tenant, []sentinel.Edge{e}, now)
			if err != nil {
				return err
			}
			if len(missing) != 0 {
				return &sentinel.Error{Op: op, Kind: sentinel.ErrEndpointMissing, Message: "endpoint not found for edge " + e.Key()}
			}
			evs = es
			res = datastore.UpsertResult{ID: e.Key(), Created: created == 1}
			return nil
		})
	})
	if err != nil {
		return datastore.UpsertResult{}, err
	}
	s.publish(ctx, tenant, now, evs)
	return res, nil
}

// ApplyBatch implements datastore.GraphStore.
func (s *Store) ApplyBatch(ctx context.Context, tenant uuid.UUID, b datastore.Batch, now time.Time) (report *datastore.BatchReport, err error) {
	defer observe("applyBatch", &err)()
	var evs []sentinel.EventPayload
	err = withRetry(ctx, func(ctx context.Context) error {
		evs = evs[:0]
		report = &datastore.BatchReport{}
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			nc, nu, nes, err := s.applyNodes(ctx, tx, tenant, b.Nodes, now)
			if err != nil {
				return err
			}
			ec, eu, missing, ees, err := s.applyEdges(ctx, tx, tenant, b.Edges, now)
			if err != nil {
				return err
			}
			report.NodesCreated, report.NodesUpdated = nc, nu
			report.EdgesCreated, report.EdgesUpdated = ec, eu
			report.MissingEndpoints = missing
			evs = append(evs, nes...)
			evs = append(evs, ees...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, tenant, now, evs)
	return report, nil
}
