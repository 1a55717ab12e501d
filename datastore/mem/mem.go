// Package mem is an in-memory [datastore.Store] for tests and single-node
// evaluation deployments. It implements the same semantics as the postgres
// store, including structural tenant scoping.
package mem

import (
	"context"
	"errors"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

// Store is the in-memory implementation.
type Store struct {
	// Publisher, if set, receives graph events. Set before first use.
	Publisher datastore.Publisher

	mu         sync.Mutex
	nodes      map[uuid.UUID]map[string]*datastore.NodeRecord
	edges      map[uuid.UUID]map[string]*sentinel.Edge
	tenants    map[uuid.UUID]*datastore.Tenant
	connectors map[uuid.UUID][]*datastore.ConnectorRecord
	scans      map[uuid.UUID][]*datastore.ScanRecord
	audits     map[uuid.UUID][]*datastore.AuditEntry
}

var _ datastore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes:      make(map[uuid.UUID]map[string]*datastore.NodeRecord),
		edges:      make(map[uuid.UUID]map[string]*sentinel.Edge),
		tenants:    make(map[uuid.UUID]*datastore.Tenant),
		connectors: make(map[uuid.UUID][]*datastore.ConnectorRecord),
		scans:      make(map[uuid.UUID][]*datastore.ScanRecord),
		audits:     make(map[uuid.UUID][]*datastore.AuditEntry),
	}
}

func (s *Store) publish(ctx context.Context, ev sentinel.Event) {
	if s.Publisher != nil {
		s.Publisher.Publish(ctx, ev)
	}
}

// upsertNode applies one node while holding the lock, reporting the events
// to publish after it drops.
func (s *Store) upsertNode(tenant uuid.UUID, n sentinel.Node, now time.Time) (datastore.UpsertResult, []sentinel.EventPayload, error) {
	const op = `datastore/mem/Store.UpsertNode`
	if n.Tenant() != tenant {
		return datastore.UpsertResult{}, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "node tenant does not match operation tenant"}
	}
	tab, ok := s.nodes[tenant]
	if !ok {
		tab = make(map[string]*datastore.NodeRecord)
		s.nodes[tenant] = tab
	}
	id := n.ID()
	cur, ok := tab[id]
	if !ok {
		tab[id] = &datastore.NodeRecord{
			TenantID:   tenant,
			ID:         id,
			Label:      n.Label(),
			NaturalKey: n.NaturalKey(),
			Properties: maps.Clone(n.Properties()),
			FirstSeen:  now,
			LastSeen:   now,
		}
		return datastore.UpsertResult{ID: id, Created: true},
			[]sentinel.EventPayload{sentinel.NodeDiscovered{NodeID: id, NodeType: n.Label(), Label: n.Label()}},
			nil
	}
	changed := diffProperties(cur.Properties, n.Properties())
	cur.Properties = maps.Clone(n.Properties())
	// A re-observation with identical properties still refreshes last_seen,
	// and that refresh is itself a change worth announcing.
	if now.After(cur.LastSeen) {
		cur.LastSeen = now
		changed = append(changed, "last_seen")
		sort.Strings(changed)
	}
	cur.Stale = false
	var evs []sentinel.EventPayload
	if len(changed) != 0 {
		evs = append(evs, sentinel.NodeUpdated{NodeID: id, ChangedFields: changed})
	}
	return datastore.UpsertResult{ID: id, Changed: changed}, evs, nil
}

func diffProperties(old, new map[string]any) []string {
	var changed []string
	for k, v := range new {
		if ov, ok := old[k]; !ok || !reflect.DeepEqual(ov, v) {
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

// UpsertNode implements datastore.GraphStore.
func (s *Store) UpsertNode(ctx context.Context, tenant uuid.UUID, n sentinel.Node, now time.Time) (datastore.UpsertResult, error) {
	s.mu.Lock()
	res, evs, err := s.upsertNode(tenant, n, now)
	s.mu.Unlock()
	if err != nil {
		return res, err
	}
	for _, p := range evs {
		s.publish(ctx, sentinel.NewEvent(tenant, now, p))
	}
	return res, nil
}

func (s *Store) upsertEdge(tenant uuid.UUID, e sentinel.Edge, now time.Time) (datastore.UpsertResult, []sentinel.EventPayload, error) {
	const op = `datastore/mem/Store.UpsertEdge`
	if e.TenantID != tenant {
		return datastore.UpsertResult{}, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "edge tenant does not match operation tenant"}
	}
	tab := s.nodes[tenant]
	if _, ok := tab[e.SourceID]; !ok {
		return datastore.UpsertResult{}, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEndpointMissing, Message: "source node not found: " + e.SourceID}
	}
	if _, ok := tab[e.TargetID]; !ok {
		return datastore.UpsertResult{}, nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEndpointMissing, Message: "target node not found: " + e.TargetID}
	}
	etab, ok := s.edges[tenant]
	if !ok {
		etab = make(map[string]*sentinel.Edge)
		s.edges[tenant] = etab
	}
	k := e.Key()
	cur, ok := etab[k]
	if !ok {
		stored := e
		stored.FirstSeen, stored.LastSeen = now, now
		etab[k] = &stored
		return datastore.UpsertResult{ID: k, Created: true},
			[]sentinel.EventPayload{sentinel.EdgeDiscovered{SourceID: e.SourceID, TargetID: e.TargetID, EdgeType: e.Kind}},
			nil
	}
	cur.Properties = e.Properties
	if now.After(cur.LastSeen) {
		cur.LastSeen = now
	}
	return datastore.UpsertResult{ID: k}, nil, nil
}

// UpsertEdge implements datastore.GraphStore.
func (s *Store) UpsertEdge(ctx context.Context, tenant uuid.UUID, e sentinel.Edge, now time.Time) (datastore.UpsertResult, error) {
	s.mu.Lock()
	res, evs, err := s.upsertEdge(tenant, e, now)
	s.mu.Unlock()
	if err != nil {
		return res, err
	}
	for _, p := range evs {
		s.publish(ctx, sentinel.NewEvent(tenant, now, p))
	}
	return res, nil
}

// ApplyBatch implements datastore.GraphStore.
//
// The single mutex makes the batch atomic; failures before the first write
// leave the store untouched. Nodes apply in (label, natural_key) order so
// concurrent batches touch rows in the same sequence.
func (s *Store) ApplyBatch(ctx context.Context, tenant uuid.UUID, b datastore.Batch, now time.Time) (*datastore.BatchReport, error) {
	const op = `datastore/mem/Store.ApplyBatch`
	for _, n := range b.Nodes {
		if n.Tenant() != tenant {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "node tenant does not match operation tenant"}
		}
	}
	for _, e := range b.Edges {
		if e.TenantID != tenant {
			return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "edge tenant does not match operation tenant"}
		}
	}
	nodes := slices.Clone(b.Nodes)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Label() != nodes[j].Label() {
			return nodes[i].Label() < nodes[j].Label()
		}
		return nodes[i].NaturalKey() < nodes[j].NaturalKey()
	})

	var report datastore.BatchReport
	var pending []sentinel.EventPayload
	s.mu.Lock()
	for _, n := range nodes {
		res, evs, err := s.upsertNode(tenant, n, now)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if res.Created {
			report.NodesCreated++
		} else {
			report.NodesUpdated++
		}
		pending = append(pending, evs...)
	}
	for _, e := range b.Edges {
		res, evs, err := s.upsertEdge(tenant, e, now)
		switch {
		case err == nil:
		case errors.Is(err, sentinel.ErrEndpointMissing):
			report.MissingEndpoints = append(report.MissingEndpoints, e.Key())
			continue
		default:
			s.mu.Unlock()
			return nil, err
		}
		if res.Created {
			report.EdgesCreated++
		} else {
			report.EdgesUpdated++
		}
		pending = append(pending, evs...)
	}
	s.mu.Unlock()
	for _, p := range pending {
		s.publish(ctx, sentinel.NewEvent(tenant, now, p))
	}
	return &report, nil
}

// GetNode implements datastore.GraphStore.
func (s *Store) GetNode(_ context.Context, tenant uuid.UUID, id string) (*datastore.NodeRecord, error) {
	const op = `datastore/mem/Store.GetNode`
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[tenant][id]
	if !ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrEndpointMissing, Message: "node not found: " + id}
	}
	cp := cloneRecord(n)
	return &cp, nil
}

// ListNodes implements datastore.GraphStore.
func (s *Store) ListNodes(_ context.Context, tenant uuid.UUID, label string, filter map[string]any, p datastore.Page) ([]datastore.NodeRecord, error) {
	const op = `datastore/mem/Store.ListNodes`
	if _, ok := filter["tenant_id"]; ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "filter must not reference tenant_id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.NodeRecord
	for _, n := range s.nodes[tenant] {
		if n.Label != label {
			continue
		}
		match := true
		for k, v := range filter {
			if !reflect.DeepEqual(n.Properties[k], v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, cloneRecord(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return paginate(out, p), nil
}

// Neighbors implements datastore.GraphStore.
func (s *Store) Neighbors(_ context.Context, tenant uuid.UUID, nodeID string, dir datastore.Direction, kinds []sentinel.EdgeKind) ([]datastore.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := func(k sentinel.EdgeKind) bool {
		if len(kinds) == 0 {
			return true
		}
		return slices.Contains(kinds, k)
	}
	seen := make(map[string]struct{})
	var out []datastore.NodeRecord
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if n, ok := s.nodes[tenant][id]; ok {
			out = append(out, cloneRecord(n))
		}
	}
	for _, e := range s.edges[tenant] {
		if !want(e.Kind) {
			continue
		}
		if (dir == datastore.DirectionOut || dir == datastore.DirectionBoth) && e.SourceID == nodeID {
			add(e.TargetID)
		}
		if (dir == datastore.DirectionIn || dir == datastore.DirectionBoth) && e.TargetID == nodeID {
			add(e.SourceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out, nil
}

// ListEdges implements datastore.GraphStore.
func (s *Store) ListEdges(_ context.Context, tenant uuid.UUID, kind sentinel.EdgeKind, p datastore.Page) ([]sentinel.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentinel.Edge
	for _, e := range s.edges[tenant] {
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return paginate(out, p), nil
}

// Search implements datastore.GraphStore.
func (s *Store) Search(_ context.Context, tenant uuid.UUID, index, q string, limit int) ([]datastore.NodeRecord, error) {
	const op = `datastore/mem/Store.Search`
	idx, ok := datastore.SearchIndexes[index]
	if !ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "unknown search index: " + index}
	}
	q = strings.ToLower(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.NodeRecord
	for _, n := range s.nodes[tenant] {
		if n.Label != idx.Label {
			continue
		}
		for _, f := range idx.Fields {
			v, ok := n.Properties[f].(string)
			if ok && strings.Contains(strings.ToLower(v), q) {
				out = append(out, cloneRecord(n))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements datastore.GraphStore.
func (s *Store) Stats(_ context.Context, tenant uuid.UUID) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, n := range s.nodes[tenant] {
		out[n.Label]++
	}
	return out, nil
}

// SweepStale implements datastore.GraphStore.
func (s *Store) SweepStale(ctx context.Context, tenant uuid.UUID, label string, olderThan time.Time) ([]datastore.NodeRecord, error) {
	var marked []datastore.NodeRecord
	s.mu.Lock()
	for _, n := range s.nodes[tenant] {
		if n.Label != label || n.Stale || !n.LastSeen.Before(olderThan) {
			continue
		}
		n.Stale = true
		marked = append(marked, cloneRecord(n))
	}
	s.mu.Unlock()
	sort.Slice(marked, func(i, j int) bool { return marked[i].NaturalKey < marked[j].NaturalKey })
	for _, n := range marked {
		s.publish(ctx, sentinel.NewEvent(tenant, olderThan, sentinel.NodeStale{NodeID: n.ID, LastSeen: n.LastSeen}))
	}
	return marked, nil
}

// SweepStaleEdges implements datastore.GraphStore.
func (s *Store) SweepStaleEdges(_ context.Context, tenant uuid.UUID, olderThan time.Time) ([]sentinel.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []sentinel.Edge
	for k, e := range s.edges[tenant] {
		if !e.LastSeen.Before(olderThan) {
			continue
		}
		dropped = append(dropped, *e)
		delete(s.edges[tenant], k)
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Key() < dropped[j].Key() })
	return dropped, nil
}

func cloneRecord(n *datastore.NodeRecord) datastore.NodeRecord {
	cp := *n
	cp.Properties = maps.Clone(n.Properties)
	return cp
}

func paginate[T any](in []T, p datastore.Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(in) {
			return nil
		}
		in = in[p.Offset:]
	}
	if p.Limit > 0 && len(in) > p.Limit {
		in = in[:p.Limit]
	}
	return in
}
