package mem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

type capture struct {
	evs []sentinel.Event
}

func (c *capture) Publish(_ context.Context, ev sentinel.Event) { c.evs = append(c.evs, ev) }

func (c *capture) topics() []string {
	out := make([]string, len(c.evs))
	for i, ev := range c.evs {
		out[i] = ev.Payload.Topic()
	}
	return out
}

func host(tenant uuid.UUID, instance, hostname string) *sentinel.Host {
	return &sentinel.Host{
		TenantID:        tenant,
		IP:              "10.0.0.1",
		Hostname:        hostname,
		CloudProvider:   sentinel.CloudAWS,
		CloudInstanceID: instance,
	}
}

func TestUpsertNodeSeenSemantics(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	res, err := s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1"), t0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("expected create")
	}

	// Same natural key, later observation.
	res, err = s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1-renamed"), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("expected update")
	}
	if want := []string{"hostname", "last_seen"}; !cmp.Equal(res.Changed, want) {
		t.Error(cmp.Diff(res.Changed, want))
	}

	n, err := s.GetNode(ctx, tenant, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !n.FirstSeen.Equal(t0) {
		t.Errorf("first_seen moved: %v", n.FirstSeen)
	}
	if !n.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_seen not advanced: %v", n.LastSeen)
	}

	// Out-of-order observation must not regress last_seen.
	if _, err := s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1-renamed"), t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	n, err = s.GetNode(ctx, tenant, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !n.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_seen regressed: %v", n.LastSeen)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, b := uuid.New(), uuid.New()
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	// Same natural key in two tenants: distinct nodes, invisible across.
	if _, err := s.UpsertNode(ctx, a, host(a, "i-1", "web-1"), now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertNode(ctx, b, host(b, "i-1", "web-1"), now); err != nil {
		t.Fatal(err)
	}
	for tn, want := range map[uuid.UUID]int{a: 1, b: 1} {
		got, err := s.ListNodes(ctx, tn, sentinel.LabelHost, nil, datastore.Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != want {
			t.Errorf("tenant %v: got %d nodes, want %d", tn, len(got), want)
		}
	}

	// A node typed for tenant B cannot be written under tenant A.
	if _, err := s.UpsertNode(ctx, a, host(b, "i-2", "web-2"), now); !errors.Is(err, sentinel.ErrPrecondition) {
		t.Errorf("got %v, want precondition error", err)
	}

	// Filters naming tenant_id are rejected.
	if _, err := s.ListNodes(ctx, a, sentinel.LabelHost, map[string]any{"tenant_id": b.String()}, datastore.Page{}); !errors.Is(err, sentinel.ErrPrecondition) {
		t.Errorf("got %v, want precondition error", err)
	}

	// An edge typed for tenant B cannot be written under tenant A.
	hA := host(a, "i-1", "web-1")
	e := sentinel.Edge{TenantID: b, Kind: sentinel.EdgeConnectsTo, SourceID: hA.ID(), TargetID: hA.ID()}
	if _, err := s.UpsertEdge(ctx, a, e, now); !errors.Is(err, sentinel.ErrPrecondition) {
		t.Errorf("got %v, want precondition error", err)
	}

	// An edge whose endpoint only exists in another tenant is missing.
	h2 := host(b, "i-9", "only-in-b")
	if _, err := s.UpsertNode(ctx, b, h2, now); err != nil {
		t.Fatal(err)
	}
	e = sentinel.Edge{TenantID: a, Kind: sentinel.EdgeConnectsTo, SourceID: hA.ID(), TargetID: h2.ID()}
	if _, err := s.UpsertEdge(ctx, a, e, now); !errors.Is(err, sentinel.ErrEndpointMissing) {
		t.Errorf("got %v, want endpoint-missing error", err)
	}
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	s := New()
	s.Publisher = pub
	tenant := uuid.New()
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	h := host(tenant, "i-1", "web-1")
	svc := &sentinel.Service{TenantID: tenant, HostKey: h.NaturalKey(), Name: "nginx", Port: 443, Protocol: sentinel.ProtoHTTPS}
	okEdge := sentinel.Edge{TenantID: tenant, Kind: sentinel.EdgeRunsOn, SourceID: svc.ID(), TargetID: h.ID()}
	badEdge := sentinel.Edge{TenantID: tenant, Kind: sentinel.EdgeRunsOn, SourceID: svc.ID(), TargetID: "no-such-node"}

	report, err := s.ApplyBatch(ctx, tenant, datastore.Batch{
		Nodes: []sentinel.Node{h, svc},
		Edges: []sentinel.Edge{okEdge, badEdge},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	want := &datastore.BatchReport{
		NodesCreated:     2,
		EdgesCreated:     1,
		MissingEndpoints: []string{badEdge.Key()},
	}
	if !cmp.Equal(report, want) {
		t.Error(cmp.Diff(report, want))
	}
	wantTopics := []string{"graph.node_discovered", "graph.node_discovered", "graph.edge_discovered"}
	if !cmp.Equal(pub.topics(), wantTopics) {
		t.Error(cmp.Diff(pub.topics(), wantTopics))
	}

	// Re-applying the identical batch creates nothing; the refreshed nodes
	// still announce their advanced last_seen.
	pub.evs = nil
	report, err = s.ApplyBatch(ctx, tenant, datastore.Batch{
		Nodes: []sentinel.Node{h, svc},
		Edges: []sentinel.Edge{okEdge, badEdge},
	}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want = &datastore.BatchReport{
		NodesUpdated:     2,
		EdgesUpdated:     1,
		MissingEndpoints: []string{badEdge.Key()},
	}
	if !cmp.Equal(report, want) {
		t.Error(cmp.Diff(report, want))
	}
	wantTopics = []string{"graph.node_updated", "graph.node_updated"}
	if !cmp.Equal(pub.topics(), wantTopics) {
		t.Error(cmp.Diff(pub.topics(), wantTopics))
	}
}

func TestUnchangedRefreshEmitsNodeUpdated(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	s := New()
	s.Publisher = pub
	tenant := uuid.New()
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	if _, err := s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1"), t0); err != nil {
		t.Fatal(err)
	}

	// Identical properties an hour later: last_seen is the only change, and
	// it is announced as one.
	pub.evs = nil
	res, err := s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1"), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"last_seen"}; !cmp.Equal(res.Changed, want) {
		t.Error(cmp.Diff(res.Changed, want))
	}
	if len(pub.evs) != 1 {
		t.Fatalf("got %d events, want 1", len(pub.evs))
	}
	upd, ok := pub.evs[0].Payload.(sentinel.NodeUpdated)
	if !ok {
		t.Fatalf("got %T, want NodeUpdated", pub.evs[0].Payload)
	}
	if want := []string{"last_seen"}; !cmp.Equal(upd.ChangedFields, want) {
		t.Error(cmp.Diff(upd.ChangedFields, want))
	}

	// The same observation timestamp again is a true no-op.
	pub.evs = nil
	res, err = s.UpsertNode(ctx, tenant, host(tenant, "i-1", "web-1"), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changed) != 0 || len(pub.evs) != 0 {
		t.Errorf("no-op upsert reported changes: %v %v", res.Changed, pub.topics())
	}
}

func TestSweepStaleIdempotent(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	s := New()
	s.Publisher = pub
	tenant := uuid.New()
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	if _, err := s.UpsertNode(ctx, tenant, host(tenant, "i-old", "old"), t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertNode(ctx, tenant, host(tenant, "i-new", "new"), t0.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	cutoff := t0.Add(24 * time.Hour)
	marked, err := s.SweepStale(ctx, tenant, sentinel.LabelHost, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 1 || marked[0].NaturalKey != "aws/i-old" {
		t.Fatalf("unexpected marked set: %+v", marked)
	}
	if got := pub.topics(); len(got) != 3 || got[2] != "graph.node_stale" {
		t.Errorf("unexpected events: %v", got)
	}

	// Second sweep marks nothing and emits nothing.
	pub.evs = nil
	marked, err = s.SweepStale(ctx, tenant, sentinel.LabelHost, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 0 || len(pub.evs) != 0 {
		t.Errorf("sweep not idempotent: %+v %v", marked, pub.topics())
	}

	// Re-observation clears the mark.
	if _, err := s.UpsertNode(ctx, tenant, host(tenant, "i-old", "old"), t0.Add(72*time.Hour)); err != nil {
		t.Fatal(err)
	}
	n, err := s.GetNode(ctx, tenant, host(tenant, "i-old", "old").ID())
	if err != nil {
		t.Fatal(err)
	}
	if n.Stale {
		t.Error("refreshed node still stale")
	}
}

func TestSweepStaleEdges(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	alice := &sentinel.User{TenantID: tenant, Username: "alice", Source: sentinel.SourceOkta, SourceID: "u1"}
	eng := &sentinel.Group{TenantID: tenant, Name: "eng", Source: sentinel.SourceOkta, SourceID: "g1"}
	member := sentinel.Edge{TenantID: tenant, Kind: sentinel.EdgeMemberOf, SourceID: alice.ID(), TargetID: eng.ID()}
	if _, err := s.ApplyBatch(ctx, tenant, datastore.Batch{
		Nodes: []sentinel.Node{alice, eng},
		Edges: []sentinel.Edge{member},
	}, t0); err != nil {
		t.Fatal(err)
	}

	// The next run still sees both identities but no longer asserts the
	// membership, so only the nodes refresh.
	if _, err := s.ApplyBatch(ctx, tenant, datastore.Batch{
		Nodes: []sentinel.Node{alice, eng},
	}, t0.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	dropped, err := s.SweepStaleEdges(ctx, tenant, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 1 || dropped[0].Key() != member.Key() {
		t.Fatalf("unexpected dropped set: %+v", dropped)
	}
	left, err := s.ListEdges(ctx, tenant, "", datastore.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("stale edge survived the sweep: %+v", left)
	}

	// Second sweep drops nothing.
	dropped, err = s.SweepStaleEdges(ctx, tenant, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 0 {
		t.Errorf("sweep not idempotent: %+v", dropped)
	}
}

func TestNeighborsAndSearch(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	h := host(tenant, "i-1", "db-primary")
	svc := &sentinel.Service{TenantID: tenant, HostKey: h.NaturalKey(), Name: "postgres", Port: 5432, Protocol: sentinel.ProtoTCP}
	if _, err := s.ApplyBatch(ctx, tenant, datastore.Batch{
		Nodes: []sentinel.Node{h, svc},
		Edges: []sentinel.Edge{{TenantID: tenant, Kind: sentinel.EdgeRunsOn, SourceID: svc.ID(), TargetID: h.ID()}},
	}, now); err != nil {
		t.Fatal(err)
	}

	out, err := s.Neighbors(ctx, tenant, svc.ID(), datastore.DirectionOut, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != h.ID() {
		t.Errorf("unexpected out-neighbors: %+v", out)
	}
	in, err := s.Neighbors(ctx, tenant, h.ID(), datastore.DirectionIn, []sentinel.EdgeKind{sentinel.EdgeRunsOn})
	if err != nil {
		t.Fatal(err)
	}
	if len(in) != 1 || in[0].ID != svc.ID() {
		t.Errorf("unexpected in-neighbors: %+v", in)
	}

	hits, err := s.Search(ctx, tenant, "host", "db-prim", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != h.ID() {
		t.Errorf("unexpected search hits: %+v", hits)
	}
	if _, err := s.Search(ctx, tenant, "bogus", "q", 10); !errors.Is(err, sentinel.ErrPrecondition) {
		t.Errorf("got %v, want precondition error", err)
	}

	stats, err := s.Stats(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	wantStats := map[string]int64{sentinel.LabelHost: 1, sentinel.LabelService: 1}
	if !cmp.Equal(stats, wantStats) {
		t.Error(cmp.Diff(stats, wantStats))
	}
}

func TestScanHistory(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	conn := datastore.ConnectorRecord{ID: uuid.New(), TenantID: tenant, ConnectorType: "aws", Name: "prod", Enabled: true}
	s.AddTenant(datastore.Tenant{ID: tenant, Slug: "acme", Plan: datastore.PlanStarter})
	s.AddConnector(conn)

	rec := &datastore.ScanRecord{
		ID:          uuid.New(),
		TenantID:    tenant,
		ConnectorID: conn.ID,
		ScanType:    "aws",
		Target:      "us-east-1",
		Status:      datastore.ScanRunning,
		StartedAt:   now,
	}
	if err := s.RecordScanStart(ctx, rec); err != nil {
		t.Fatal(err)
	}

	done := now.Add(time.Minute)
	rec.Status = datastore.ScanCompleted
	rec.NodesFound = 10
	rec.CompletedAt = &done
	rec.DurationMS = 60_000
	if err := s.RecordScanFinish(ctx, rec); err != nil {
		t.Fatal(err)
	}

	scans, err := s.ListScans(ctx, tenant, datastore.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 1 || scans[0].Status != datastore.ScanCompleted || scans[0].NodesFound != 10 {
		t.Errorf("unexpected history: %+v", scans)
	}

	cs, err := s.Connectors(ctx, tenant, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].LastSyncStatus != datastore.ScanCompleted || cs[0].LastSyncAt == nil {
		t.Errorf("connector last-sync not updated: %+v", cs)
	}
}
