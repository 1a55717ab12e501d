package driver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore/mem"
	"github.com/sentinelsec/sentinel/engram"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

type fakeConnector struct {
	name      string
	healthErr error
	result    *SyncResult
	discErr   error
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Kind() Kind   { return KindAWS }
func (f *fakeConnector) Configure(_ context.Context, _ ConfigUnmarshaler, _ *http.Client, _ secrets.Store) error {
	return nil
}
func (f *fakeConnector) HealthCheck(_ context.Context) error { return f.healthErr }
func (f *fakeConnector) Discover(ctx context.Context, rc *RunContext) (*SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.discErr != nil {
		return nil, f.discErr
	}
	rc.RecordAction(ctx, engram.Action{Kind: "enumerate", Target: "ec2", Outcome: "ok"})
	return f.result, nil
}

func testResult(tenant uuid.UUID) *SyncResult {
	vpc := &sentinel.Vpc{TenantID: tenant, VpcID: "vpc-1", CloudProvider: sentinel.CloudAWS}
	host := &sentinel.Host{TenantID: tenant, IP: "10.0.0.1", CloudProvider: sentinel.CloudAWS, CloudInstanceID: "i-1"}
	return &SyncResult{
		Vpcs:  []*sentinel.Vpc{vpc},
		Hosts: []*sentinel.Host{host},
		Edges: []sentinel.Edge{{
			TenantID: tenant,
			Kind:     sentinel.EdgeBelongsToVpc,
			SourceID: host.ID(),
			TargetID: vpc.ID(),
		}},
	}
}

func TestRunCompleted(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tenant := uuid.New()
	store := mem.New()
	engrams, err := engram.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer engrams.Close()

	var events []sentinel.Event
	report := Run(ctx, RunParams{
		Tenant:    tenant,
		ScanID:    uuid.New(),
		Connector: &fakeConnector{name: "prod", result: testResult(tenant)},
		Graph:     store,
		Engrams:   engrams,
		Notify:    func(_ context.Context, ev sentinel.Event) { events = append(events, ev) },
	})
	if report.Status != "completed" {
		t.Fatalf("got status %q, want completed: %v", report.Status, report.Err)
	}
	if got := report.Batch.NodesCreated; got != 2 {
		t.Errorf("got %d nodes created, want 2", got)
	}
	if report.EngramAddress == "" {
		t.Error("expected an engram address")
	}

	e, err := engrams.Get(ctx, tenant, report.EngramAddress)
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != engram.OutcomeSuccess {
		t.Errorf("got engram outcome %q, want success", e.Outcome)
	}
	if len(e.Actions) == 0 {
		t.Error("expected recorded actions in the engram")
	}
	var recorded bool
	for _, ev := range events {
		if _, ok := ev.Payload.(sentinel.EngramRecorded); ok {
			recorded = true
		}
	}
	if !recorded {
		t.Error("expected an EngramRecorded event")
	}
}

func TestRunHealthCheckFailure(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tenant := uuid.New()
	engrams, err := engram.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer engrams.Close()

	credErr := &sentinel.Error{Kind: sentinel.ErrCredential, Message: "token rejected"}
	report := Run(ctx, RunParams{
		Tenant:    tenant,
		ScanID:    uuid.New(),
		Connector: &fakeConnector{name: "prod", healthErr: credErr},
		Graph:     mem.New(),
		Engrams:   engrams,
	})
	if report.Status != "failed" {
		t.Fatalf("got status %q, want failed", report.Status)
	}
	if !errors.Is(report.Err, sentinel.ErrCredential) {
		t.Errorf("got err %v, want credential kind", report.Err)
	}

	e, err := engrams.Get(ctx, tenant, report.EngramAddress)
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != engram.OutcomeFailed {
		t.Errorf("got engram outcome %q, want failed", e.Outcome)
	}
	if len(e.DeadEnds) != 1 {
		t.Fatalf("got %d dead ends, want 1", len(e.DeadEnds))
	}
}

func TestRunCancelled(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tenant := uuid.New()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	report := Run(cancelled, RunParams{
		Tenant:    tenant,
		ScanID:    uuid.New(),
		Connector: &fakeConnector{name: "prod", result: testResult(tenant)},
		Graph:     mem.New(),
	})
	if report.Status != "cancelled" {
		t.Fatalf("got status %q, want cancelled", report.Status)
	}
}

func TestRunPartialOnSubFailures(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tenant := uuid.New()
	engrams, err := engram.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer engrams.Close()

	result := testResult(tenant)
	result.SubFailures = []string{"region us-west-2: throttled"}
	report := Run(ctx, RunParams{
		Tenant:    tenant,
		ScanID:    uuid.New(),
		Connector: &fakeConnector{name: "prod", result: result},
		Graph:     mem.New(),
		Engrams:   engrams,
	})
	if report.Status != "partial" {
		t.Fatalf("got status %q, want partial", report.Status)
	}
	e, err := engrams.Get(ctx, tenant, report.EngramAddress)
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != engram.OutcomePartial {
		t.Errorf("got engram outcome %q, want partial", e.Outcome)
	}
}

func TestRunPartialOnMissingEndpoints(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tenant := uuid.New()
	result := testResult(tenant)
	result.Edges = append(result.Edges, sentinel.Edge{
		TenantID: tenant,
		Kind:     sentinel.EdgeRunsOn,
		SourceID: result.Hosts[0].ID(),
		TargetID: "feedfeedfeedfeedfeedfeedfeedfeed",
	})
	report := Run(ctx, RunParams{
		Tenant:    tenant,
		ScanID:    uuid.New(),
		Connector: &fakeConnector{name: "prod", result: result},
		Graph:     mem.New(),
	})
	if report.Status != "partial" {
		t.Fatalf("got status %q, want partial", report.Status)
	}
	if len(report.Batch.MissingEndpoints) != 1 {
		t.Errorf("got %d missing endpoints, want 1", len(report.Batch.MissingEndpoints))
	}
}

func TestConfigAllows(t *testing.T) {
	c := Config{
		Include: map[string][]string{"bucket": {"prod-*"}},
		Exclude: map[string][]string{"bucket": {"prod-scratch"}, "host": {"*-canary"}},
	}
	tt := []struct {
		kind, name string
		want       bool
	}{
		{"bucket", "prod-data", true},
		{"bucket", "staging-data", false},
		{"bucket", "prod-scratch", false},
		{"host", "web-1", true},
		{"host", "web-canary", false},
	}
	for _, tc := range tt {
		if got := c.Allows(tc.kind, tc.name); got != tc.want {
			t.Errorf("Allows(%q, %q) = %v, want %v", tc.kind, tc.name, got, tc.want)
		}
	}
}

func TestConfigParallelism(t *testing.T) {
	for _, tc := range []struct {
		in   int
		want int
	}{{0, 4}, {8, 8}, {-3, 1}} {
		c := Config{MaxParallelism: tc.in}
		if got := c.Parallelism(); got != tc.want {
			t.Errorf("Parallelism() with %d = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var r Retry
	if err := json.Unmarshal([]byte(`{"max_attempts":3,"base_delay":"250ms","cap_delay":"10s"}`), &r); err != nil {
		t.Fatal(err)
	}
	if time.Duration(r.BaseDelay) != 250*time.Millisecond {
		t.Errorf("base_delay = %v", time.Duration(r.BaseDelay))
	}
	if time.Duration(r.CapDelay) != 10*time.Second {
		t.Errorf("cap_delay = %v", time.Duration(r.CapDelay))
	}
}
