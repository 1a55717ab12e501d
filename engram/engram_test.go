package engram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
)

func testClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestSessionRoundtrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tenant := uuid.New()

	s := Open(ctx, store, tenant, "connector/aws", "discover", map[string]string{"region": "us-east-1"})
	s.Now = testClock()
	s.RecordDecision(ctx, Decision{
		Description: "choose region order",
		Alternatives: []Alternative{
			{Option: "alphabetical", RejectedBecause: "ignores configured priority"},
		},
		Chosen:     "configured order",
		Rationale:  "matches operator expectation",
		Confidence: 0.9,
	})
	s.RecordAction(ctx, Action{Kind: "list_instances", Target: "us-east-1", Outcome: "ok", Counts: map[string]int{"hosts": 12}})
	s.RecordDeadEnd(ctx, DeadEnd{Description: "us-west-1 listing", Evidence: "AccessDenied"})

	address, err := s.Close(ctx, OutcomeSuccess, "12 hosts discovered")
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, tenant, address)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != address {
		t.Errorf("stored hash %q, address %q", got.ContentHash, address)
	}
	if got.Outcome != OutcomeSuccess || got.Summary != "12 hosts discovered" {
		t.Errorf("unexpected close metadata: %+v", got)
	}
	if len(got.Decisions) != 1 || len(got.Actions) != 1 || len(got.DeadEnds) != 1 {
		t.Errorf("unexpected record counts: %+v", got)
	}

	entries, err := store.List(ctx, tenant, Query{AgentID: "connector/aws"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d index entries, want 1", len(entries))
	}
	want := IndexEntry{
		Address:     address,
		TenantID:    tenant,
		SessionID:   s.SessionID(),
		AgentID:     "connector/aws",
		Intent:      "discover",
		Outcome:     OutcomeSuccess,
		StartedAt:   entries[0].StartedAt,
		ClosedAt:    entries[0].ClosedAt,
		ActionCount: 1,
	}
	if !cmp.Equal(entries[0], want) {
		t.Error(cmp.Diff(entries[0], want))
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	e := &Engram{
		SessionID: uuid.New(),
		TenantID:  uuid.New(),
		AgentID:   "connector/okta",
		Intent:    "discover",
		Outcome:   OutcomeSuccess,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ClosedAt:  time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
	}
	a1, err := store.Put(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := store.Put(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Errorf("addresses differ: %q, %q", a1, a2)
	}
}

func TestTamperDetected(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(b []byte) []byte
	}{
		{
			// Corruption that breaks the JSON outright.
			name: "BitFlip",
			tamper: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[len(out)/2] ^= 0x20
				return out
			},
		},
		{
			// Corruption the decoder tolerates: a case-flipped key still
			// unmarshals cleanly, so only hashing the stored bytes catches it.
			name: "KeyCaseFlip",
			tamper: func(b []byte) []byte {
				return bytes.Replace(b, []byte(`"dead_ends"`), []byte(`"dead_Ends"`), 1)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := zlog.Test(context.Background(), t)
			store, err := NewFS(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()
			tenant := uuid.New()
			e := &Engram{
				SessionID: uuid.New(),
				TenantID:  tenant,
				AgentID:   "connector/azure",
				Intent:    "discover",
				Outcome:   OutcomeFailed,
				StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				ClosedAt:  time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
			}
			address, err := store.Put(ctx, e)
			if err != nil {
				t.Fatal(err)
			}

			p := store.objectPath(tenant, address)
			b, err := os.ReadFile(p)
			if err != nil {
				t.Fatal(err)
			}
			tampered := tc.tamper(b)
			if bytes.Equal(tampered, b) {
				t.Fatal("tamper func changed nothing")
			}
			if err := os.WriteFile(p, tampered, 0o644); err != nil {
				t.Fatal(err)
			}

			if _, err := store.Get(ctx, tenant, address); !errors.Is(err, sentinel.ErrEngramUnavailable) {
				t.Errorf("got %v, want %v", err, sentinel.ErrEngramUnavailable)
			}
			r, err := store.Verify(ctx, tenant)
			if err != nil {
				t.Fatal(err)
			}
			if r.Checked != 1 || len(r.Corrupt) != 1 || r.Corrupt[0] != address {
				t.Errorf("unexpected verify report: %+v", r)
			}
		})
	}
}

func TestSessionOverflowDrops(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tenant := uuid.New()

	var events []sentinel.Event
	s := Open(ctx, store, tenant, "connector/gcp", "discover", nil)
	s.Now = testClock()
	s.Notify = func(_ context.Context, ev sentinel.Event) { events = append(events, ev) }

	for i := 0; i < MaxRecords+10; i++ {
		s.RecordAction(ctx, Action{Kind: "list", Target: fmt.Sprintf("zone-%d", i), Outcome: "ok"})
	}

	if _, err := s.Close(ctx, OutcomeSuccess, ""); !errors.Is(err, sentinel.ErrEngramUnavailable) {
		t.Errorf("got %v, want %v", err, sentinel.ErrEngramUnavailable)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	d, ok := events[0].Payload.(sentinel.SessionDropped)
	if !ok {
		t.Fatalf("got %T, want SessionDropped", events[0].Payload)
	}
	if d.Buffered != MaxRecords {
		t.Errorf("got %d buffered, want %d", d.Buffered, MaxRecords)
	}
	entries, err := store.List(ctx, tenant, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dropped session was stored: %+v", entries)
	}
}
