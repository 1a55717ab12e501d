package kev

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quay/zlog"
)

const feed = `{"vulnerabilities":[
	{"cveID":"CVE-2021-44228","dateAdded":"2021-12-10"},
	{"cveID":"CVE-2023-0001","dateAdded":"not-a-date"}
]}`

func TestInCatalog(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	in, added, err := c.InCatalog(ctx, "CVE-2021-44228")
	if err != nil {
		t.Fatal(err)
	}
	if !in {
		t.Fatal("want membership")
	}
	if want := time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC); !added.Equal(want) {
		t.Errorf("got added %v, want %v", added, want)
	}

	// Malformed date still counts for membership.
	in, added, err = c.InCatalog(ctx, "CVE-2023-0001")
	if err != nil {
		t.Fatal(err)
	}
	if !in || !added.IsZero() {
		t.Errorf("got in=%v added=%v, want membership with zero time", in, added)
	}

	if in, _, _ := c.InCatalog(ctx, "CVE-9999-0000"); in {
		t.Error("unexpected membership")
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1 (cache hit)", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	now := time.Now()
	c := NewClient(srv.Client(), WithURL(srv.URL), WithTTL(time.Hour),
		WithClock(func() time.Time { return now }))
	if _, _, err := c.InCatalog(ctx, "CVE-2021-44228"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	if _, _, err := c.InCatalog(ctx, "CVE-2021-44228"); err != nil {
		t.Fatal(err)
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("got %d fetches before expiry, want 1", got)
	}
	now = now.Add(31 * time.Minute)
	if _, _, err := c.InCatalog(ctx, "CVE-2021-44228"); err != nil {
		t.Fatal(err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("got %d fetches after expiry, want 2", got)
	}
}

func TestLookupsServeDuringRefresh(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var fetches atomic.Int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) > 1 {
			<-block
		}
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()
	defer close(block)

	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	var clock atomic.Value
	clock.Store(t0)
	c := NewClient(srv.Client(), WithURL(srv.URL), WithTTL(time.Hour),
		WithClock(func() time.Time { return clock.Load().(time.Time) }))

	if in, _, err := c.InCatalog(ctx, "CVE-2021-44228"); err != nil || !in {
		t.Fatalf("got in=%v err=%v, want cached membership", in, err)
	}

	// Expire the cache and park a refresh inside its fetch.
	clock.Store(t0.Add(2 * time.Hour))
	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(ctx) }()
	for fetches.Load() < 2 {
		time.Sleep(time.Millisecond)
	}

	// With the fetch in flight, a reader whose copy is inside the TTL must
	// be served from memory, not queued behind the network.
	clock.Store(t0)
	done := make(chan bool, 1)
	go func() {
		in, _, err := c.InCatalog(ctx, "CVE-2021-44228")
		done <- in && err == nil
	}()
	select {
	case ok := <-done:
		if !ok {
			t.Error("cached membership lost during refresh")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lookup blocked behind the in-flight refresh")
	}

	block <- struct{}{}
	if err := <-refreshed; err != nil {
		t.Fatal(err)
	}
}

func TestFetchFailure(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	if _, _, err := c.InCatalog(ctx, "CVE-2021-44228"); err == nil {
		t.Fatal("want error on fetch failure")
	}
}
