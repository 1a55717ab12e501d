package epss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"
)

func TestScores(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cves := strings.Split(r.URL.Query().Get("cve"), ",")
		fmt.Fprint(w, `{"data":[`)
		for i, cve := range cves {
			if i != 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"cve":%q,"epss":"0.42"}`, cve)
		}
		fmt.Fprint(w, `]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	got, err := c.Scores(ctx, []string{"CVE-2021-44228", "CVE-2021-23017"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["CVE-2021-44228"] != 0.42 {
		t.Fatalf("bad scores: %v", got)
	}
}

func TestScoresChunked(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var mu sync.Mutex
	var batches []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cves := strings.Split(r.URL.Query().Get("cve"), ",")
		mu.Lock()
		batches = append(batches, len(cves))
		mu.Unlock()
		fmt.Fprintf(w, `{"data":[{"cve":%q,"epss":"0.01"}]}`, cves[0])
	}))
	defer srv.Close()

	cves := make([]string, batchSize+5)
	for i := range cves {
		cves[i] = fmt.Sprintf("CVE-2024-%04d", i)
	}
	c := NewClient(srv.Client(), WithURL(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	got, err := c.Scores(ctx, cves)
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2: %v", len(batches), batches)
	}
	if batches[0]+batches[1] != len(cves) {
		t.Errorf("batches %v do not cover %d CVEs", batches, len(cves))
	}
	if len(got) != 2 {
		t.Errorf("got %d scores, want 2 (one per batch)", len(got))
	}
}

func TestScoresDropInvalid(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"cve":"CVE-2024-0001","epss":"1.5"},
			{"cve":"CVE-2024-0002","epss":"oops"},
			{"cve":"CVE-2024-0003","epss":"0.97"}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	got, err := c.Scores(ctx, []string{"CVE-2024-0001", "CVE-2024-0002", "CVE-2024-0003"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["CVE-2024-0003"] != 0.97 {
		t.Fatalf("bad scores: %v", got)
	}
}

func TestScoresEmpty(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	c := NewClient(nil)
	got, err := c.Scores(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty map, got %v", got)
	}
}

func TestScoresServerError(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	if _, err := c.Scores(ctx, []string{"CVE-2024-0001"}); err == nil {
		t.Fatal("want error")
	}
}
