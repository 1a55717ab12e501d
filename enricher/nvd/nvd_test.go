package nvd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/internal/httputil"
)

const record = `{"cve":{"id":"CVE-2021-23017","published":"2021-06-01T13:15:07.803","descriptions":[{"lang":"es","value":"es"},{"lang":"en","value":"Off-by-one in nginx resolver."}],"metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":7.7,"vectorString":"CVSS:3.1/AV:N/AC:H/PR:N/UI:N/S:U/C:H/I:N/A:H"}}]}}}`

func TestByCVE(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cveId"); got != "CVE-2021-23017" {
			t.Errorf("bad cveId: %q", got)
		}
		fmt.Fprintf(w, `{"totalResults":1,"vulnerabilities":[%s]}`, record)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	cve, err := c.ByCVE(ctx, "CVE-2021-23017")
	if err != nil {
		t.Fatal(err)
	}
	if cve == nil {
		t.Fatal("got nil CVE")
	}
	if cve.ID != "CVE-2021-23017" {
		t.Errorf("bad id: %q", cve.ID)
	}
	if cve.Description != "Off-by-one in nginx resolver." {
		t.Errorf("bad description: %q", cve.Description)
	}
	if cve.CvssScore == nil || *cve.CvssScore != 7.7 {
		t.Errorf("bad score: %v", cve.CvssScore)
	}
	if cve.CvssVector == "" {
		t.Error("missing vector")
	}
	if cve.Published == nil || cve.Published.Year() != 2021 {
		t.Errorf("bad published: %v", cve.Published)
	}
}

func TestByCVEMissing(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalResults":0,"vulnerabilities":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	cve, err := c.ByCVE(ctx, "CVE-9999-0000")
	if err != nil {
		t.Fatal(err)
	}
	if cve != nil {
		t.Fatalf("want nil, got %+v", cve)
	}
}

func TestByCPEPaged(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("cpeName"); got != "cpe:2.3:a:f5:nginx:1.18.0:*:*:*:*:*:*:*" {
			t.Errorf("bad cpeName: %q", got)
		}
		switch q.Get("startIndex") {
		case "0":
			fmt.Fprintf(w, `{"totalResults":2,"startIndex":0,"resultsPerPage":1,"vulnerabilities":[%s]}`, record)
		case "1":
			fmt.Fprint(w, `{"totalResults":2,"startIndex":1,"resultsPerPage":1,"vulnerabilities":[{"cve":{"id":"CVE-2020-12345"}}]}`)
		default:
			t.Errorf("unexpected startIndex %q", q.Get("startIndex"))
			http.Error(w, "bad page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	cves, err := c.ByCPE(ctx, "cpe:2.3:a:f5:nginx:1.18.0:*:*:*:*:*:*:*", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(cves) != 2 {
		t.Fatalf("got %d CVEs, want 2", len(cves))
	}
	if cves[1].ID != "CVE-2020-12345" {
		t.Errorf("bad second page: %+v", cves[1])
	}
	if cves[1].CvssScore != nil {
		t.Error("score should be absent when the record carries no metrics")
	}
}

func TestRetryAfterHonored(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `{"totalResults":1,"vulnerabilities":[%s]}`, record)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	c.retry = httputil.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, CapDelay: time.Millisecond}
	cve, err := c.ByCVE(ctx, "CVE-2021-23017")
	if err != nil {
		t.Fatal(err)
	}
	if cve == nil || cve.ID != "CVE-2021-23017" {
		t.Fatalf("bad CVE after retry: %+v", cve)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("got %d calls, want 2", got)
	}
}

func TestKeyedRegime(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("apiKey"); got != "hunter2" {
			t.Errorf("bad apiKey header: %q", got)
		}
		fmt.Fprint(w, `{"totalResults":0,"vulnerabilities":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL), WithAPIKey("hunter2"))
	if got := c.limiter.Burst(); got != keyedQuota {
		t.Errorf("got burst %d, want %d", got, keyedQuota)
	}
	if _, err := c.ByCVE(ctx, "CVE-9999-0000"); err != nil {
		t.Fatal(err)
	}

	keyless := NewClient(srv.Client(), WithURL(srv.URL))
	if got := keyless.limiter.Burst(); got != keylessQuota {
		t.Errorf("got burst %d, want %d", got, keylessQuota)
	}
}

func TestServerError(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), WithURL(srv.URL))
	if _, err := c.ByCVE(ctx, "CVE-2021-23017"); !errors.Is(err, sentinel.ErrCredential) {
		t.Fatalf("want credential error, got %v", err)
	}
}
