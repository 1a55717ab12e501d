package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

const project = "acme-prod"

func gcpServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/projects/"+project+"/global/networks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"name":"default","IPv4Range":"10.128.0.0/9"}]}`)
	})
	mux.HandleFunc("/projects/"+project+"/regions/us-central1/subnetworks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"items":[{"name":"default","ipCidrRange":"10.128.0.0/20","network":"%[1]s/projects/%[2]s/global/networks/default","selfLink":"%[1]s/projects/%[2]s/regions/us-central1/subnetworks/default"}]}`, srvURL, project)
	})
	mux.HandleFunc("/projects/"+project+"/aggregated/instances", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"items":{"zones/us-central1-a":{"instances":[{"id":"12345","name":"web-1","zone":"%[1]s/projects/%[2]s/zones/us-central1-a","labels":{"env":"prod"},"networkInterfaces":[{"networkIP":"10.128.0.7","subnetwork":"%[1]s/projects/%[2]s/regions/us-central1/subnetworks/default"}]}]}}}`, srvURL, project)
	})
	mux.HandleFunc("/projects/"+project+"/global/firewalls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"name":"allow-https","allowed":[{"IPProtocol":"tcp","ports":["443"]}],"sourceRanges":["0.0.0.0/0"]}]}`)
	})
	mux.HandleFunc("/v1/projects/"+project+"/instances", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"name":"orders-db","databaseVersion":"POSTGRES_16","state":"RUNNABLE"}]}`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"name":"acme-prod-data"}]}`)
	})
	mux.HandleFunc("/v1/projects/"+project+"/locations/-/functions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"functions":[{"name":"projects/%s/locations/us-central1/functions/resize-images"}]}`, project)
	})
	srv := httptest.NewServer(mux)
	srvURL = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func configure(t *testing.T, srv *httptest.Server) driver.Connector {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	c := NewConnector("test")
	cfg := map[string]any{
		"project_id": project,
		"endpoint":   srv.URL,
		"regions":    []string{"us-central1"},
	}
	unmarshal := func(v any) error {
		b, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, v)
	}
	err := c.Configure(ctx, unmarshal, srv.Client(), &secrets.Env{Prefix: "TEST_UNUSED_"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDiscover(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := gcpServer(t)
	c := configure(t, srv)
	rc := &driver.RunContext{TenantID: uuid.New()}

	if err := c.HealthCheck(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := c.Discover(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.SubFailures) != 0 {
		t.Fatalf("unexpected sub-failures: %v", result.SubFailures)
	}
	if got := len(result.Hosts); got != 1 {
		t.Fatalf("got %d hosts, want 1", got)
	}
	h := result.Hosts[0]
	if h.CloudInstanceID != "12345" || h.IP != "10.128.0.7" || h.CloudRegion != "us-central1" {
		t.Errorf("bad host: %+v", h)
	}
	if len(result.Vpcs) != 1 || len(result.Subnets) != 1 {
		t.Errorf("got %d networks and %d subnets, want 1 each", len(result.Vpcs), len(result.Subnets))
	}
	if len(result.Policies) != 1 || result.Policies[0].PolicyType != sentinel.PolicyFirewallRule {
		t.Errorf("bad policies: %+v", result.Policies)
	}
	if len(result.Services) != 1 || result.Services[0].Port != 5432 {
		t.Errorf("bad services: %+v", result.Services)
	}
	if len(result.Applications) != 2 {
		t.Errorf("got %d applications, want 2 (bucket + function)", len(result.Applications))
	}
	want := map[sentinel.EdgeKind]int{
		sentinel.EdgeBelongsToVpc:    2, // subnet and host
		sentinel.EdgeBelongsToSubnet: 1,
	}
	got := map[sentinel.EdgeKind]int{}
	for _, e := range result.Edges {
		got[e.Kind]++
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("edge kind %s: got %d, want %d", k, got[k], n)
		}
	}
}

func TestZoneRegion(t *testing.T) {
	for in, want := range map[string]string{
		"us-central1-a":  "us-central1",
		"europe-west4-b": "europe-west4",
		"weird":          "weird",
	} {
		if got := zoneRegion(in); got != want {
			t.Errorf("zoneRegion(%q) = %q, want %q", in, got, want)
		}
	}
}
