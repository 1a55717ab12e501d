package driver

import (
	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

// SyncResult is the normalized output of one discovery. It is a pure
// value: no credentials, no client handles.
type SyncResult struct {
	Hosts           []*sentinel.Host
	Services        []*sentinel.Service
	Ports           []*sentinel.Port
	Users           []*sentinel.User
	Groups          []*sentinel.Group
	Roles           []*sentinel.Role
	Policies        []*sentinel.Policy
	Subnets         []*sentinel.Subnet
	Vpcs            []*sentinel.Vpc
	Certificates    []*sentinel.Certificate
	Applications    []*sentinel.Application
	McpServers      []*sentinel.McpServer
	Findings        []*sentinel.Finding
	ConfigSnapshots []*sentinel.ConfigSnapshot
	Edges           []sentinel.Edge

	// SubFailures describes sub-units that failed after exhausting their
	// retry budget. A non-empty list makes the run partial.
	SubFailures []string
}

// Nodes flattens the typed slices into the generic node list, in a stable
// order.
func (r *SyncResult) Nodes() []sentinel.Node {
	var out []sentinel.Node
	for _, n := range r.Hosts {
		out = append(out, n)
	}
	for _, n := range r.Services {
		out = append(out, n)
	}
	for _, n := range r.Ports {
		out = append(out, n)
	}
	for _, n := range r.Users {
		out = append(out, n)
	}
	for _, n := range r.Groups {
		out = append(out, n)
	}
	for _, n := range r.Roles {
		out = append(out, n)
	}
	for _, n := range r.Policies {
		out = append(out, n)
	}
	for _, n := range r.Subnets {
		out = append(out, n)
	}
	for _, n := range r.Vpcs {
		out = append(out, n)
	}
	for _, n := range r.Certificates {
		out = append(out, n)
	}
	for _, n := range r.Applications {
		out = append(out, n)
	}
	for _, n := range r.McpServers {
		out = append(out, n)
	}
	for _, n := range r.Findings {
		out = append(out, n)
	}
	for _, n := range r.ConfigSnapshots {
		out = append(out, n)
	}
	return out
}

// Len reports the total number of nodes and edges.
func (r *SyncResult) Len() int {
	return len(r.Nodes()) + len(r.Edges)
}

// Batch reports the result as a store batch.
func (r *SyncResult) Batch() datastore.Batch {
	return datastore.Batch{Nodes: r.Nodes(), Edges: r.Edges}
}

// Merge appends other's contents into r.
func (r *SyncResult) Merge(other *SyncResult) {
	if other == nil {
		return
	}
	r.Hosts = append(r.Hosts, other.Hosts...)
	r.Services = append(r.Services, other.Services...)
	r.Ports = append(r.Ports, other.Ports...)
	r.Users = append(r.Users, other.Users...)
	r.Groups = append(r.Groups, other.Groups...)
	r.Roles = append(r.Roles, other.Roles...)
	r.Policies = append(r.Policies, other.Policies...)
	r.Subnets = append(r.Subnets, other.Subnets...)
	r.Vpcs = append(r.Vpcs, other.Vpcs...)
	r.Certificates = append(r.Certificates, other.Certificates...)
	r.Applications = append(r.Applications, other.Applications...)
	r.McpServers = append(r.McpServers, other.McpServers...)
	r.Findings = append(r.Findings, other.Findings...)
	r.ConfigSnapshots = append(r.ConfigSnapshots, other.ConfigSnapshots...)
	r.Edges = append(r.Edges, other.Edges...)
	r.SubFailures = append(r.SubFailures, other.SubFailures...)
}
