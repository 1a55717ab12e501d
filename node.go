package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Node is implemented by every node variant of the property graph.
//
// A node's identity is the pair (tenant, ID). The ID is computed from the
// natural key, never stored, so two discoveries of the same source-native
// resource always name the same node.
type Node interface {
	// Tenant reports the owning tenant.
	Tenant() uuid.UUID
	// ID reports the stable node identifier, derived from the natural key.
	ID() string
	// Label reports the graph label, e.g. "Host".
	Label() string
	// NaturalKey reports the deterministic fingerprint input assembled from
	// source-native identifiers.
	NaturalKey() string
	// Properties reports the non-identity attributes as primitive-typed
	// values, suitable for storage as graph properties.
	Properties() map[string]any
}

// Node labels, as stored in the graph backend.
const (
	LabelHost           = `Host`
	LabelService        = `Service`
	LabelPort           = `Port`
	LabelUser           = `User`
	LabelGroup          = `Group`
	LabelRole           = `Role`
	LabelPolicy         = `Policy`
	LabelSubnet         = `Subnet`
	LabelVpc            = `Vpc`
	LabelVulnerability  = `Vulnerability`
	LabelCertificate    = `Certificate`
	LabelApplication    = `Application`
	LabelMcpServer      = `McpServer`
	LabelFinding        = `Finding`
	LabelConfigSnapshot = `ConfigSnapshot`
)

// Labels enumerates every node label, in the order the staleness sweep
// visits them.
var Labels = []string{
	LabelHost,
	LabelService,
	LabelPort,
	LabelUser,
	LabelGroup,
	LabelRole,
	LabelPolicy,
	LabelSubnet,
	LabelVpc,
	LabelVulnerability,
	LabelCertificate,
	LabelApplication,
	LabelMcpServer,
	LabelFinding,
	LabelConfigSnapshot,
}

// Seen is embedded by node variants to carry observation timestamps.
//
// FirstSeen never moves once set; LastSeen is monotonically non-decreasing.
// Both are maintained by the graph store, not by connectors.
type Seen struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func optString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}
