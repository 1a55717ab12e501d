package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// EdgeKind is the type of relationship between two nodes.
type EdgeKind string

const (
	EdgeConnectsTo      EdgeKind = "CONNECTS_TO"
	EdgeHasAccess       EdgeKind = "HAS_ACCESS"
	EdgeMemberOf        EdgeKind = "MEMBER_OF"
	EdgeRunsOn          EdgeKind = "RUNS_ON"
	EdgeTrusts          EdgeKind = "TRUSTS"
	EdgeRoutesTo        EdgeKind = "ROUTES_TO"
	EdgeExposes         EdgeKind = "EXPOSES"
	EdgeDependsOn       EdgeKind = "DEPENDS_ON"
	EdgeCanReach        EdgeKind = "CAN_REACH"
	EdgeHasCve          EdgeKind = "HAS_CVE"
	EdgeHasPort         EdgeKind = "HAS_PORT"
	EdgeHasCertificate  EdgeKind = "HAS_CERTIFICATE"
	EdgeBelongsToSubnet EdgeKind = "BELONGS_TO_SUBNET"
	EdgeBelongsToVpc    EdgeKind = "BELONGS_TO_VPC"
	EdgeHasFinding      EdgeKind = "HAS_FINDING"
)

// EdgeProperties are the attributes attached to an edge.
type EdgeProperties struct {
	Protocol            Protocol       `json:"protocol,omitempty"`
	Port                *int           `json:"port,omitempty"`
	Encrypted           *bool          `json:"encrypted,omitempty"`
	Permissions         []string       `json:"permissions,omitempty"`
	ExploitabilityScore *float64       `json:"exploitability_score,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

// Edge is a relationship between two nodes of the same tenant.
//
// Edge identity is (tenant, kind, source, target); upserting the same edge
// again only advances LastSeen.
type Edge struct {
	TenantID   uuid.UUID      `json:"tenant_id"`
	Kind       EdgeKind       `json:"kind"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties EdgeProperties `json:"properties"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// Key reports the identity tuple of the edge within its tenant.
func (e *Edge) Key() string {
	return string(e.Kind) + "/" + e.SourceID + "/" + e.TargetID
}
