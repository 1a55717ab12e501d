package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every domain event emitted by the core. Events
// are partitioned by tenant on the bus; per-(tenant, topic) order is
// preserved, nothing more.
type Event struct {
	ID        uuid.UUID    `json:"id"`
	TenantID  uuid.UUID    `json:"tenant_id"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// NewEvent wraps a payload in an envelope. The timestamp is explicit so
// event production stays deterministic under test.
func NewEvent(tenant uuid.UUID, now time.Time, p EventPayload) Event {
	return Event{
		ID:        uuid.New(),
		TenantID:  tenant,
		Timestamp: now,
		Payload:   p,
	}
}

// EventPayload is implemented by every event kind the core produces.
type EventPayload interface {
	// Topic reports the bus topic the payload is published to.
	Topic() string
}

// NodeDiscovered is emitted when a node is created.
type NodeDiscovered struct {
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Label    string `json:"label"`
}

func (NodeDiscovered) Topic() string { return "graph.node_discovered" }

// NodeUpdated is emitted when an existing node's properties change.
type NodeUpdated struct {
	NodeID        string   `json:"node_id"`
	ChangedFields []string `json:"changed_fields"`
}

func (NodeUpdated) Topic() string { return "graph.node_updated" }

// NodeStale is emitted when the staleness sweep marks a node.
type NodeStale struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}

func (NodeStale) Topic() string { return "graph.node_stale" }

// EdgeDiscovered is emitted when an edge is created.
type EdgeDiscovered struct {
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	EdgeType EdgeKind `json:"edge_type"`
}

func (EdgeDiscovered) Topic() string { return "graph.edge_discovered" }

// VulnerabilityFound is emitted once per net-new (service, CVE) pairing.
type VulnerabilityFound struct {
	NodeID      string   `json:"node_id"`
	CveID       string   `json:"cve_id"`
	CvssScore   *float64 `json:"cvss_score,omitempty"`
	Exploitable bool     `json:"exploitable"`
}

func (VulnerabilityFound) Topic() string { return "vuln.found" }

// ScanStarted is emitted when a connector run begins.
type ScanStarted struct {
	ScanID   uuid.UUID `json:"scan_id"`
	ScanType string    `json:"scan_type"`
	Target   string    `json:"target"`
}

func (ScanStarted) Topic() string { return "scan.started" }

// ScanCompleted is emitted when a connector run reaches a terminal state.
type ScanCompleted struct {
	ScanID       uuid.UUID `json:"scan_id"`
	NodesFound   int       `json:"nodes_found"`
	NodesUpdated int       `json:"nodes_updated"`
	NodesStale   int       `json:"nodes_stale"`
	DurationMS   int64     `json:"duration_ms"`
}

func (ScanCompleted) Topic() string { return "scan.completed" }

// EngramRecorded is emitted when an engram session is committed to the
// object store.
type EngramRecorded struct {
	SessionID   uuid.UUID `json:"session_id"`
	AgentType   string    `json:"agent_type"`
	Intent      string    `json:"intent"`
	ActionCount int       `json:"action_count"`
}

func (EngramRecorded) Topic() string { return "engram.recorded" }

// SessionDropped is emitted when an engram session overflows its in-memory
// buffer while the object store is unavailable.
type SessionDropped struct {
	SessionID uuid.UUID `json:"session_id"`
	AgentType string    `json:"agent_type"`
	Buffered  int       `json:"buffered"`
}

func (SessionDropped) Topic() string { return "engram.session_dropped" }
