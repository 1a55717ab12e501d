// Package datastore defines the storage interfaces for the asset graph and
// the orchestrator's relational state.
//
// Implementations are the sole path to their backends; no other component
// issues raw queries. Every operation is scoped to a single tenant, and
// implementations enforce the scoping structurally rather than trusting
// callers to filter.
package datastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel"
)

// NodeRecord is a stored node, label-generic.
type NodeRecord struct {
	TenantID   uuid.UUID      `json:"tenant_id"`
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	NaturalKey string         `json:"natural_key"`
	Properties map[string]any `json:"properties"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Stale      bool           `json:"stale"`
}

// UpsertResult reports what a single upsert did.
type UpsertResult struct {
	ID      string
	Created bool
	// Changed lists the property names whose values differ from the stored
	// node. Empty for creates and no-op updates.
	Changed []string
}

// Batch is one connector result applied atomically.
type Batch struct {
	Nodes []sentinel.Node
	Edges []sentinel.Edge
}

// BatchReport summarizes an applied batch.
type BatchReport struct {
	NodesCreated int
	NodesUpdated int
	EdgesCreated int
	EdgesUpdated int
	// MissingEndpoints lists the keys of edges dropped because an endpoint
	// did not exist in the tenant when the batch was applied.
	MissingEndpoints []string
}

// Page bounds a listing.
type Page struct {
	Offset int
	Limit  int
}

// Direction selects edge orientation for neighbor queries.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// GraphStore is the property-graph adapter.
type GraphStore interface {
	// UpsertNode inserts or refreshes one node. A new node gets
	// first_seen = last_seen = now; an existing one keeps first_seen, takes
	// last_seen = max(stored, now), and has its non-identity properties
	// replaced.
	UpsertNode(ctx context.Context, tenant uuid.UUID, n sentinel.Node, now time.Time) (UpsertResult, error)
	// UpsertEdge inserts or refreshes one edge. Both endpoints must exist
	// in the tenant or the call fails with the endpoint-missing kind.
	UpsertEdge(ctx context.Context, tenant uuid.UUID, e sentinel.Edge, now time.Time) (UpsertResult, error)
	// ApplyBatch applies nodes then edges in one transaction. Nodes are
	// applied in a stable order; edges whose endpoints are missing inside
	// the transaction are dropped and reported, not fatal.
	ApplyBatch(ctx context.Context, tenant uuid.UUID, b Batch, now time.Time) (*BatchReport, error)
	// GetNode reports one node by id.
	GetNode(ctx context.Context, tenant uuid.UUID, id string) (*NodeRecord, error)
	// ListNodes pages nodes of one label. Filter keys are property names
	// AND-composed with the tenant scope; a filter naming tenant_id is
	// rejected.
	ListNodes(ctx context.Context, tenant uuid.UUID, label string, filter map[string]any, p Page) ([]NodeRecord, error)
	// Neighbors reports nodes adjacent to the given node.
	Neighbors(ctx context.Context, tenant uuid.UUID, nodeID string, dir Direction, kinds []sentinel.EdgeKind) ([]NodeRecord, error)
	// ListEdges pages edges of one kind; an empty kind matches all.
	ListEdges(ctx context.Context, tenant uuid.UUID, kind sentinel.EdgeKind, p Page) ([]sentinel.Edge, error)
	// Search queries one of the pre-declared full-text indexes.
	Search(ctx context.Context, tenant uuid.UUID, index, q string, limit int) ([]NodeRecord, error)
	// Stats reports node counts per label.
	Stats(ctx context.Context, tenant uuid.UUID) (map[string]int64, error)
	// SweepStale marks nodes of the label whose last_seen predates
	// olderThan, reporting only the nodes newly marked; marking is
	// idempotent.
	SweepStale(ctx context.Context, tenant uuid.UUID, label string, olderThan time.Time) ([]NodeRecord, error)
	// SweepStaleEdges drops edges whose last_seen predates olderThan,
	// reporting the dropped edges. A relationship the source stops asserting
	// is removed here rather than marked: a graph query must not traverse
	// an edge nobody has observed inside the staleness window.
	SweepStaleEdges(ctx context.Context, tenant uuid.UUID, olderThan time.Time) ([]sentinel.Edge, error)
}

// SearchIndex declares one full-text index: the label it covers and the
// property fields feeding it.
type SearchIndex struct {
	Label  string
	Fields []string
}

// SearchIndexes are the pre-declared full-text indexes. Search calls naming
// any other index are rejected.
var SearchIndexes = map[string]SearchIndex{
	"host":          {Label: sentinel.LabelHost, Fields: []string{"hostname", "ip", "os"}},
	"user":          {Label: sentinel.LabelUser, Fields: []string{"username", "email", "display_name"}},
	"vulnerability": {Label: sentinel.LabelVulnerability, Fields: []string{"cve_id", "description"}},
}

// Plan is a tenant's subscription tier, which selects staleness defaults.
type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Tenant is one isolated customer environment.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	Plan      Plan
	MaxAssets int
	Settings  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConnectorRecord is a configured connector instance for a tenant.
type ConnectorRecord struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	ConnectorType string
	Name          string
	Config        json.RawMessage
	// CredentialRef names a secret-store entry; credential material itself
	// is never stored.
	CredentialRef  string
	Enabled        bool
	LastSyncAt     *time.Time
	LastSyncStatus ScanStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScanStatus is the lifecycle state of one connector run.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanPartial   ScanStatus = "partial"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ScanStatus) Terminal() bool { return s != ScanRunning && s != "" }

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ConnectorID  uuid.UUID
	ScanType     string
	Target       string
	Status       ScanStatus
	NodesFound   int
	NodesUpdated int
	NodesStale   int
	// EngramSession is the content address of the run's engram, when one
	// was stored.
	EngramSession string
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMS    int64
}

// AuditEntry is one appended audit-log row.
type AuditEntry struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	CreatedAt    time.Time
}

// ScanStore is the relational app-state adapter.
type ScanStore interface {
	// Tenants lists every tenant.
	Tenants(ctx context.Context) ([]Tenant, error)
	// GetTenant reports one tenant.
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	// Connectors lists configured connectors for the tenant; enabledOnly
	// restricts to enabled ones.
	Connectors(ctx context.Context, tenant uuid.UUID, enabledOnly bool) ([]ConnectorRecord, error)
	// RecordScanStart inserts a running scan row.
	RecordScanStart(ctx context.Context, s *ScanRecord) error
	// RecordScanFinish moves the row to a terminal status and updates the
	// connector's last-sync columns.
	RecordScanFinish(ctx context.Context, s *ScanRecord) error
	// ListScans pages scan history for the tenant, newest first.
	ListScans(ctx context.Context, tenant uuid.UUID, p Page) ([]ScanRecord, error)
	// AppendAudit appends one audit row.
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// Store combines the two adapters a deployment provides together.
type Store interface {
	GraphStore
	ScanStore
}

// Publisher receives the domain events stores emit on node create, update,
// and stale transitions. [github.com/sentinelsec/sentinel/event.Bus]
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev sentinel.Event)
}
