package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Finding is a misconfiguration or audit result attached to another node.
type Finding struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity"`
	// RuleID names the check that produced the finding.
	RuleID string `json:"rule_id"`
	// SubjectID is the node the finding is about.
	SubjectID string `json:"subject_id"`
	Seen
}

var _ Node = (*Finding)(nil)

func (f *Finding) Tenant() uuid.UUID { return f.TenantID }
func (f *Finding) Label() string     { return LabelFinding }

func (f *Finding) NaturalKey() string {
	return f.RuleID + "/" + f.SubjectID
}

func (f *Finding) ID() string { return Fingerprint(LabelFinding, f.NaturalKey()) }

func (f *Finding) Properties() map[string]any {
	m := map[string]any{
		"title":    f.Title,
		"severity": f.Severity.String(),
		"rule_id":  f.RuleID,
	}
	optString(m, "description", f.Description)
	return m
}

// ConfigSnapshot captures a point-in-time configuration document for an
// asset, used by the configuration auditors.
type ConfigSnapshot struct {
	TenantID uuid.UUID `json:"tenant_id"`
	// SubjectID is the node the snapshot describes.
	SubjectID string `json:"subject_id"`
	// Source names the collector that took the snapshot.
	Source     string    `json:"source"`
	Document   string    `json:"document"`
	CapturedAt time.Time `json:"captured_at"`
	Seen
}

var _ Node = (*ConfigSnapshot)(nil)

func (c *ConfigSnapshot) Tenant() uuid.UUID { return c.TenantID }
func (c *ConfigSnapshot) Label() string     { return LabelConfigSnapshot }

func (c *ConfigSnapshot) NaturalKey() string {
	return c.Source + "/" + c.SubjectID + "/" + c.CapturedAt.UTC().Format(time.RFC3339)
}

func (c *ConfigSnapshot) ID() string {
	return Fingerprint(LabelConfigSnapshot, c.NaturalKey())
}

func (c *ConfigSnapshot) Properties() map[string]any {
	return map[string]any{
		"source":      c.Source,
		"document":    c.Document,
		"captured_at": c.CapturedAt.UTC().Format(time.RFC3339),
	}
}
