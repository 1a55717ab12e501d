package sentinel

import "github.com/google/uuid"

// Policy is a security policy: an IAM policy, firewall rule set, security
// group, conditional-access policy, or network ACL.
type Policy struct {
	TenantID   uuid.UUID  `json:"tenant_id"`
	Name       string     `json:"name"`
	PolicyType PolicyType `json:"policy_type"`
	// Source is where the policy came from, e.g. "aws" or "entra_id".
	Source string `json:"source"`
	// SourceID is the provider's identifier for the policy.
	SourceID string `json:"source_id"`
	// Rules is the opaque rules document, serialized as the provider
	// returned it.
	Rules string `json:"rules,omitempty"`
	Seen
}

var _ Node = (*Policy)(nil)

func (p *Policy) Tenant() uuid.UUID { return p.TenantID }
func (p *Policy) Label() string     { return LabelPolicy }

func (p *Policy) NaturalKey() string {
	return p.Source + "/" + string(p.PolicyType) + "/" + p.SourceID
}

func (p *Policy) ID() string { return Fingerprint(LabelPolicy, p.NaturalKey()) }

func (p *Policy) Properties() map[string]any {
	m := map[string]any{
		"name":        p.Name,
		"policy_type": string(p.PolicyType),
		"source":      p.Source,
	}
	optString(m, "rules", p.Rules)
	return m
}
