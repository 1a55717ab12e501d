package sentinel

import "github.com/google/uuid"

// Subnet is a network subnet.
type Subnet struct {
	TenantID      uuid.UUID     `json:"tenant_id"`
	CIDR          string        `json:"cidr"`
	Name          string        `json:"name,omitempty"`
	CloudProvider CloudProvider `json:"cloud_provider,omitempty"`
	// SourceID is the provider's subnet identifier, e.g. "subnet-0abc".
	SourceID string `json:"source_id,omitempty"`
	VpcID    string `json:"vpc_id,omitempty"`
	Region   string `json:"region,omitempty"`
	IsPublic bool   `json:"is_public"`
	Seen
}

var _ Node = (*Subnet)(nil)

func (s *Subnet) Tenant() uuid.UUID { return s.TenantID }
func (s *Subnet) Label() string     { return LabelSubnet }

func (s *Subnet) NaturalKey() string {
	if s.SourceID != "" {
		return string(s.CloudProvider) + "/" + s.SourceID
	}
	return "cidr/" + s.CIDR
}

func (s *Subnet) ID() string { return Fingerprint(LabelSubnet, s.NaturalKey()) }

func (s *Subnet) Properties() map[string]any {
	m := map[string]any{
		"cidr":      s.CIDR,
		"is_public": s.IsPublic,
	}
	optString(m, "name", s.Name)
	optString(m, "cloud_provider", string(s.CloudProvider))
	optString(m, "vpc_id", s.VpcID)
	optString(m, "region", s.Region)
	return m
}

// Vpc is a virtual private cloud or virtual network.
type Vpc struct {
	TenantID      uuid.UUID     `json:"tenant_id"`
	VpcID         string        `json:"vpc_id"`
	Name          string        `json:"name,omitempty"`
	CIDR          string        `json:"cidr,omitempty"`
	CloudProvider CloudProvider `json:"cloud_provider"`
	Region        string        `json:"region"`
	Seen
}

var _ Node = (*Vpc)(nil)

func (v *Vpc) Tenant() uuid.UUID { return v.TenantID }
func (v *Vpc) Label() string     { return LabelVpc }

func (v *Vpc) NaturalKey() string {
	return string(v.CloudProvider) + "/" + v.VpcID
}

func (v *Vpc) ID() string { return Fingerprint(LabelVpc, v.NaturalKey()) }

func (v *Vpc) Properties() map[string]any {
	m := map[string]any{
		"vpc_id":         v.VpcID,
		"cloud_provider": string(v.CloudProvider),
		"region":         v.Region,
	}
	optString(m, "name", v.Name)
	optString(m, "cidr", v.CIDR)
	return m
}
