package sentinel

import (
	"strconv"

	"github.com/google/uuid"
)

// Service is a running network service, e.g. a daemon bound to a port or a
// managed database.
type Service struct {
	TenantID uuid.UUID    `json:"tenant_id"`
	Name     string       `json:"name"`
	Version  string       `json:"version,omitempty"`
	Port     int          `json:"port"`
	Protocol Protocol     `json:"protocol"`
	State    ServiceState `json:"state"`
	Banner   string       `json:"banner,omitempty"`
	// HostKey is the natural key of the host the service runs on, when
	// known. It participates in the natural key so the same software on two
	// hosts yields two nodes.
	HostKey string `json:"host_key,omitempty"`
	Seen
}

var _ Node = (*Service)(nil)

func (s *Service) Tenant() uuid.UUID { return s.TenantID }
func (s *Service) Label() string     { return LabelService }

func (s *Service) NaturalKey() string {
	return s.HostKey + "/" + s.Name + "/" + strconv.Itoa(s.Port) + "/" + string(s.Protocol)
}

func (s *Service) ID() string { return Fingerprint(LabelService, s.NaturalKey()) }

func (s *Service) Properties() map[string]any {
	m := map[string]any{
		"name":     s.Name,
		"port":     s.Port,
		"protocol": string(s.Protocol),
		"state":    string(s.State),
	}
	optString(m, "version", s.Version)
	optString(m, "banner", s.Banner)
	return m
}

// Port is an open port observed on a host.
type Port struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Number   int       `json:"number"`
	Protocol Protocol  `json:"protocol"`
	State    PortState `json:"state"`
	// HostKey is the natural key of the owning host.
	HostKey string `json:"host_key"`
	Seen
}

var _ Node = (*Port)(nil)

func (p *Port) Tenant() uuid.UUID { return p.TenantID }
func (p *Port) Label() string     { return LabelPort }

func (p *Port) NaturalKey() string {
	return p.HostKey + "/" + strconv.Itoa(p.Number) + "/" + string(p.Protocol)
}

func (p *Port) ID() string { return Fingerprint(LabelPort, p.NaturalKey()) }

func (p *Port) Properties() map[string]any {
	return map[string]any{
		"number":   p.Number,
		"protocol": string(p.Protocol),
		"state":    string(p.State),
	}
}
