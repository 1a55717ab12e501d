package sentinel

import "github.com/google/uuid"

// Host is a network host: a physical server, VM, container host, or cloud
// instance.
type Host struct {
	TenantID        uuid.UUID     `json:"tenant_id"`
	IP              string        `json:"ip"`
	Hostname        string        `json:"hostname,omitempty"`
	OS              string        `json:"os,omitempty"`
	OSVersion       string        `json:"os_version,omitempty"`
	MacAddress      string        `json:"mac_address,omitempty"`
	CloudProvider   CloudProvider `json:"cloud_provider,omitempty"`
	CloudInstanceID string        `json:"cloud_instance_id,omitempty"`
	CloudRegion     string        `json:"cloud_region,omitempty"`
	Criticality     Criticality   `json:"criticality"`
	Tags            []string      `json:"tags,omitempty"`
	Seen
}

var _ Node = (*Host)(nil)

func (h *Host) Tenant() uuid.UUID { return h.TenantID }
func (h *Host) Label() string     { return LabelHost }

// NaturalKey prefers the cloud instance coordinates when present; hosts
// found by network scan fall back to the IP.
func (h *Host) NaturalKey() string {
	if h.CloudInstanceID != "" {
		return string(h.CloudProvider) + "/" + h.CloudInstanceID
	}
	return "ip/" + h.IP
}

func (h *Host) ID() string { return Fingerprint(LabelHost, h.NaturalKey()) }

func (h *Host) Properties() map[string]any {
	m := map[string]any{
		"ip":          h.IP,
		"criticality": h.Criticality.String(),
	}
	optString(m, "hostname", h.Hostname)
	optString(m, "os", h.OS)
	optString(m, "os_version", h.OSVersion)
	optString(m, "mac_address", h.MacAddress)
	optString(m, "cloud_provider", string(h.CloudProvider))
	optString(m, "cloud_instance_id", h.CloudInstanceID)
	optString(m, "cloud_region", h.CloudRegion)
	if len(h.Tags) != 0 {
		m["tags"] = h.Tags
	}
	return m
}
