package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Certificate is a TLS/SSL certificate observed on a service.
type Certificate struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	SerialNumber      string    `json:"serial_number"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	Seen
}

var _ Node = (*Certificate)(nil)

func (c *Certificate) Tenant() uuid.UUID { return c.TenantID }
func (c *Certificate) Label() string     { return LabelCertificate }

func (c *Certificate) NaturalKey() string { return c.FingerprintSHA256 }

func (c *Certificate) ID() string {
	return Fingerprint(LabelCertificate, c.NaturalKey())
}

func (c *Certificate) Properties() map[string]any {
	return map[string]any{
		"subject":            c.Subject,
		"issuer":             c.Issuer,
		"serial_number":      c.SerialNumber,
		"not_before":         c.NotBefore.UTC().Format(time.RFC3339),
		"not_after":          c.NotAfter.UTC().Format(time.RFC3339),
		"fingerprint_sha256": c.FingerprintSHA256,
	}
}
