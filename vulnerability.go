package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// Vulnerability is a known CVE correlated to at least one discovered
// service. It is created by the enrichment orchestrator and may outlive any
// particular Service.
type Vulnerability struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	CveID      string    `json:"cve_id"`
	CvssScore  *float64  `json:"cvss_score,omitempty"`
	CvssVector string    `json:"cvss_vector,omitempty"`
	EpssScore  *float64  `json:"epss_score,omitempty"`
	Severity   Severity  `json:"severity"`
	// Exploitable reports whether exploitation is known or likely; it is
	// set when the CVE appears in the KEV catalog.
	Exploitable   bool       `json:"exploitable"`
	InKev         bool       `json:"in_kev"`
	Description   string     `json:"description,omitempty"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
	Seen
}

var _ Node = (*Vulnerability)(nil)

func (v *Vulnerability) Tenant() uuid.UUID { return v.TenantID }
func (v *Vulnerability) Label() string     { return LabelVulnerability }

func (v *Vulnerability) NaturalKey() string { return v.CveID }

func (v *Vulnerability) ID() string {
	return Fingerprint(LabelVulnerability, v.NaturalKey())
}

func (v *Vulnerability) Properties() map[string]any {
	m := map[string]any{
		"cve_id":      v.CveID,
		"severity":    v.Severity.String(),
		"exploitable": v.Exploitable,
		"in_kev":      v.InKev,
	}
	if v.CvssScore != nil {
		m["cvss_score"] = *v.CvssScore
	}
	optString(m, "cvss_vector", v.CvssVector)
	if v.EpssScore != nil {
		m["epss_score"] = *v.EpssScore
	}
	optString(m, "description", v.Description)
	if v.PublishedDate != nil {
		m["published_date"] = v.PublishedDate.UTC().Format(time.RFC3339)
	}
	return m
}

// Validate checks the numeric range invariants: cvss in [0,10], epss in
// [0,1], and severity consistent with the CVSS score when one is present.
func (v *Vulnerability) Validate() error {
	const op = `sentinel/Vulnerability.Validate`
	if v.CvssScore != nil && (*v.CvssScore < 0 || *v.CvssScore > 10) {
		return &Error{Op: op, Kind: ErrSchemaMismatch, Message: "cvss_score out of range"}
	}
	if v.EpssScore != nil && (*v.EpssScore < 0 || *v.EpssScore > 1) {
		return &Error{Op: op, Kind: ErrSchemaMismatch, Message: "epss_score out of range"}
	}
	if v.CvssScore != nil && v.Severity != CVSSToSeverity(*v.CvssScore) {
		return &Error{Op: op, Kind: ErrSchemaMismatch, Message: "severity inconsistent with cvss_score"}
	}
	return nil
}

// Actionable reports whether the vulnerability should be prioritized for
// remediation: it is in the KEV catalog, its exploit probability is at
// least 0.5, or its CVSS base score is at least 9.0.
func (v *Vulnerability) Actionable() bool {
	if v.InKev {
		return true
	}
	if v.EpssScore != nil && *v.EpssScore >= 0.5 {
		return true
	}
	if v.CvssScore != nil && *v.CvssScore >= 9.0 {
		return true
	}
	return false
}
