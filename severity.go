package sentinel

import (
	"database/sql/driver"
	"fmt"
)

// Severity is the normalized severity of a vulnerability.
type Severity uint

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", uint(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if n == string(b) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Severity) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v >= int64(len(severityNames)) {
			return fmt.Errorf("unable to scan Severity from enum %d", v)
		}
		*s = Severity(v)
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
	return nil
}

// CVSSToSeverity maps a CVSS v3.1 base score onto the declared severity
// buckets: ≥9 critical, ≥7 high, ≥4 medium, >0 low, 0 none.
func CVSSToSeverity(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0.0:
		return SeverityLow
	}
	return SeverityNone
}

// Criticality is the operator-assigned business criticality of an asset.
type Criticality uint

const (
	CriticalityInfo Criticality = iota
	CriticalityLow
	CriticalityMedium
	CriticalityHigh
	CriticalityCritical
)

var criticalityNames = [...]string{
	CriticalityInfo:     "info",
	CriticalityLow:      "low",
	CriticalityMedium:   "medium",
	CriticalityHigh:     "high",
	CriticalityCritical: "critical",
}

func (c Criticality) String() string {
	if int(c) >= len(criticalityNames) {
		return fmt.Sprintf("Criticality(%d)", uint(c))
	}
	return criticalityNames[c]
}

func (c Criticality) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Criticality) UnmarshalText(b []byte) error {
	for i, n := range criticalityNames {
		if n == string(b) {
			*c = Criticality(i)
			return nil
		}
	}
	return fmt.Errorf("unknown criticality %q", string(b))
}

func (c Criticality) Value() (driver.Value, error) {
	return c.String(), nil
}

func (c *Criticality) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return c.UnmarshalText(v)
	case string:
		return c.UnmarshalText([]byte(v))
	case int64:
		if v >= int64(len(criticalityNames)) {
			return fmt.Errorf("unable to scan Criticality from enum %d", v)
		}
		*c = Criticality(v)
	default:
		return fmt.Errorf("unable to scan Criticality from type %T", i)
	}
	return nil
}
