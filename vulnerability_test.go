package sentinel

import (
	"errors"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestVulnerabilityActionable(t *testing.T) {
	tt := []struct {
		Name string
		Vuln Vulnerability
		Want bool
	}{
		{
			Name: "KEVAlone",
			Vuln: Vulnerability{InKev: true, Exploitable: true},
			Want: true,
		},
		{
			Name: "EPSSAtThreshold",
			Vuln: Vulnerability{EpssScore: f64(0.5)},
			Want: true,
		},
		{
			Name: "EPSSBelowThreshold",
			Vuln: Vulnerability{EpssScore: f64(0.49)},
			Want: false,
		},
		{
			Name: "CVSSAtThreshold",
			Vuln: Vulnerability{CvssScore: f64(9.0), Severity: SeverityCritical},
			Want: true,
		},
		{
			Name: "CVSSBelowThreshold",
			Vuln: Vulnerability{CvssScore: f64(8.9), Severity: SeverityHigh},
			Want: false,
		},
		{
			Name: "NoScores",
			Vuln: Vulnerability{},
			Want: false,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if got := tc.Vuln.Actionable(); got != tc.Want {
				t.Errorf("got %v, want %v", got, tc.Want)
			}
		})
	}
}

func TestVulnerabilityValidate(t *testing.T) {
	tt := []struct {
		Name string
		Vuln Vulnerability
		OK   bool
	}{
		{
			Name: "Valid",
			Vuln: Vulnerability{CveID: "CVE-2024-0001", CvssScore: f64(7.5), EpssScore: f64(0.2), Severity: SeverityHigh},
			OK:   true,
		},
		{
			Name: "NoScores",
			Vuln: Vulnerability{CveID: "CVE-2024-0002"},
			OK:   true,
		},
		{
			Name: "CVSSOutOfRange",
			Vuln: Vulnerability{CveID: "CVE-2024-0003", CvssScore: f64(10.1), Severity: SeverityCritical},
			OK:   false,
		},
		{
			Name: "EPSSOutOfRange",
			Vuln: Vulnerability{CveID: "CVE-2024-0004", EpssScore: f64(1.5)},
			OK:   false,
		},
		{
			Name: "SeverityMismatch",
			Vuln: Vulnerability{CveID: "CVE-2024-0005", CvssScore: f64(9.8), Severity: SeverityLow},
			OK:   false,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			err := tc.Vuln.Validate()
			if tc.OK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.OK {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrSchemaMismatch) {
					t.Errorf("got %v, want %v", err, ErrSchemaMismatch)
				}
			}
		})
	}
}
