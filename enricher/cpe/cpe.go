// Package cpe maps observed service names and versions onto CPE 2.3 names.
//
// The mapping is a configuration artifact, not code: a YAML table ships
// embedded as a sane default and operators can replace it wholesale with
// their own file as products get added or renamed.
package cpe

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

type product struct {
	Names []string `yaml:"names"`
	CPEs  []string `yaml:"cpes"`
}

type table struct {
	Products []product `yaml:"products"`
}

// Resolver answers name+version lookups against a loaded table.
type Resolver struct {
	byName map[string][]string
}

// Default returns a resolver over the embedded table.
func Default() *Resolver {
	r, err := parse(defaultTable)
	if err != nil {
		// The embedded table is validated by tests; this is unreachable
		// short of a bad build.
		panic(fmt.Sprintf("cpe: embedded table: %v", err))
	}
	return r
}

// LoadFile returns a resolver over the table at path, replacing the
// embedded default entirely.
func LoadFile(path string) (*Resolver, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := parse(b)
	if err != nil {
		return nil, fmt.Errorf("cpe: %s: %w", path, err)
	}
	return r, nil
}

func parse(b []byte) (*Resolver, error) {
	var t table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	byName := make(map[string][]string)
	for _, p := range t.Products {
		if len(p.CPEs) == 0 {
			return nil, fmt.Errorf("product %v has no cpes", p.Names)
		}
		for _, n := range p.Names {
			byName[strings.ToLower(n)] = p.CPEs
		}
	}
	return &Resolver{byName: byName}, nil
}

// Resolve reports the CPE names for the service, with the observed version
// substituted into each template. It reports false when the product is
// unknown or no version was observed; a versionless CPE would match every
// release ever published and drown the signal.
func (r *Resolver) Resolve(name, version string) ([]string, bool) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, false
	}
	tpls, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	out := make([]string, len(tpls))
	for i, tpl := range tpls {
		out[i] = strings.ReplaceAll(tpl, "{version}", version)
	}
	return out, true
}
