// Package secrets resolves credential material for connectors.
//
// Secret values are handled as opaque strings: they are never logged,
// never persisted, and never included in results or engrams. Code holding
// a resolved secret should keep its lifetime as short as possible.
package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinelsec/sentinel"
)

// Store resolves named secrets.
type Store interface {
	// Get reports the secret value for the name.
	//
	// A missing secret is a credential error.
	Get(ctx context.Context, name string) (string, error)
}

// Env resolves secrets from environment variables.
//
// The name is upper-cased, non-alphanumerics become underscores, and the
// prefix is prepended: with prefix "SENTINEL_SECRET_", the name
// "okta/api-token" resolves from SENTINEL_SECRET_OKTA_API_TOKEN.
type Env struct {
	Prefix string
}

var _ Store = (*Env)(nil)

func (e *Env) Get(_ context.Context, name string) (string, error) {
	const op = `secrets/Env.Get`
	k := e.Prefix + mangle(name)
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrCredential, Message: "secret not found: " + name}
	}
	return v, nil
}

func mangle(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

// Dir resolves secrets from files under a directory, one secret per file,
// the way mounted secret volumes present them. The file's contents are
// trimmed of trailing whitespace.
type Dir struct {
	Root string
}

var _ Store = (*Dir)(nil)

func (d *Dir) Get(_ context.Context, name string) (string, error) {
	const op = `secrets/Dir.Get`
	p := filepath.Join(d.Root, filepath.FromSlash(name))
	// Refuse names escaping the root.
	if rel, err := filepath.Rel(d.Root, p); err != nil || strings.HasPrefix(rel, "..") {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "secret name escapes root: " + name}
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", &sentinel.Error{Op: op, Kind: sentinel.ErrCredential, Message: "secret not found: " + name, Inner: err}
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Multi consults stores in order, returning the first hit.
type Multi []Store

var _ Store = (Multi)(nil)

func (m Multi) Get(ctx context.Context, name string) (string, error) {
	const op = `secrets/Multi.Get`
	var last error
	for _, s := range m {
		v, err := s.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		last = err
	}
	if last == nil {
		last = &sentinel.Error{Op: op, Kind: sentinel.ErrCredential, Message: "secret not found: " + name}
	}
	return "", last
}
