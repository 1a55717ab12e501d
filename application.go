package sentinel

import "github.com/google/uuid"

// Application is a deployed application-level asset: a web app, container
// cluster, serverless function, or object-storage bucket.
type Application struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	Version  string    `json:"version,omitempty"`
	AppType  AppType   `json:"app_type"`
	// SourceID is the provider-native identifier, e.g. an ARN or a bucket
	// name qualified by provider.
	SourceID string `json:"source_id"`
	Seen
}

var _ Node = (*Application)(nil)

func (a *Application) Tenant() uuid.UUID { return a.TenantID }
func (a *Application) Label() string     { return LabelApplication }

func (a *Application) NaturalKey() string {
	return string(a.AppType) + "/" + a.SourceID
}

func (a *Application) ID() string {
	return Fingerprint(LabelApplication, a.NaturalKey())
}

func (a *Application) Properties() map[string]any {
	m := map[string]any{
		"name":     a.Name,
		"app_type": string(a.AppType),
	}
	optString(m, "version", a.Version)
	return m
}

// McpServer is a Model Context Protocol server discovered in the
// environment.
type McpServer struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	Tools         []string  `json:"tools,omitempty"`
	Authenticated bool      `json:"authenticated"`
	TlsEnabled    bool      `json:"tls_enabled"`
	Seen
}

var _ Node = (*McpServer)(nil)

func (s *McpServer) Tenant() uuid.UUID { return s.TenantID }
func (s *McpServer) Label() string     { return LabelMcpServer }

func (s *McpServer) NaturalKey() string { return s.Endpoint }

func (s *McpServer) ID() string {
	return Fingerprint(LabelMcpServer, s.NaturalKey())
}

func (s *McpServer) Properties() map[string]any {
	m := map[string]any{
		"name":          s.Name,
		"endpoint":      s.Endpoint,
		"authenticated": s.Authenticated,
		"tls_enabled":   s.TlsEnabled,
	}
	if len(s.Tools) != 0 {
		m["tools"] = s.Tools
	}
	return m
}
