package sentinel

import (
	"time"

	"github.com/google/uuid"
)

// User is an account in an identity system, human or machine.
type User struct {
	TenantID    uuid.UUID      `json:"tenant_id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	UserType    UserType       `json:"user_type"`
	Source      IdentitySource `json:"source"`
	// SourceID is the identity provider's own identifier for the account.
	SourceID   string     `json:"source_id"`
	Enabled    bool       `json:"enabled"`
	MfaEnabled *bool      `json:"mfa_enabled,omitempty"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	Seen
}

var _ Node = (*User)(nil)

func (u *User) Tenant() uuid.UUID { return u.TenantID }
func (u *User) Label() string     { return LabelUser }

func (u *User) NaturalKey() string {
	return string(u.Source) + "/" + u.SourceID
}

func (u *User) ID() string { return Fingerprint(LabelUser, u.NaturalKey()) }

func (u *User) Properties() map[string]any {
	m := map[string]any{
		"username":  u.Username,
		"user_type": string(u.UserType),
		"source":    string(u.Source),
		"enabled":   u.Enabled,
	}
	optString(m, "display_name", u.DisplayName)
	optString(m, "email", u.Email)
	if u.MfaEnabled != nil {
		m["mfa_enabled"] = *u.MfaEnabled
	}
	if u.LastLogin != nil {
		m["last_login"] = u.LastLogin.UTC().Format(time.RFC3339)
	}
	return m
}

// Group is a collection of users in an identity system.
type Group struct {
	TenantID    uuid.UUID      `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Source      IdentitySource `json:"source"`
	SourceID    string         `json:"source_id"`
	MemberCount *int           `json:"member_count,omitempty"`
	Seen
}

var _ Node = (*Group)(nil)

func (g *Group) Tenant() uuid.UUID { return g.TenantID }
func (g *Group) Label() string     { return LabelGroup }

func (g *Group) NaturalKey() string {
	return string(g.Source) + "/" + g.SourceID
}

func (g *Group) ID() string { return Fingerprint(LabelGroup, g.NaturalKey()) }

func (g *Group) Properties() map[string]any {
	m := map[string]any{
		"name":   g.Name,
		"source": string(g.Source),
	}
	optString(m, "description", g.Description)
	if g.MemberCount != nil {
		m["member_count"] = *g.MemberCount
	}
	return m
}

// Role is an IAM role or permission set.
type Role struct {
	TenantID    uuid.UUID      `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Source      IdentitySource `json:"source"`
	SourceID    string         `json:"source_id"`
	Permissions []string       `json:"permissions,omitempty"`
	Seen
}

var _ Node = (*Role)(nil)

func (r *Role) Tenant() uuid.UUID { return r.TenantID }
func (r *Role) Label() string     { return LabelRole }

func (r *Role) NaturalKey() string {
	return string(r.Source) + "/" + r.SourceID
}

func (r *Role) ID() string { return Fingerprint(LabelRole, r.NaturalKey()) }

func (r *Role) Properties() map[string]any {
	m := map[string]any{
		"name":   r.Name,
		"source": string(r.Source),
	}
	optString(m, "description", r.Description)
	if len(r.Permissions) != 0 {
		m["permissions"] = r.Permissions
	}
	return m
}
