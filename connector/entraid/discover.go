package entraid

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/engram"
)

type graphUser struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"displayName"`
	UserPrincipalName string     `json:"userPrincipalName"`
	Mail              string     `json:"mail"`
	AccountEnabled    bool       `json:"accountEnabled"`
	UserType          string     `json:"userType"`
	SignInActivity    *struct {
		LastSignInDateTime *time.Time `json:"lastSignInDateTime"`
	} `json:"signInActivity"`
}

type graphAuthMethod struct {
	Type string `json:"@odata.type"`
	ID   string `json:"id"`
}

type graphGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type graphDirObject struct {
	Type string `json:"@odata.type"`
	ID   string `json:"id"`
}

type graphDirectoryRole struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type graphCAPolicy struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	State       string `json:"state"`
}

func (c *connector) Discover(ctx context.Context, rc *driver.RunContext) (*driver.SyncResult, error) {
	const op = `connector/entraid/connector.Discover`
	if c.hc == nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "connector/entraid/connector.Discover")
	out := &driver.SyncResult{}

	users := c.discoverUsers(ctx, rc, out)
	c.discoverGroups(ctx, rc, out, users)
	c.discoverDirectoryRoles(ctx, rc, out, users)
	c.discoverPolicies(ctx, rc, out)

	rc.RecordAction(ctx, engram.Action{
		Kind: "enumerate", Target: "graph", Outcome: "ok",
		Counts: map[string]int{
			"users":    len(out.Users),
			"groups":   len(out.Groups),
			"roles":    len(out.Roles),
			"policies": len(out.Policies),
		},
	})
	return out, nil
}

// discoverUsers enumerates users and probes each one's registered
// authentication methods; a method beyond the password counts as MFA. A
// failed probe leaves MfaEnabled null.
func (c *connector) discoverUsers(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) map[string]*sentinel.User {
	q := topQuery(c.pageSize())
	q.Set("$select", "id,displayName,userPrincipalName,mail,accountEnabled,userType,signInActivity")
	raw, err := collect[graphUser](ctx, c, c.endpoint("/users", q))
	if err != nil {
		c.subFailure(ctx, rc, out, "users", err)
		return nil
	}

	byID := make(map[string]*sentinel.User, len(raw))
	for _, u := range raw {
		if !c.cfg.Allows("user", u.UserPrincipalName) {
			continue
		}
		ut := sentinel.UserHuman
		if u.UserType != "" && u.UserType != "Member" && u.UserType != "Guest" {
			ut = sentinel.UserServiceAccount
		}
		node := &sentinel.User{
			TenantID:    rc.TenantID,
			Username:    u.UserPrincipalName,
			DisplayName: u.DisplayName,
			Email:       u.Mail,
			UserType:    ut,
			Source:      sentinel.SourceEntraID,
			SourceID:    u.ID,
			Enabled:     u.AccountEnabled,
		}
		if sa := u.SignInActivity; sa != nil {
			node.LastLogin = sa.LastSignInDateTime
		}
		out.Users = append(out.Users, node)
		byID[u.ID] = node
	}

	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.Parallelism())
	for id, node := range byID {
		eg.Go(func() error {
			methods, err := collect[graphAuthMethod](gctx, c, c.endpoint("/users/"+id+"/authentication/methods", url.Values{}))
			if err != nil {
				mu.Lock()
				c.subFailure(gctx, rc, out, "auth methods for "+node.Username, err)
				mu.Unlock()
				return nil
			}
			mfa := false
			for _, m := range methods {
				if m.Type != "#microsoft.graph.passwordAuthenticationMethod" {
					mfa = true
				}
			}
			node.MfaEnabled = &mfa
			return nil
		})
	}
	eg.Wait()
	return byID
}

func (c *connector) discoverGroups(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, users map[string]*sentinel.User) {
	raw, err := collect[graphGroup](ctx, c, c.endpoint("/groups", topQuery(c.pageSize())))
	if err != nil {
		c.subFailure(ctx, rc, out, "groups", err)
		return
	}
	for _, g := range raw {
		if !c.cfg.Allows("group", g.DisplayName) {
			continue
		}
		node := &sentinel.Group{
			TenantID:    rc.TenantID,
			Name:        g.DisplayName,
			Description: g.Description,
			Source:      sentinel.SourceEntraID,
			SourceID:    g.ID,
		}
		members, err := collect[graphDirObject](ctx, c, c.endpoint("/groups/"+g.ID+"/members", topQuery(c.pageSize())))
		if err != nil {
			c.subFailure(ctx, rc, out, "members of "+g.DisplayName, err)
		} else {
			n := len(members)
			node.MemberCount = &n
			for _, m := range members {
				if u, ok := users[m.ID]; ok {
					out.Edges = append(out.Edges, rc.MakeEdge(u, node, sentinel.EdgeMemberOf, sentinel.EdgeProperties{}))
				}
			}
		}
		out.Groups = append(out.Groups, node)
	}
}

// discoverDirectoryRoles maps activated directory roles to Role nodes and
// their members to HAS_ACCESS edges.
func (c *connector) discoverDirectoryRoles(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, users map[string]*sentinel.User) {
	raw, err := collect[graphDirectoryRole](ctx, c, c.endpoint("/directoryRoles", url.Values{}))
	if err != nil {
		c.subFailure(ctx, rc, out, "directory roles", err)
		return
	}
	for _, r := range raw {
		if !c.cfg.Allows("role", r.DisplayName) {
			continue
		}
		node := &sentinel.Role{
			TenantID:    rc.TenantID,
			Name:        r.DisplayName,
			Description: r.Description,
			Source:      sentinel.SourceEntraID,
			SourceID:    r.ID,
		}
		out.Roles = append(out.Roles, node)
		members, err := collect[graphDirObject](ctx, c, c.endpoint("/directoryRoles/"+r.ID+"/members", url.Values{}))
		if err != nil {
			c.subFailure(ctx, rc, out, "members of role "+r.DisplayName, err)
			continue
		}
		for _, m := range members {
			if u, ok := users[m.ID]; ok {
				out.Edges = append(out.Edges, rc.MakeEdge(u, node, sentinel.EdgeHasAccess, sentinel.EdgeProperties{}))
			}
		}
	}
}

func (c *connector) discoverPolicies(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) {
	raw, err := collect[graphCAPolicy](ctx, c, c.endpoint("/identity/conditionalAccess/policies", url.Values{}))
	if err != nil {
		c.subFailure(ctx, rc, out, "conditional access policies", err)
		return
	}
	for _, p := range raw {
		if !c.cfg.Allows("policy", p.DisplayName) {
			continue
		}
		out.Policies = append(out.Policies, &sentinel.Policy{
			TenantID:   rc.TenantID,
			Name:       p.DisplayName,
			PolicyType: sentinel.PolicyConditionalAccess,
			Source:     "entra_id",
			SourceID:   p.ID,
		})
	}
}

func (c *connector) subFailure(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, what string, err error) {
	zlog.Warn(ctx).Str("unit", what).Err(err).Msg("enumeration failed")
	msg := fmt.Sprintf("%s: %v", what, err)
	rc.RecordDeadEnd(ctx, engram.DeadEnd{Description: "enumerate " + what, Evidence: msg})
	out.SubFailures = append(out.SubFailures, msg)
}
