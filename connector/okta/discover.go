package okta

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/engram"
)

type oktaUser struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	LastLogin *time.Time `json:"lastLogin"`
	Profile   struct {
		Login       string `json:"login"`
		Email       string `json:"email"`
		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		DisplayName string `json:"displayName"`
		UserType    string `json:"userType"`
	} `json:"profile"`
}

type oktaFactor struct {
	ID         string `json:"id"`
	FactorType string `json:"factorType"`
	Status     string `json:"status"`
}

type oktaGroup struct {
	ID      string `json:"id"`
	Profile struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"profile"`
}

type oktaApp struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

type oktaPolicy struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *connector) Discover(ctx context.Context, rc *driver.RunContext) (*driver.SyncResult, error) {
	const op = `connector/okta/connector.Discover`
	if c.hc == nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "connector/okta/connector.Discover")
	out := &driver.SyncResult{}

	users := c.discoverUsers(ctx, rc, out)
	c.discoverGroups(ctx, rc, out, users)
	c.discoverApps(ctx, rc, out)
	c.discoverPolicies(ctx, rc, out)

	rc.RecordAction(ctx, engram.Action{
		Kind: "enumerate", Target: "okta", Outcome: "ok",
		Counts: map[string]int{
			"users":    len(out.Users),
			"groups":   len(out.Groups),
			"apps":     len(out.Applications),
			"policies": len(out.Policies),
		},
	})
	return out, nil
}

// discoverUsers enumerates users and probes each one's enrolled factors to
// derive the MFA posture. Factor lookups run under the configured
// parallelism; a failed lookup leaves MfaEnabled null rather than guessing.
func (c *connector) discoverUsers(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) map[string]*sentinel.User {
	raw, err := collect[oktaUser](ctx, c, c.endpoint("/api/v1/users", limitQuery(c.pageSize())))
	if err != nil {
		c.subFailure(ctx, rc, out, "users", err)
		return nil
	}

	byID := make(map[string]*sentinel.User, len(raw))
	for _, u := range raw {
		if !c.cfg.Allows("user", u.Profile.Login) {
			continue
		}
		ut := sentinel.UserHuman
		if u.Profile.UserType == "service" {
			ut = sentinel.UserServiceAccount
		}
		node := &sentinel.User{
			TenantID:    rc.TenantID,
			Username:    u.Profile.Login,
			DisplayName: displayName(u),
			Email:       u.Profile.Email,
			UserType:    ut,
			Source:      sentinel.SourceOkta,
			SourceID:    u.ID,
			Enabled:     u.Status == "ACTIVE",
			LastLogin:   u.LastLogin,
		}
		out.Users = append(out.Users, node)
		byID[u.ID] = node
	}

	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.Parallelism())
	for id, node := range byID {
		eg.Go(func() error {
			factors, err := collect[oktaFactor](gctx, c, c.endpoint("/api/v1/users/"+id+"/factors", url.Values{}))
			if err != nil {
				mu.Lock()
				c.subFailure(gctx, rc, out, "factors for "+node.Username, err)
				mu.Unlock()
				return nil
			}
			enrolled := false
			for _, f := range factors {
				if f.Status == "ACTIVE" {
					enrolled = true
				}
			}
			node.MfaEnabled = &enrolled
			return nil
		})
	}
	// Goroutines only report via the shared slices; Wait cannot fail.
	eg.Wait()
	return byID
}

func (c *connector) discoverGroups(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, users map[string]*sentinel.User) {
	raw, err := collect[oktaGroup](ctx, c, c.endpoint("/api/v1/groups", limitQuery(c.pageSize())))
	if err != nil {
		c.subFailure(ctx, rc, out, "groups", err)
		return
	}
	for _, g := range raw {
		if !c.cfg.Allows("group", g.Profile.Name) {
			continue
		}
		node := &sentinel.Group{
			TenantID:    rc.TenantID,
			Name:        g.Profile.Name,
			Description: g.Profile.Description,
			Source:      sentinel.SourceOkta,
			SourceID:    g.ID,
		}
		members, err := collect[oktaUser](ctx, c, c.endpoint("/api/v1/groups/"+g.ID+"/users", limitQuery(c.pageSize())))
		if err != nil {
			c.subFailure(ctx, rc, out, "members of "+g.Profile.Name, err)
		} else {
			n := len(members)
			node.MemberCount = &n
			for _, m := range members {
				u, ok := users[m.ID]
				if !ok {
					continue
				}
				out.Edges = append(out.Edges, rc.MakeEdge(u, node, sentinel.EdgeMemberOf, sentinel.EdgeProperties{}))
			}
		}
		out.Groups = append(out.Groups, node)
	}
}

func (c *connector) discoverApps(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) {
	raw, err := collect[oktaApp](ctx, c, c.endpoint("/api/v1/apps", limitQuery(c.pageSize())))
	if err != nil {
		c.subFailure(ctx, rc, out, "apps", err)
		return
	}
	for _, a := range raw {
		if !c.cfg.Allows("app", a.Label) {
			continue
		}
		out.Applications = append(out.Applications, &sentinel.Application{
			TenantID: rc.TenantID,
			Name:     a.Label,
			AppType:  sentinel.AppWebApp,
			SourceID: "okta/" + a.ID,
		})
	}
}

func (c *connector) discoverPolicies(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) {
	raw, err := collect[oktaPolicy](ctx, c, c.endpoint("/api/v1/policies", url.Values{"type": {"OKTA_SIGN_ON"}}))
	if err != nil {
		c.subFailure(ctx, rc, out, "policies", err)
		return
	}
	for _, p := range raw {
		if !c.cfg.Allows("policy", p.Name) {
			continue
		}
		out.Policies = append(out.Policies, &sentinel.Policy{
			TenantID:   rc.TenantID,
			Name:       p.Name,
			PolicyType: sentinel.PolicyConditionalAccess,
			Source:     "okta",
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

func displayName(u oktaUser) string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	return strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName)
}
