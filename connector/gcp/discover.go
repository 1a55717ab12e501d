package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quay/zlog"
	compute "google.golang.org/api/compute/v1"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/engram"
)

func (c *connector) Discover(ctx context.Context, rc *driver.RunContext) (*driver.SyncResult, error) {
	const op = `connector/gcp/connector.Discover`
	if c.svc == nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "connector/gcp/connector.Discover")
	out := &driver.SyncResult{}
	tenant := rc.TenantID
	project := c.cfg.ProjectID

	vpcByName := make(map[string]*sentinel.Vpc)
	err := c.svc.Compute.Networks.List(project).Pages(ctx, func(page *compute.NetworkList) error {
		for _, n := range page.Items {
			if !c.cfg.Allows("network", n.Name) {
				continue
			}
			vpc := &sentinel.Vpc{
				TenantID:      tenant,
				VpcID:         project + "/" + n.Name,
				Name:          n.Name,
				CIDR:          n.IPv4Range,
				CloudProvider: sentinel.CloudGCP,
				Region:        "global",
			}
			out.Vpcs = append(out.Vpcs, vpc)
			vpcByName[n.Name] = vpc
		}
		return nil
	})
	if err != nil {
		c.subFailure(ctx, rc, out, "networks", err)
	}

	subnetByLink := make(map[string]*sentinel.Subnet)
	for _, region := range c.cfg.Regions {
		err := c.svc.Compute.Subnetworks.List(project, region).Pages(ctx, func(page *compute.SubnetworkList) error {
			for _, sn := range page.Items {
				if !c.cfg.Allows("subnetwork", sn.Name) {
					continue
				}
				netName := lastSegment(sn.Network)
				node := &sentinel.Subnet{
					TenantID:      tenant,
					CIDR:          sn.IpCidrRange,
					Name:          sn.Name,
					CloudProvider: sentinel.CloudGCP,
					SourceID:      project + "/" + region + "/" + sn.Name,
					VpcID:         project + "/" + netName,
					Region:        region,
				}
				out.Subnets = append(out.Subnets, node)
				subnetByLink[trimURL(sn.SelfLink)] = node
				if vpc, ok := vpcByName[netName]; ok {
					out.Edges = append(out.Edges, rc.MakeEdge(node, vpc, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
				}
			}
			return nil
		})
		if err != nil {
			c.subFailure(ctx, rc, out, "subnetworks in "+region, err)
		}
	}

	err = c.svc.Compute.Instances.AggregatedList(project).Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		scopes := make([]string, 0, len(page.Items))
		for k := range page.Items {
			scopes = append(scopes, k)
		}
		sort.Strings(scopes)
		for _, k := range scopes {
			for _, inst := range page.Items[k].Instances {
				if !c.cfg.Allows("instance", inst.Name) {
					continue
				}
				zone := lastSegment(inst.Zone)
				host := &sentinel.Host{
					TenantID:        tenant,
					Hostname:        inst.Name,
					CloudProvider:   sentinel.CloudGCP,
					CloudInstanceID: strconv.FormatUint(inst.Id, 10),
					CloudRegion:     zoneRegion(zone),
					Tags:            labelList(inst.Labels),
				}
				var subnetLink string
				if len(inst.NetworkInterfaces) != 0 {
					ni := inst.NetworkInterfaces[0]
					host.IP = ni.NetworkIP
					subnetLink = trimURL(ni.Subnetwork)
				}
				out.Hosts = append(out.Hosts, host)
				if sn, ok := subnetByLink[subnetLink]; ok {
					out.Edges = append(out.Edges, rc.MakeEdge(host, sn, sentinel.EdgeBelongsToSubnet, sentinel.EdgeProperties{}))
					if vpc, ok := vpcByName[lastSegment(sn.VpcID)]; ok {
						out.Edges = append(out.Edges, rc.MakeEdge(host, vpc, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		c.subFailure(ctx, rc, out, "instances", err)
	}

	err = c.svc.Compute.Firewalls.List(project).Pages(ctx, func(page *compute.FirewallList) error {
		for _, fw := range page.Items {
			if !c.cfg.Allows("firewall", fw.Name) {
				continue
			}
			rules, _ := json.Marshal(fw.Allowed)
			out.Policies = append(out.Policies, &sentinel.Policy{
				TenantID:   tenant,
				Name:       fw.Name,
				PolicyType: sentinel.PolicyFirewallRule,
				Source:     string(sentinel.CloudGCP),
				SourceID:   project + "/" + fw.Name,
				Rules:      string(rules),
			})
		}
		return nil
	})
	if err != nil {
		c.subFailure(ctx, rc, out, "firewalls", err)
	}

	sqlList, err := c.svc.SQL.Instances.List(project).Context(ctx).Do()
	if err != nil {
		c.subFailure(ctx, rc, out, "cloud sql", err)
	} else {
		for _, db := range sqlList.Items {
			if !c.cfg.Allows("db_instance", db.Name) {
				continue
			}
			state := sentinel.ServiceUnknown
			switch db.State {
			case "RUNNABLE":
				state = sentinel.ServiceRunning
			case "STOPPED", "SUSPENDED":
				state = sentinel.ServiceStopped
			}
			out.Services = append(out.Services, &sentinel.Service{
				TenantID: tenant,
				Name:     db.Name,
				Version:  db.DatabaseVersion,
				Port:     enginePort(db.DatabaseVersion),
				Protocol: sentinel.ProtoTCP,
				State:    state,
				HostKey:  "gcp/" + project + "/" + db.Name,
			})
		}
	}

	buckets, err := c.svc.Storage.Buckets.List(project).Context(ctx).Do()
	if err != nil {
		c.subFailure(ctx, rc, out, "buckets", err)
	} else {
		for _, b := range buckets.Items {
			if !c.cfg.Allows("bucket", b.Name) {
				continue
			}
			out.Applications = append(out.Applications, &sentinel.Application{
				TenantID: tenant,
				Name:     b.Name,
				AppType:  sentinel.AppObjectStore,
				SourceID: "gcp/" + b.Name,
			})
		}
	}

	parent := "projects/" + project + "/locations/-"
	fns, err := c.svc.Functions.Projects.Locations.Functions.List(parent).Context(ctx).Do()
	if err != nil {
		c.subFailure(ctx, rc, out, "cloud functions", err)
	} else {
		for _, fn := range fns.Functions {
			name := lastSegment(fn.Name)
			if !c.cfg.Allows("function", name) {
				continue
			}
			out.Applications = append(out.Applications, &sentinel.Application{
				TenantID: tenant,
				Name:     name,
				AppType:  sentinel.AppLambda,
				SourceID: fn.Name,
			})
		}
	}

	rc.RecordAction(ctx, engram.Action{
		Kind: "enumerate", Target: "gcp:" + project, Outcome: "ok",
		Counts: map[string]int{
			"instances": len(out.Hosts),
			"networks":  len(out.Vpcs),
			"subnets":   len(out.Subnets),
			"firewalls": len(out.Policies),
			"databases": len(out.Services),
			"apps":      len(out.Applications),
		},
	})
	return out, nil
}

func (c *connector) subFailure(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, what string, err error) {
	zlog.Warn(ctx).Str("unit", what).Err(err).Msg("enumeration failed")
	msg := fmt.Sprintf("%s: %v", what, err)
	rc.RecordDeadEnd(ctx, engram.DeadEnd{Description: "enumerate " + what, Evidence: msg})
	out.SubFailures = append(out.SubFailures, msg)
}

func lastSegment(u string) string {
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}

// trimURL strips the scheme and host so self links compare stably across
// endpoint overrides.
func trimURL(u string) string {
	if i := strings.Index(u, "/projects/"); i >= 0 {
		return u[i:]
	}
	return u
}

// zoneRegion derives the region from a zone name, e.g. "us-central1-a"
// becomes "us-central1".
func zoneRegion(zone string) string {
	if i := strings.LastIndexByte(zone, '-'); i > 0 {
		return zone[:i]
	}
	return zone
}

func enginePort(version string) int {
	switch {
	case strings.HasPrefix(version, "POSTGRES"):
		return 5432
	case strings.HasPrefix(version, "MYSQL"):
		return 3306
	case strings.HasPrefix(version, "SQLSERVER"):
		return 1433
	}
	return 0
}

func labelList(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
