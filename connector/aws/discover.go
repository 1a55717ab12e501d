package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/engram"
)

func (c *connector) Discover(ctx context.Context, rc *driver.RunContext) (*driver.SyncResult, error) {
	const op = `connector/aws/connector.Discover`
	if c.c == nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "connector/aws/connector.Discover")

	out := &driver.SyncResult{}
	c.discoverGlobal(ctx, rc, out)

	results := make([]*driver.SyncResult, len(c.cfg.Regions))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.Parallelism())
	for i, region := range c.cfg.Regions {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.discoverRegion(gctx, rc, region)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for _, r := range results {
		out.Merge(r)
	}
	// Lambda execution roles point at IAM roles enumerated above.
	c.linkFunctionRoles(rc, out)
	return out, nil
}

// discoverGlobal enumerates the region-less APIs: S3 and IAM.
func (c *connector) discoverGlobal(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult) {
	tenant := rc.TenantID
	if bkts, err := c.c.S3.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		c.subFailure(ctx, rc, out, "s3", "global", err)
	} else {
		for _, b := range bkts.Buckets {
			name := awssdk.ToString(b.Name)
			if !c.cfg.Allows("bucket", name) {
				continue
			}
			out.Applications = append(out.Applications, &sentinel.Application{
				TenantID: tenant,
				Name:     name,
				AppType:  sentinel.AppObjectStore,
				SourceID: "aws/" + name,
			})
		}
		rc.RecordAction(ctx, engram.Action{
			Kind: "enumerate", Target: "s3", Outcome: "ok",
			Counts: map[string]int{"buckets": len(bkts.Buckets)},
		})
	}

	users, err := c.listUsers(ctx)
	if err != nil {
		c.subFailure(ctx, rc, out, "iam:users", "global", err)
	} else {
		for _, u := range users {
			name := awssdk.ToString(u.UserName)
			if !c.cfg.Allows("user", name) {
				continue
			}
			out.Users = append(out.Users, &sentinel.User{
				TenantID: tenant,
				Username: name,
				UserType: sentinel.UserHuman,
				Source:   sentinel.SourceAwsIam,
				SourceID: awssdk.ToString(u.Arn),
				Enabled:  true,
			})
		}
	}

	roles, err := c.listRoles(ctx)
	if err != nil {
		c.subFailure(ctx, rc, out, "iam:roles", "global", err)
	} else {
		for _, r := range roles {
			name := awssdk.ToString(r.RoleName)
			if !c.cfg.Allows("role", name) {
				continue
			}
			out.Roles = append(out.Roles, &sentinel.Role{
				TenantID:    tenant,
				Name:        name,
				Description: awssdk.ToString(r.Description),
				Source:      sentinel.SourceAwsIam,
				SourceID:    awssdk.ToString(r.Arn),
			})
		}
		rc.RecordAction(ctx, engram.Action{
			Kind: "enumerate", Target: "iam", Outcome: "ok",
			Counts: map[string]int{"users": len(users), "roles": len(roles)},
		})
	}
}

func (c *connector) listUsers(ctx context.Context) ([]iamtypes.User, error) {
	var out []iamtypes.User
	in := &iam.ListUsersInput{}
	if n := c.cfg.PageSize; n > 0 {
		in.MaxItems = awssdk.Int32(int32(n))
	}
	for {
		page, err := c.c.IAM.ListUsers(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Users...)
		if !page.IsTruncated {
			return out, nil
		}
		in.Marker = page.Marker
	}
}

func (c *connector) listRoles(ctx context.Context) ([]iamtypes.Role, error) {
	var out []iamtypes.Role
	in := &iam.ListRolesInput{}
	if n := c.cfg.PageSize; n > 0 {
		in.MaxItems = awssdk.Int32(int32(n))
	}
	for {
		page, err := c.c.IAM.ListRoles(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Roles...)
		if !page.IsTruncated {
			return out, nil
		}
		in.Marker = page.Marker
	}
}

// discoverRegion enumerates one region. Failures of individual APIs are
// recorded as sub-failures; the region never fails as a whole.
func (c *connector) discoverRegion(ctx context.Context, rc *driver.RunContext, region string) *driver.SyncResult {
	ctx = zlog.ContextWithValues(ctx, "region", region)
	r := c.c.Regional(region)
	out := &driver.SyncResult{}
	tenant := rc.TenantID

	vpcs, err := c.describeVpcs(ctx, r.EC2)
	if err != nil {
		c.subFailure(ctx, rc, out, "ec2:vpcs", region, err)
	}
	for _, v := range vpcs {
		id := awssdk.ToString(v.VpcId)
		if !c.cfg.Allows("vpc", id) {
			continue
		}
		out.Vpcs = append(out.Vpcs, &sentinel.Vpc{
			TenantID:      tenant,
			VpcID:         id,
			Name:          nameTag(v.Tags),
			CIDR:          awssdk.ToString(v.CidrBlock),
			CloudProvider: sentinel.CloudAWS,
			Region:        region,
		})
	}
	vpcByID := make(map[string]*sentinel.Vpc, len(out.Vpcs))
	for _, v := range out.Vpcs {
		vpcByID[v.VpcID] = v
	}

	subnets, err := c.describeSubnets(ctx, r.EC2)
	if err != nil {
		c.subFailure(ctx, rc, out, "ec2:subnets", region, err)
	}
	subnetByID := make(map[string]*sentinel.Subnet)
	for _, sn := range subnets {
		id := awssdk.ToString(sn.SubnetId)
		if !c.cfg.Allows("subnet", id) {
			continue
		}
		node := &sentinel.Subnet{
			TenantID:      tenant,
			CIDR:          awssdk.ToString(sn.CidrBlock),
			Name:          nameTag(sn.Tags),
			CloudProvider: sentinel.CloudAWS,
			SourceID:      id,
			VpcID:         awssdk.ToString(sn.VpcId),
			Region:        region,
			IsPublic:      awssdk.ToBool(sn.MapPublicIpOnLaunch),
		}
		out.Subnets = append(out.Subnets, node)
		subnetByID[id] = node
		if v, ok := vpcByID[node.VpcID]; ok {
			out.Edges = append(out.Edges, rc.MakeEdge(node, v, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
		}
	}

	groups, err := c.describeSecurityGroups(ctx, r.EC2)
	if err != nil {
		c.subFailure(ctx, rc, out, "ec2:security-groups", region, err)
	}
	sgByID := make(map[string]*sentinel.Policy)
	sgPerms := make(map[string][]ec2types.IpPermission)
	for _, g := range groups {
		id := awssdk.ToString(g.GroupId)
		if !c.cfg.Allows("security_group", awssdk.ToString(g.GroupName)) {
			continue
		}
		rules, _ := json.Marshal(g.IpPermissions)
		node := &sentinel.Policy{
			TenantID:   tenant,
			Name:       awssdk.ToString(g.GroupName),
			PolicyType: sentinel.PolicySecurityGroup,
			Source:     string(sentinel.CloudAWS),
			SourceID:   id,
			Rules:      string(rules),
		}
		out.Policies = append(out.Policies, node)
		sgByID[id] = node
		sgPerms[id] = g.IpPermissions
	}

	instances, err := c.describeInstances(ctx, r.EC2)
	if err != nil {
		c.subFailure(ctx, rc, out, "ec2:instances", region, err)
	}
	for _, inst := range instances {
		id := awssdk.ToString(inst.InstanceId)
		name := nameTag(inst.Tags)
		if name == "" {
			name = id
		}
		if !c.cfg.Allows("instance", name) {
			continue
		}
		host := &sentinel.Host{
			TenantID:        tenant,
			IP:              awssdk.ToString(inst.PrivateIpAddress),
			Hostname:        awssdk.ToString(inst.PrivateDnsName),
			OS:              platformOf(inst),
			CloudProvider:   sentinel.CloudAWS,
			CloudInstanceID: id,
			CloudRegion:     region,
			Tags:            tagList(inst.Tags),
		}
		out.Hosts = append(out.Hosts, host)
		if sn, ok := subnetByID[awssdk.ToString(inst.SubnetId)]; ok {
			out.Edges = append(out.Edges, rc.MakeEdge(host, sn, sentinel.EdgeBelongsToSubnet, sentinel.EdgeProperties{}))
		}
		if v, ok := vpcByID[awssdk.ToString(inst.VpcId)]; ok {
			out.Edges = append(out.Edges, rc.MakeEdge(host, v, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
		}
		public := awssdk.ToString(inst.PublicIpAddress) != ""
		for _, g := range inst.SecurityGroups {
			gid := awssdk.ToString(g.GroupId)
			sg, ok := sgByID[gid]
			if !ok {
				continue
			}
			out.Edges = append(out.Edges, rc.MakeEdge(host, sg, sentinel.EdgeHasAccess, sentinel.EdgeProperties{}))
			if !public {
				continue
			}
			// World-reachable ingress ports on a public instance surface as
			// open ports.
			for _, port := range worldOpenPorts(sgPerms[gid]) {
				p := &sentinel.Port{
					TenantID: tenant,
					Number:   port.number,
					Protocol: port.proto,
					State:    sentinel.PortOpen,
					HostKey:  host.NaturalKey(),
				}
				out.Ports = append(out.Ports, p)
				n := port.number
				out.Edges = append(out.Edges, rc.MakeEdge(host, p, sentinel.EdgeExposes, sentinel.EdgeProperties{
					Protocol: port.proto,
					Port:     &n,
				}))
			}
		}
	}

	dbs, err := c.describeDBInstances(ctx, r.RDS)
	if err != nil {
		c.subFailure(ctx, rc, out, "rds", region, err)
	}
	for _, db := range dbs {
		name := awssdk.ToString(db.DBInstanceIdentifier)
		if !c.cfg.Allows("db_instance", name) {
			continue
		}
		svc := &sentinel.Service{
			TenantID: tenant,
			Name:     name,
			Version:  awssdk.ToString(db.EngineVersion),
			Protocol: sentinel.ProtoTCP,
			State:    dbState(awssdk.ToString(db.DBInstanceStatus)),
			HostKey:  "aws/" + awssdk.ToString(db.DbiResourceId),
		}
		if db.Endpoint != nil {
			svc.Port = int(awssdk.ToInt32(db.Endpoint.Port))
		}
		out.Services = append(out.Services, svc)
		if db.DBSubnetGroup != nil {
			if v, ok := vpcByID[awssdk.ToString(db.DBSubnetGroup.VpcId)]; ok {
				out.Edges = append(out.Edges, rc.MakeEdge(svc, v, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
			}
		}
	}

	fns, err := c.listFunctions(ctx, r.Lambda)
	if err != nil {
		c.subFailure(ctx, rc, out, "lambda", region, err)
	}
	for _, fn := range fns {
		name := awssdk.ToString(fn.FunctionName)
		if !c.cfg.Allows("function", name) {
			continue
		}
		app := &sentinel.Application{
			TenantID: tenant,
			Name:     name,
			Version:  awssdk.ToString(fn.Version),
			AppType:  sentinel.AppLambda,
			SourceID: awssdk.ToString(fn.FunctionArn),
		}
		out.Applications = append(out.Applications, app)
		if role := awssdk.ToString(fn.Role); role != "" {
			c.noteFunctionRole(app, role)
		}
	}

	rc.RecordAction(ctx, engram.Action{
		Kind: "enumerate", Target: "region:" + region, Outcome: "ok",
		Counts: map[string]int{
			"instances": len(out.Hosts),
			"vpcs":      len(out.Vpcs),
			"subnets":   len(out.Subnets),
			"groups":    len(out.Policies),
			"databases": len(out.Services),
			"functions": len(out.Applications),
		},
	})
	return out
}

// Function-to-role links are collected during the regional sweeps and
// resolved against the globally enumerated roles afterward.
func (c *connector) noteFunctionRole(app *sentinel.Application, roleArn string) {
	c.fnRolesMu.Lock()
	defer c.fnRolesMu.Unlock()
	if c.fnRoles == nil {
		c.fnRoles = make(map[string]string)
	}
	c.fnRoles[app.SourceID] = roleArn
}

func (c *connector) linkFunctionRoles(rc *driver.RunContext, out *driver.SyncResult) {
	c.fnRolesMu.Lock()
	defer c.fnRolesMu.Unlock()
	if len(c.fnRoles) == 0 {
		return
	}
	roleByArn := make(map[string]*sentinel.Role, len(out.Roles))
	for _, r := range out.Roles {
		roleByArn[r.SourceID] = r
	}
	for _, app := range out.Applications {
		arn, ok := c.fnRoles[app.SourceID]
		if !ok {
			continue
		}
		if role, ok := roleByArn[arn]; ok {
			out.Edges = append(out.Edges, rc.MakeEdge(app, role, sentinel.EdgeHasAccess, sentinel.EdgeProperties{}))
		}
	}
	c.fnRoles = nil
}

func (c *connector) subFailure(ctx context.Context, rc *driver.RunContext, out *driver.SyncResult, api, region string, err error) {
	zlog.Warn(ctx).Str("api", api).Err(err).Msg("enumeration failed")
	msg := fmt.Sprintf("%s %s: %v", region, api, err)
	rc.RecordDeadEnd(ctx, engram.DeadEnd{Description: "enumerate " + api, Evidence: msg})
	out.SubFailures = append(out.SubFailures, msg)
}

func (c *connector) describeVpcs(ctx context.Context, api ec2API) ([]ec2types.Vpc, error) {
	var out []ec2types.Vpc
	in := &ec2.DescribeVpcsInput{}
	for {
		page, err := api.DescribeVpcs(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, page.Vpcs...)
		if page.NextToken == nil {
			return out, nil
		}
		in.NextToken = page.NextToken
	}
}

func (c *connector) describeSubnets(ctx context.Context, api ec2API) ([]ec2types.Subnet, error) {
	var out []ec2types.Subnet
	in := &ec2.DescribeSubnetsInput{}
	for {
		page, err := api.DescribeSubnets(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, page.Subnets...)
		if page.NextToken == nil {
			return out, nil
		}
		in.NextToken = page.NextToken
	}
}

func (c *connector) describeSecurityGroups(ctx context.Context, api ec2API) ([]ec2types.SecurityGroup, error) {
	var out []ec2types.SecurityGroup
	in := &ec2.DescribeSecurityGroupsInput{}
	for {
		page, err := api.DescribeSecurityGroups(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, page.SecurityGroups...)
		if page.NextToken == nil {
			return out, nil
		}
		in.NextToken = page.NextToken
	}
}

func (c *connector) describeInstances(ctx context.Context, api ec2API) ([]ec2types.Instance, error) {
	var out []ec2types.Instance
	in := &ec2.DescribeInstancesInput{}
	if n := c.cfg.PageSize; n >= 5 {
		in.MaxResults = awssdk.Int32(int32(n))
	}
	for {
		page, err := api.DescribeInstances(ctx, in)
		if err != nil {
			return out, err
		}
		for _, res := range page.Reservations {
			out = append(out, res.Instances...)
		}
		if page.NextToken == nil {
			return out, nil
		}
		in.NextToken = page.NextToken
	}
}

func (c *connector) describeDBInstances(ctx context.Context, api rdsAPI) ([]rdstypes.DBInstance, error) {
	var out []rdstypes.DBInstance
	in := &rds.DescribeDBInstancesInput{}
	for {
		page, err := api.DescribeDBInstances(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, page.DBInstances...)
		if page.Marker == nil {
			return out, nil
		}
		in.Marker = page.Marker
	}
}

func (c *connector) listFunctions(ctx context.Context, api lambdaAPI) ([]lambdatypes.FunctionConfiguration, error) {
	var out []lambdatypes.FunctionConfiguration
	in := &lambda.ListFunctionsInput{}
	if n := c.cfg.PageSize; n > 0 {
		in.MaxItems = awssdk.Int32(int32(n))
	}
	for {
		page, err := api.ListFunctions(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, page.Functions...)
		if page.NextMarker == nil {
			return out, nil
		}
		in.Marker = page.NextMarker
	}
}

type openPort struct {
	number int
	proto  sentinel.Protocol
}

// worldOpenPorts reports the concrete ports an ingress rule set opens to
// 0.0.0.0/0 or ::/0. Port ranges wider than a single port are skipped.
func worldOpenPorts(perms []ec2types.IpPermission) []openPort {
	var out []openPort
	for _, p := range perms {
		world := false
		for _, r := range p.IpRanges {
			if awssdk.ToString(r.CidrIp) == "0.0.0.0/0" {
				world = true
			}
		}
		for _, r := range p.Ipv6Ranges {
			if awssdk.ToString(r.CidrIpv6) == "::/0" {
				world = true
			}
		}
		if !world || p.FromPort == nil || p.ToPort == nil {
			continue
		}
		from, to := awssdk.ToInt32(p.FromPort), awssdk.ToInt32(p.ToPort)
		if from != to || from <= 0 {
			continue
		}
		proto := sentinel.ProtoTCP
		if awssdk.ToString(p.IpProtocol) == "udp" {
			proto = sentinel.ProtoUDP
		}
		out = append(out, openPort{number: int(from), proto: proto})
	}
	return out
}

func nameTag(tags []ec2types.Tag) string {
	for _, t := range tags {
		if awssdk.ToString(t.Key) == "Name" {
			return awssdk.ToString(t.Value)
		}
	}
	return ""
}

func tagList(tags []ec2types.Tag) []string {
	var out []string
	for _, t := range tags {
		out = append(out, awssdk.ToString(t.Key)+"="+awssdk.ToString(t.Value))
	}
	return out
}

func platformOf(inst ec2types.Instance) string {
	if inst.Platform != "" {
		return string(inst.Platform)
	}
	return awssdk.ToString(inst.PlatformDetails)
}

func dbState(status string) sentinel.ServiceState {
	switch strings.ToLower(status) {
	case "available", "backing-up", "maintenance", "modifying":
		return sentinel.ServiceRunning
	case "stopped", "stopping":
		return sentinel.ServiceStopped
	}
	return sentinel.ServiceUnknown
}

