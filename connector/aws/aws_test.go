package aws

import (
	"context"
	"testing"

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
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
)

type stubSTS struct{ err error }

func (s *stubSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &sts.GetCallerIdentityOutput{Account: awssdk.String("123456789012")}, nil
}

type stubIAM struct{}

func (stubIAM) ListUsers(_ context.Context, _ *iam.ListUsersInput, _ ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	return &iam.ListUsersOutput{Users: []iamtypes.User{{
		UserName: awssdk.String("alice"),
		Arn:      awssdk.String("arn:aws:iam::123456789012:user/alice"),
	}}}, nil
}

func (stubIAM) ListRoles(_ context.Context, _ *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	return &iam.ListRolesOutput{Roles: []iamtypes.Role{{
		RoleName: awssdk.String("app-exec"),
		Arn:      awssdk.String("arn:aws:iam::123456789012:role/app-exec"),
	}}}, nil
}

type stubS3 struct{}

func (stubS3) ListBuckets(_ context.Context, _ *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	return &s3.ListBucketsOutput{Buckets: []s3types.Bucket{
		{Name: awssdk.String("prod-data")},
		{Name: awssdk.String("prod-scratch")},
	}}, nil
}

type stubEC2 struct{ err error }

func (s *stubEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{
		VpcId:     awssdk.String("vpc-1"),
		CidrBlock: awssdk.String("10.0.0.0/16"),
		Tags:      []ec2types.Tag{{Key: awssdk.String("Name"), Value: awssdk.String("prod")}},
	}}}, nil
}

func (s *stubEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{{
		SubnetId:            awssdk.String("subnet-1"),
		VpcId:               awssdk.String("vpc-1"),
		CidrBlock:           awssdk.String("10.0.1.0/24"),
		MapPublicIpOnLaunch: awssdk.Bool(true),
	}}}, nil
}

func (s *stubEC2) DescribeSecurityGroups(_ context.Context, _ *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{{
		GroupId:   awssdk.String("sg-1"),
		GroupName: awssdk.String("web"),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: awssdk.String("tcp"),
			FromPort:   awssdk.Int32(443),
			ToPort:     awssdk.Int32(443),
			IpRanges:   []ec2types.IpRange{{CidrIp: awssdk.String("0.0.0.0/0")}},
		}},
	}}}, nil
}

func (s *stubEC2) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
		Instances: []ec2types.Instance{{
			InstanceId:       awssdk.String("i-1"),
			PrivateIpAddress: awssdk.String("10.0.1.5"),
			PublicIpAddress:  awssdk.String("54.1.2.3"),
			PrivateDnsName:   awssdk.String("ip-10-0-1-5.ec2.internal"),
			SubnetId:         awssdk.String("subnet-1"),
			VpcId:            awssdk.String("vpc-1"),
			SecurityGroups:   []ec2types.GroupIdentifier{{GroupId: awssdk.String("sg-1"), GroupName: awssdk.String("web")}},
			Tags:             []ec2types.Tag{{Key: awssdk.String("Name"), Value: awssdk.String("web-1")}},
		}},
	}}}, nil
}

type stubRDS struct{}

func (stubRDS) DescribeDBInstances(_ context.Context, _ *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{{
		DBInstanceIdentifier: awssdk.String("orders-db"),
		Engine:               awssdk.String("postgres"),
		EngineVersion:        awssdk.String("16.3"),
		DBInstanceStatus:     awssdk.String("available"),
		DbiResourceId:        awssdk.String("db-ABC123"),
		Endpoint:             &rdstypes.Endpoint{Address: awssdk.String("orders.x.rds.amazonaws.com"), Port: awssdk.Int32(5432)},
		DBSubnetGroup:        &rdstypes.DBSubnetGroup{VpcId: awssdk.String("vpc-1")},
	}}}, nil
}

type stubLambda struct{}

func (stubLambda) ListFunctions(_ context.Context, _ *lambda.ListFunctionsInput, _ ...func(*lambda.Options)) (*lambda.ListFunctionsOutput, error) {
	return &lambda.ListFunctionsOutput{Functions: []lambdatypes.FunctionConfiguration{{
		FunctionName: awssdk.String("resize-images"),
		FunctionArn:  awssdk.String("arn:aws:lambda:us-east-1:123456789012:function:resize-images"),
		Version:      awssdk.String("7"),
		Role:         awssdk.String("arn:aws:iam::123456789012:role/app-exec"),
	}}}, nil
}

func stubConnector(cfg Config, ec2c ec2API) *connector {
	return &connector{
		name: "test",
		cfg:  cfg,
		c: &clients{
			STS: &stubSTS{},
			IAM: stubIAM{},
			S3:  stubS3{},
			Regional: func(string) regional {
				return regional{EC2: ec2c, RDS: stubRDS{}, Lambda: stubLambda{}}
			},
		},
	}
}

func TestDiscover(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	cfg := Config{}
	cfg.Regions = []string{"us-east-1"}
	cfg.Exclude = map[string][]string{"bucket": {"*-scratch"}}
	c := stubConnector(cfg, &stubEC2{})
	rc := &driver.RunContext{TenantID: uuid.New()}

	result, err := c.Discover(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.SubFailures) != 0 {
		t.Fatalf("unexpected sub-failures: %v", result.SubFailures)
	}
	if got := len(result.Hosts); got != 1 {
		t.Fatalf("got %d hosts, want 1", got)
	}
	h := result.Hosts[0]
	if h.CloudInstanceID != "i-1" || h.CloudProvider != sentinel.CloudAWS || h.CloudRegion != "us-east-1" {
		t.Errorf("bad host: %+v", h)
	}
	if got := len(result.Vpcs); got != 1 {
		t.Errorf("got %d vpcs, want 1", got)
	}
	if got := len(result.Subnets); got != 1 {
		t.Errorf("got %d subnets, want 1", got)
	}
	if got := len(result.Policies); got != 1 {
		t.Errorf("got %d policies, want 1", got)
	}
	// The scratch bucket is excluded; the data bucket and the function stay.
	var buckets, lambdas int
	for _, a := range result.Applications {
		switch a.AppType {
		case sentinel.AppObjectStore:
			buckets++
		case sentinel.AppLambda:
			lambdas++
		}
	}
	if buckets != 1 || lambdas != 1 {
		t.Errorf("got %d buckets and %d lambdas, want 1 and 1", buckets, lambdas)
	}
	// The public instance with a world-open 443 yields one open port.
	if got := len(result.Ports); got != 1 {
		t.Fatalf("got %d ports, want 1", got)
	}
	if p := result.Ports[0]; p.Number != 443 || p.Protocol != sentinel.ProtoTCP {
		t.Errorf("bad port: %+v", p)
	}

	wantEdges := map[sentinel.EdgeKind]int{
		sentinel.EdgeBelongsToVpc:    3, // subnet, host, rds service
		sentinel.EdgeBelongsToSubnet: 1,
		sentinel.EdgeHasAccess:       2, // host→security group, lambda→role
		sentinel.EdgeExposes:         1,
	}
	got := map[sentinel.EdgeKind]int{}
	for _, e := range result.Edges {
		got[e.Kind]++
	}
	for k, want := range wantEdges {
		if got[k] != want {
			t.Errorf("edge kind %s: got %d, want %d", k, got[k], want)
		}
	}
}

// pagedIAM serves its fixtures one item per page, exercising the
// IsTruncated/Marker loop.
type pagedIAM struct{}

func (pagedIAM) ListUsers(_ context.Context, in *iam.ListUsersInput, _ ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	if in.Marker == nil {
		return &iam.ListUsersOutput{
			Users: []iamtypes.User{{
				UserName: awssdk.String("alice"),
				Arn:      awssdk.String("arn:aws:iam::123456789012:user/alice"),
			}},
			IsTruncated: true,
			Marker:      awssdk.String("u2"),
		}, nil
	}
	return &iam.ListUsersOutput{Users: []iamtypes.User{{
		UserName: awssdk.String("bob"),
		Arn:      awssdk.String("arn:aws:iam::123456789012:user/bob"),
	}}}, nil
}

func (pagedIAM) ListRoles(_ context.Context, in *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if in.Marker == nil {
		return &iam.ListRolesOutput{
			Roles: []iamtypes.Role{{
				RoleName: awssdk.String("app-exec"),
				Arn:      awssdk.String("arn:aws:iam::123456789012:role/app-exec"),
			}},
			IsTruncated: true,
			Marker:      awssdk.String("r2"),
		}, nil
	}
	return &iam.ListRolesOutput{Roles: []iamtypes.Role{{
		RoleName: awssdk.String("ci-deploy"),
		Arn:      awssdk.String("arn:aws:iam::123456789012:role/ci-deploy"),
	}}}, nil
}

func TestIAMPaging(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	cfg := Config{}
	cfg.Regions = []string{"us-east-1"}
	cfg.PageSize = 1
	c := stubConnector(cfg, &stubEC2{})
	c.c.IAM = pagedIAM{}

	users, err := c.listUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(users); got != 2 {
		t.Errorf("got %d users, want 2", got)
	}
	roles, err := c.listRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(roles); got != 2 {
		t.Errorf("got %d roles, want 2", got)
	}
}

// The regional fan-out must produce the same graph whether the regions run
// one at a time or all at once.
func TestDiscoverParallelismEquivalence(t *testing.T) {
	tenant := uuid.New()
	run := func(t *testing.T, parallelism int) *driver.SyncResult {
		ctx := zlog.Test(context.Background(), t)
		cfg := Config{}
		cfg.Regions = []string{"us-east-1", "us-west-2", "eu-west-1", "ap-southeast-2"}
		cfg.MaxParallelism = parallelism
		c := stubConnector(cfg, &stubEC2{})
		result, err := c.Discover(ctx, &driver.RunContext{TenantID: tenant})
		if err != nil {
			t.Fatal(err)
		}
		if len(result.SubFailures) != 0 {
			t.Fatalf("unexpected sub-failures: %v", result.SubFailures)
		}
		return result
	}
	summarize := func(r *driver.SyncResult) map[string]int {
		sum := map[string]int{}
		for _, n := range r.Nodes() {
			sum[n.Label()+"/"+n.ID()]++
		}
		for _, e := range r.Edges {
			sum["edge/"+e.Key()]++
		}
		return sum
	}

	serial := summarize(run(t, 1))
	parallel := summarize(run(t, 32))
	if !cmp.Equal(serial, parallel) {
		t.Error(cmp.Diff(serial, parallel))
	}
}

func TestDiscoverPartialOnRegionFailure(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	cfg := Config{}
	cfg.Regions = []string{"us-east-1"}
	c := stubConnector(cfg, &stubEC2{err: &sentinel.Error{Kind: sentinel.ErrTransient, Message: "throttled"}})
	rc := &driver.RunContext{TenantID: uuid.New()}

	result, err := c.Discover(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.SubFailures) == 0 {
		t.Fatal("expected sub-failures from the failing EC2 API")
	}
	// RDS and Lambda still enumerated.
	if len(result.Services) != 1 {
		t.Errorf("got %d services, want 1", len(result.Services))
	}
}

func TestHealthCheckCredentialFailure(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	c := stubConnector(Config{}, &stubEC2{})
	c.c.STS = &stubSTS{err: &sentinel.Error{Kind: sentinel.ErrCredential, Message: "denied"}}
	err := c.HealthCheck(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
}
