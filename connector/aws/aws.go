// Package aws discovers AWS assets: EC2 instances, VPCs, subnets, security
// groups, RDS instances, S3 buckets, Lambda functions, and IAM users and
// roles.
package aws

import (
	"context"
	"net/http"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/internal/secrets"
)

// Secret names resolved during Configure. The session token is optional.
const (
	secretAccessKeyID     = "aws/access_key_id"
	secretSecretAccessKey = "aws/secret_access_key"
	secretSessionToken    = "aws/session_token"
)

// Config is the connector's configuration surface.
type Config struct {
	driver.Config `yaml:",inline"`
}

type connector struct {
	name string
	cfg  Config
	c    *clients

	fnRolesMu sync.Mutex
	// fnRoles maps a function's ARN to its execution role ARN, collected
	// during the regional sweeps.
	fnRoles map[string]string
}

var _ driver.Connector = (*connector)(nil)

// NewConnector is the factory registered for the "aws" kind.
func NewConnector(name string) driver.Connector {
	return &connector{name: name}
}

func (c *connector) Name() string      { return c.name }
func (c *connector) Kind() driver.Kind { return driver.KindAWS }

func (c *connector) Configure(ctx context.Context, f driver.ConfigUnmarshaler, hc *http.Client, sec secrets.Store) error {
	const op = `connector/aws/connector.Configure`
	if err := f(&c.cfg); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "malformed configuration", Inner: err}
	}
	if err := c.cfg.Validate(); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "invalid configuration", Inner: err}
	}
	if len(c.cfg.Regions) == 0 {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "at least one region is required"}
	}

	key, err := sec.Get(ctx, secretAccessKeyID)
	if err != nil {
		return err
	}
	secret, err := sec.Get(ctx, secretSecretAccessKey)
	if err != nil {
		return err
	}
	// Optional.
	token, _ := sec.Get(ctx, secretSessionToken)

	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, token)),
		config.WithRegion(c.cfg.Regions[0]),
	}
	if hc != nil {
		opts = append(opts, config.WithHTTPClient(hc))
	}
	if n := c.cfg.Retry.MaxAttempts; n > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(n))
	}
	awscfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrConfig, Message: "loading AWS configuration", Inner: err}
	}
	c.c = newClients(awscfg)
	return nil
}

func (c *connector) HealthCheck(ctx context.Context) error {
	const op = `connector/aws/connector.HealthCheck`
	if c.c == nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	if _, err := c.c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrCredential, Message: "caller identity check failed", Inner: err}
	}
	return nil
}

// Narrow views of the SDK clients, one per API the connector calls. Tests
// substitute stubs.
type (
	stsAPI interface {
		GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	}
	iamAPI interface {
		ListUsers(ctx context.Context, in *iam.ListUsersInput, opts ...func(*iam.Options)) (*iam.ListUsersOutput, error)
		ListRoles(ctx context.Context, in *iam.ListRolesInput, opts ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	}
	s3API interface {
		ListBuckets(ctx context.Context, in *s3.ListBucketsInput, opts ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	}
	ec2API interface {
		DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
		DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, opts ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
		DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
		DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	}
	rdsAPI interface {
		DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, opts ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	}
	lambdaAPI interface {
		ListFunctions(ctx context.Context, in *lambda.ListFunctionsInput, opts ...func(*lambda.Options)) (*lambda.ListFunctionsOutput, error)
	}
)

// regional bundles the region-scoped clients for one region.
type regional struct {
	EC2    ec2API
	RDS    rdsAPI
	Lambda lambdaAPI
}

type clients struct {
	STS stsAPI
	IAM iamAPI
	S3  s3API
	// Regional constructs the region-scoped clients.
	Regional func(region string) regional
}

func newClients(cfg awssdk.Config) *clients {
	return &clients{
		STS: sts.NewFromConfig(cfg),
		IAM: iam.NewFromConfig(cfg),
		S3:  s3.NewFromConfig(cfg),
		Regional: func(region string) regional {
			return regional{
				EC2:    ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region }),
				RDS:    rds.NewFromConfig(cfg, func(o *rds.Options) { o.Region = region }),
				Lambda: lambda.NewFromConfig(cfg, func(o *lambda.Options) { o.Region = region }),
			}
		},
	}
}
