package sentinel

// The string-valued enumerations below are stored verbatim as graph
// properties and on the wire. Values mirror the identity and cloud sources
// the connectors understand.

// Protocol is a network protocol attributed to a Service, Port, or edge.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoHTTP  Protocol = "http"
	ProtoHTTPS Protocol = "https"
	ProtoSSH   Protocol = "ssh"
	ProtoRDP   Protocol = "rdp"
	ProtoDNS   Protocol = "dns"
)

// ServiceState is the observed run state of a Service.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceUnknown ServiceState = "unknown"
)

// PortState is the observed state of a Port.
type PortState string

const (
	PortOpen     PortState = "open"
	PortClosed   PortState = "closed"
	PortFiltered PortState = "filtered"
)

// UserType distinguishes human accounts from machine identities.
type UserType string

const (
	UserHuman          UserType = "human"
	UserServiceAccount UserType = "service_account"
	UserSystem         UserType = "system"
)

// IdentitySource is the identity system a User, Group, or Role came from.
type IdentitySource string

const (
	SourceEntraID   IdentitySource = "entra_id"
	SourceOkta      IdentitySource = "okta"
	SourceAwsIam    IdentitySource = "aws_iam"
	SourceAzureRbac IdentitySource = "azure_rbac"
	SourceGcpIam    IdentitySource = "gcp_iam"
	SourceLocal     IdentitySource = "local"
)

// PolicyType classifies a Policy node.
type PolicyType string

const (
	PolicyIam               PolicyType = "iam_policy"
	PolicyFirewallRule      PolicyType = "firewall_rule"
	PolicySecurityGroup     PolicyType = "security_group"
	PolicyConditionalAccess PolicyType = "conditional_access"
	PolicyNetworkAcl        PolicyType = "network_acl"
)

// AppType classifies an Application node.
type AppType string

const (
	AppWebApp         AppType = "web_app"
	AppContainerImage AppType = "container_image"
	AppObjectStore    AppType = "object_store"
	AppLambda         AppType = "lambda"
	AppDaemon         AppType = "daemon"
	AppDatabase       AppType = "database"
	AppCluster        AppType = "cluster"
)

// CloudProvider names the cloud a resource was discovered in.
type CloudProvider string

const (
	CloudAWS    CloudProvider = "aws"
	CloudAzure  CloudProvider = "azure"
	CloudGCP    CloudProvider = "gcp"
	CloudOnPrem CloudProvider = "on_prem"
)
