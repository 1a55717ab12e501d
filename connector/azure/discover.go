package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/engram"
)

// ARM resource shapes, reduced to the fields the mapping reads. Resource
// ids are case-normalized before use as natural keys; ARM is not
// consistent about casing across APIs.

type armVM struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	Properties struct {
		VMID           string `json:"vmId"`
		StorageProfile struct {
			OsDisk struct {
				OsType string `json:"osType"`
			} `json:"osDisk"`
		} `json:"storageProfile"`
	} `json:"properties"`
	Tags map[string]string `json:"tags"`
}

type armVNet struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	Properties struct {
		AddressSpace struct {
			AddressPrefixes []string `json:"addressPrefixes"`
		} `json:"addressSpace"`
		Subnets []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Properties struct {
				AddressPrefix string `json:"addressPrefix"`
			} `json:"properties"`
		} `json:"subnets"`
	} `json:"properties"`
}

type armNIC struct {
	ID         string `json:"id"`
	Properties struct {
		VirtualMachine *struct {
			ID string `json:"id"`
		} `json:"virtualMachine"`
		IPConfigurations []struct {
			Properties struct {
				PrivateIPAddress string `json:"privateIPAddress"`
				Subnet           *struct {
					ID string `json:"id"`
				} `json:"subnet"`
			} `json:"properties"`
		} `json:"ipConfigurations"`
	} `json:"properties"`
}

type armNSG struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		SecurityRules []struct {
			Name       string `json:"name"`
			Properties struct {
				Direction            string `json:"direction"`
				Access               string `json:"access"`
				Protocol             string `json:"protocol"`
				DestinationPortRange string `json:"destinationPortRange"`
				SourceAddressPrefix  string `json:"sourceAddressPrefix"`
			} `json:"properties"`
		} `json:"securityRules"`
	} `json:"properties"`
}

type armPostgres struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		Version                  string `json:"version"`
		FullyQualifiedDomainName string `json:"fullyQualifiedDomainName"`
		State                    string `json:"state"`
	} `json:"properties"`
}

type armStorageAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type armAKS struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		KubernetesVersion string `json:"kubernetesVersion"`
	} `json:"properties"`
}

func (c *connector) Discover(ctx context.Context, rc *driver.RunContext) (*driver.SyncResult, error) {
	const op = `connector/azure/connector.Discover`
	if c.hc == nil {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "connector not configured"}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "connector/azure/connector.Discover")
	out := &driver.SyncResult{}
	tenant := rc.TenantID

	vpcByID := make(map[string]*sentinel.Vpc)
	subnetByID := make(map[string]*sentinel.Subnet)
	vnets, err := collect[armVNet](ctx, c, c.listURL("Microsoft.Network/virtualNetworks", apiNetwork))
	if err != nil {
		c.subFailure(ctx, rc, out, "virtual networks", err)
	}
	for _, vn := range vnets {
		if !c.cfg.Allows("vnet", vn.Name) {
			continue
		}
		id := normID(vn.ID)
		vpc := &sentinel.Vpc{
			TenantID:      tenant,
			VpcID:         id,
			Name:          vn.Name,
			CloudProvider: sentinel.CloudAzure,
			Region:        vn.Location,
		}
		if ps := vn.Properties.AddressSpace.AddressPrefixes; len(ps) != 0 {
			vpc.CIDR = ps[0]
		}
		out.Vpcs = append(out.Vpcs, vpc)
		vpcByID[id] = vpc
		for _, sn := range vn.Properties.Subnets {
			sid := normID(sn.ID)
			node := &sentinel.Subnet{
				TenantID:      tenant,
				CIDR:          sn.Properties.AddressPrefix,
				Name:          sn.Name,
				CloudProvider: sentinel.CloudAzure,
				SourceID:      sid,
				VpcID:         id,
				Region:        vn.Location,
			}
			out.Subnets = append(out.Subnets, node)
			subnetByID[sid] = node
			out.Edges = append(out.Edges, rc.MakeEdge(node, vpc, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
		}
	}

	// NICs carry the VM-to-subnet attachment and the private address.
	type attachment struct {
		ip     string
		subnet string
	}
	attachByVM := make(map[string]attachment)
	nics, err := collect[armNIC](ctx, c, c.listURL("Microsoft.Network/networkInterfaces", apiNetwork))
	if err != nil {
		c.subFailure(ctx, rc, out, "network interfaces", err)
	}
	for _, nic := range nics {
		if nic.Properties.VirtualMachine == nil {
			continue
		}
		vmID := normID(nic.Properties.VirtualMachine.ID)
		for _, ipc := range nic.Properties.IPConfigurations {
			a := attachment{ip: ipc.Properties.PrivateIPAddress}
			if ipc.Properties.Subnet != nil {
				a.subnet = normID(ipc.Properties.Subnet.ID)
			}
			attachByVM[vmID] = a
			break
		}
	}

	vms, err := collect[armVM](ctx, c, c.listURL("Microsoft.Compute/virtualMachines", apiCompute))
	if err != nil {
		c.subFailure(ctx, rc, out, "virtual machines", err)
	}
	for _, vm := range vms {
		if !c.cfg.Allows("vm", vm.Name) {
			continue
		}
		id := normID(vm.ID)
		host := &sentinel.Host{
			TenantID:        tenant,
			Hostname:        vm.Name,
			OS:              strings.ToLower(vm.Properties.StorageProfile.OsDisk.OsType),
			CloudProvider:   sentinel.CloudAzure,
			CloudInstanceID: id,
			CloudRegion:     vm.Location,
			Tags:            tagList(vm.Tags),
		}
		a := attachByVM[id]
		host.IP = a.ip
		out.Hosts = append(out.Hosts, host)
		if sn, ok := subnetByID[a.subnet]; ok {
			out.Edges = append(out.Edges, rc.MakeEdge(host, sn, sentinel.EdgeBelongsToSubnet, sentinel.EdgeProperties{}))
			if vpc, ok := vpcByID[sn.VpcID]; ok {
				out.Edges = append(out.Edges, rc.MakeEdge(host, vpc, sentinel.EdgeBelongsToVpc, sentinel.EdgeProperties{}))
			}
		}
	}

	nsgs, err := collect[armNSG](ctx, c, c.listURL("Microsoft.Network/networkSecurityGroups", apiNetwork))
	if err != nil {
		c.subFailure(ctx, rc, out, "network security groups", err)
	}
	for _, g := range nsgs {
		if !c.cfg.Allows("nsg", g.Name) {
			continue
		}
		rules, _ := json.Marshal(g.Properties.SecurityRules)
		out.Policies = append(out.Policies, &sentinel.Policy{
			TenantID:   tenant,
			Name:       g.Name,
			PolicyType: sentinel.PolicySecurityGroup,
			Source:     string(sentinel.CloudAzure),
			SourceID:   normID(g.ID),
			Rules:      string(rules),
		})
	}

	dbs, err := collect[armPostgres](ctx, c, c.listURL("Microsoft.DBforPostgreSQL/flexibleServers", apiPostgres))
	if err != nil {
		c.subFailure(ctx, rc, out, "postgres servers", err)
	}
	for _, db := range dbs {
		if !c.cfg.Allows("db_server", db.Name) {
			continue
		}
		state := sentinel.ServiceUnknown
		switch strings.ToLower(db.Properties.State) {
		case "ready":
			state = sentinel.ServiceRunning
		case "stopped", "stopping":
			state = sentinel.ServiceStopped
		}
		out.Services = append(out.Services, &sentinel.Service{
			TenantID: tenant,
			Name:     db.Name,
			Version:  db.Properties.Version,
			Port:     5432,
			Protocol: sentinel.ProtoTCP,
			State:    state,
			HostKey:  normID(db.ID),
		})
	}

	accounts, err := collect[armStorageAccount](ctx, c, c.listURL("Microsoft.Storage/storageAccounts", apiStorage))
	if err != nil {
		c.subFailure(ctx, rc, out, "storage accounts", err)
	}
	for _, sa := range accounts {
		if !c.cfg.Allows("storage_account", sa.Name) {
			continue
		}
		out.Applications = append(out.Applications, &sentinel.Application{
			TenantID: tenant,
			Name:     sa.Name,
			AppType:  sentinel.AppObjectStore,
			SourceID: normID(sa.ID),
		})
	}

	clusters, err := collect[armAKS](ctx, c, c.listURL("Microsoft.ContainerService/managedClusters", apiContainer))
	if err != nil {
		c.subFailure(ctx, rc, out, "aks clusters", err)
	}
	for _, cl := range clusters {
		if !c.cfg.Allows("cluster", cl.Name) {
			continue
		}
		out.Applications = append(out.Applications, &sentinel.Application{
			TenantID: tenant,
			Name:     cl.Name,
			Version:  cl.Properties.KubernetesVersion,
			AppType:  sentinel.AppCluster,
			SourceID: normID(cl.ID),
		})
	}

	rc.RecordAction(ctx, engram.Action{
		Kind: "enumerate", Target: "arm:" + c.cfg.SubscriptionID, Outcome: "ok",
		Counts: map[string]int{
			"vms":     len(out.Hosts),
			"vnets":   len(out.Vpcs),
			"subnets": len(out.Subnets),
			"nsgs":    len(out.Policies),
			"dbs":     len(out.Services),
			"apps":    len(out.Applications),
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

// normID lower-cases an ARM resource id so it is stable as a natural key.
func normID(id string) string { return strings.ToLower(id) }

func tagList(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+"="+v)
	}
	// Stable order so re-observations do not register as property changes.
	sort.Strings(out)
	return out
}
