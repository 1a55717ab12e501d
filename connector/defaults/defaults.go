// Package defaults wires the in-tree connectors into a registry.
package defaults

import (
	"github.com/sentinelsec/sentinel/connector/aws"
	"github.com/sentinelsec/sentinel/connector/azure"
	"github.com/sentinelsec/sentinel/connector/driver"
	"github.com/sentinelsec/sentinel/connector/entraid"
	"github.com/sentinelsec/sentinel/connector/gcp"
	"github.com/sentinelsec/sentinel/connector/okta"
)

// Registry returns a registry populated with every in-tree connector.
func Registry() *driver.Registry {
	r := driver.NewRegistry()
	r.Register(driver.KindAWS, aws.NewConnector)
	r.Register(driver.KindAzure, azure.NewConnector)
	r.Register(driver.KindGCP, gcp.NewConnector)
	r.Register(driver.KindEntraID, entraid.NewConnector)
	r.Register(driver.KindOkta, okta.NewConnector)
	return r
}
