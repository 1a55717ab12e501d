// Package sentinel holds the core domain types for the Sentinel
// discovery-and-correlation engine: the node and edge variants of the
// multi-tenant property graph, the enumerations shared across services,
// the domain event payloads, and the error domain.
//
// Types in this package are pure values. Anything that talks to a
// database, the network, or the clock lives in a subpackage.
package sentinel
