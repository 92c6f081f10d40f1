// Package balancer selects an endpoint from a candidate set for a given
// service name, implementing SWRR (the default) and a handful of peer
// strategies (SPEC_FULL.md §4.3).
package balancer

// Endpoint is a candidate service instance (§3 ServiceEndpoint).
type Endpoint struct {
	ID       string
	Host     string
	Port     int
	Channel  string
	StreamID int
	Weight   int32
	Version  string // semver major.minor.patch; not validated anywhere in flow
}

// Strategy picks one Endpoint out of candidates for the given service name.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Select returns the chosen endpoint and true, or (_, false) if
	// candidates is empty.
	Select(service string, candidates []Endpoint) (Endpoint, bool)
}

// ConnCounter is consumed by LEAST_CONNECTIONS: callers bracket each send
// with Increment/Decrement around the publication offer.
type ConnCounter interface {
	Increment(endpointID string)
	Decrement(endpointID string)
}
