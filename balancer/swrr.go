package balancer

import "sync"

// weightedNode is the per-endpoint SWRR state (§3 WeightedNode).
type weightedNode struct {
	endpoint        Endpoint
	effectiveWeight int32
	currentWeight   int32
}

// SWRR implements the smooth weighted round-robin algorithm of §4.3,
// maintaining one node table per service name so independent services
// don't perturb each other's sequences.
type SWRR struct {
	mu    sync.Mutex
	nodes map[string][]*weightedNode // service -> ordered nodes, insertion order preserved
}

// NewSWRR builds an empty SWRR balancer.
func NewSWRR() *SWRR {
	return &SWRR{nodes: make(map[string][]*weightedNode)}
}

// Select implements Strategy. Candidate order is significant for
// tie-breaking (§6 resolver contract, §4.3 step 5).
func (s *SWRR) Select(service string, candidates []Endpoint) (Endpoint, bool) {
	if len(candidates) == 0 {
		return Endpoint{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := s.reconcileLocked(service, candidates)

	var total int32
	for _, n := range nodes {
		total += n.effectiveWeight
	}
	if total == 0 {
		// Deterministic tie-breaker: first endpoint in the list.
		return candidates[0], true
	}

	for _, n := range nodes {
		n.currentWeight += n.effectiveWeight
	}

	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.currentWeight > best.currentWeight {
			best = n
		}
	}
	best.currentWeight -= total

	return best.endpoint, true
}

// reconcileLocked removes nodes for absent endpoints and adds nodes for new
// ones with current_weight reset to 0, preserving candidates' order.
func (s *SWRR) reconcileLocked(service string, candidates []Endpoint) []*weightedNode {
	existing := make(map[string]*weightedNode, len(s.nodes[service]))
	for _, n := range s.nodes[service] {
		existing[n.endpoint.ID] = n
	}

	nodes := make([]*weightedNode, 0, len(candidates))
	for _, ep := range candidates {
		if n, ok := existing[ep.ID]; ok && n.endpoint.Weight == ep.Weight {
			n.endpoint = ep
			nodes = append(nodes, n)
			continue
		}
		// New endpoint, or an endpoint whose weight changed: start fresh
		// with current_weight = 0 (§4.3 "Updating weights").
		nodes = append(nodes, &weightedNode{
			endpoint:        ep,
			effectiveWeight: ep.Weight,
		})
	}

	s.nodes[service] = nodes
	return nodes
}
