package gossip

import "slices"

// Membership is the node's view of the cluster: its own id, the peer list
// received at init and the adjacency map from the latest topology update.
// Both are replaced wholesale on update. Not safe for concurrent use; the
// orchestrator owns it.
type Membership struct {
	self     string
	peers    []string
	topology map[string][]string
}

func NewMembership() *Membership {
	return &Membership{topology: make(map[string][]string)}
}

// Init records the local id and the full peer list (which may include self).
func (m *Membership) Init(self string, peers []string) {
	m.self = self
	m.peers = slices.Clone(peers)
}

// SetTopology replaces the adjacency map.
func (m *Membership) SetTopology(topo map[string][]string) {
	next := make(map[string][]string, len(topo))
	for id, nbrs := range topo {
		next[id] = slices.Clone(nbrs)
	}
	m.topology = next
}

func (m *Membership) Self() string {
	return m.self
}

// Peers returns every known node except self.
func (m *Membership) Peers() []string {
	out := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		if p != m.self {
			out = append(out, p)
		}
	}
	return out
}

// IsPeer reports whether id is a cluster member other than self.
func (m *Membership) IsPeer(id string) bool {
	return id != m.self && slices.Contains(m.peers, id)
}

// Neighbors returns the topology neighbours of id.
func (m *Membership) Neighbors(id string) []string {
	return slices.Clone(m.topology[id])
}

// Topology returns a copy of the adjacency map.
func (m *Membership) Topology() map[string][]string {
	out := make(map[string][]string, len(m.topology))
	for id, nbrs := range m.topology {
		out[id] = slices.Clone(nbrs)
	}
	return out
}
