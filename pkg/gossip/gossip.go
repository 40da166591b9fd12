package gossip

import "slices"

// Reachable returns every node reachable from sender over topology edges
// without passing through self. The sender counts as reached.
func (m *Membership) Reachable(sender string) map[string]struct{} {
	visited := map[string]struct{}{m.self: {}, sender: {}}
	queue := []string{sender}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range m.topology[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	delete(visited, m.self)
	return visited
}

// Targets returns, in sorted order, the peers that a change triggered by
// sender must be relayed to: every peer other than self that sender could
// not already have reached through the topology.
func (m *Membership) Targets(sender string) []string {
	reached := m.Reachable(sender)
	out := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		if p == m.self {
			continue
		}
		if _, ok := reached[p]; ok {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
