// Package gossip tracks the cluster's fixed membership and the known
// topology, and decides which peers need a fresh relay when local state
// changes.
//
// The fanout approximates spanning-tree broadcast: a breadth-first walk from
// the peer that triggered the change, with the local node treated as already
// visited, finds everything the trigger could have informed on its own.
// Only the remaining peers are relayed to. With no topology nothing beyond
// the trigger is reachable and the fanout degrades to a full flood.
//
// Typical usage:
//
//	m := gossip.NewMembership()
//	m.Init("n1", []string{"n1", "n2", "n3"})
//	m.SetTopology(topo)
//	for _, peer := range m.Targets(sender) { ... }
//
// The walk is O(V+E) per event, which is fine for small clusters but is
// recomputed on every trigger.
package gossip
