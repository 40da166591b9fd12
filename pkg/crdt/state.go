// Package crdt holds the convergent state a node gossips to its peers: a
// grow-only counter, a snapshot KV store and a replicated log. Every merge
// is safe to apply redundantly and out of order.
package crdt

import "github.com/ryandielhenn/zephyrmesh/pkg/kv"

// State is the full snapshot carried by gossip. Sections that are empty are
// left out of snapshots; a missing section never affects the receiver.
type State struct {
	Counter *Counter  `json:"counter,omitempty"`
	KV      *kv.Store `json:"kv,omitempty"`
	Log     *Log      `json:"log,omitempty"`
}

func NewState() *State {
	return &State{Counter: NewCounter(), KV: kv.NewStore(), Log: NewLog()}
}

// Merge folds remote into s and reports whether s changed.
func (s *State) Merge(remote *State) bool {
	if remote == nil {
		return false
	}
	c := s.Counter.Merge(remote.Counter)
	k := s.KV.Merge(remote.KV)
	l := s.Log.Merge(remote.Log)
	return c || k || l
}

// Snapshot returns a deep copy suitable for handing to another goroutine.
func (s *State) Snapshot() *State {
	out := &State{}
	if s.Counter.Len() > 0 {
		out.Counter = s.Counter.Clone()
	}
	if s.KV.Len() > 0 {
		out.KV = s.KV.Clone()
	}
	if s.Log.Len() > 0 {
		out.Log = s.Log.Clone()
	}
	return out
}
