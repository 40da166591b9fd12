package kv

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Store is an in-memory register map with whole-state replacement on merge.
// It is owned by a single goroutine; gossip hands out clones.
type Store struct {
	data map[int]int
}

func NewStore() *Store {
	return &Store{data: make(map[int]int)}
}

func (s *Store) Put(key, val int) {
	s.data[key] = val
}

func (s *Store) Get(key int) (int, bool) {
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Len() int {
	return len(s.data)
}

// Snapshot returns a copy of the current mapping.
func (s *Store) Snapshot() map[int]int {
	return maps.Clone(s.data)
}

func (s *Store) Clone() *Store {
	return &Store{data: maps.Clone(s.data)}
}

// Apply runs a transaction. Reads observe the state as it was before the
// transaction started; writes are applied in order. The returned ops carry
// the values read.
func (s *Store) Apply(txn []Op) []Op {
	before := maps.Clone(s.data)
	out := make([]Op, 0, len(txn))
	for _, op := range txn {
		switch op.Op {
		case OpRead:
			r := Op{Op: OpRead, Key: op.Key}
			if v, ok := before[op.Key]; ok {
				r.Value = &v
			}
			out = append(out, r)
		case OpWrite:
			v := 0
			if op.Value != nil {
				v = *op.Value
			}
			s.data[op.Key] = v
			out = append(out, Op{Op: OpWrite, Key: op.Key, Value: &v})
		}
	}
	return out
}

// Merge replaces the local mapping with remote's. An empty or missing remote
// leaves local untouched. Reports whether anything changed.
func (s *Store) Merge(remote *Store) bool {
	if remote == nil || len(remote.data) == 0 {
		return false
	}
	if maps.Equal(s.data, remote.data) {
		return false
	}
	s.data = maps.Clone(remote.data)
	return true
}

func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.data)
}

func (s *Store) UnmarshalJSON(b []byte) error {
	data := make(map[int]int)
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("kv: %w", err)
	}
	if data == nil {
		data = make(map[int]int)
	}
	s.data = data
	return nil
}
