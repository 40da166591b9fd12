package crdt

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Counter is a grow-only counter built from uniquely identified increment
// records. The total always equals the sum of the deltas of the records held.
type Counter struct {
	records map[string]int
	total   int
}

func NewCounter() *Counter {
	return &Counter{records: make(map[string]int)}
}

// RecordID names an increment issued by node as its seq-th local message.
func RecordID(node string, seq, delta int) string {
	return fmt.Sprintf("%s_%d_%d", node, seq, delta)
}

// Add applies an increment record. Adding a record that is already present
// is a no-op and returns false.
func (c *Counter) Add(id string, delta int) bool {
	if _, ok := c.records[id]; ok {
		return false
	}
	c.records[id] = delta
	c.total += delta
	return true
}

func (c *Counter) Value() int {
	return c.total
}

// Records returns the applied record ids in sorted order.
func (c *Counter) Records() []string {
	return slices.Sorted(maps.Keys(c.records))
}

// Merge unions remote's records into c. Each record new to c contributes its
// delta exactly once.
func (c *Counter) Merge(remote *Counter) bool {
	if remote == nil {
		return false
	}
	changed := false
	for id, delta := range remote.records {
		if c.Add(id, delta) {
			changed = true
		}
	}
	return changed
}

func (c *Counter) Clone() *Counter {
	return &Counter{records: maps.Clone(c.records), total: c.total}
}

func (c *Counter) Len() int {
	return len(c.records)
}

type counterJSON struct {
	Records map[string]int `json:"records"`
	Total   int            `json:"total"`
}

func (c *Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterJSON{Records: c.records, Total: c.total})
}

// UnmarshalJSON recomputes the total from the records rather than trusting
// the sender's figure.
func (c *Counter) UnmarshalJSON(b []byte) error {
	var aux counterJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return fmt.Errorf("counter: %w", err)
	}
	c.records = make(map[string]int, len(aux.Records))
	c.total = 0
	for id, delta := range aux.Records {
		c.records[id] = delta
		c.total += delta
	}
	return nil
}
