package crdt

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Topic is one append-only log. Offsets are written once and never
// overwritten; committed offsets per replica only move forward.
type Topic struct {
	Messages  map[int]int    `json:"messages"`
	Committed map[string]int `json:"committed"`
}

func newTopic() *Topic {
	return &Topic{Messages: make(map[int]int), Committed: make(map[string]int)}
}

func (t *Topic) clone() *Topic {
	c := &Topic{Messages: maps.Clone(t.Messages), Committed: maps.Clone(t.Committed)}
	if c.Messages == nil {
		c.Messages = make(map[int]int)
	}
	if c.Committed == nil {
		c.Committed = make(map[string]int)
	}
	return c
}

// Log is a set of topics keyed by name. Topics are created on first use and
// never deleted.
type Log struct {
	topics map[string]*Topic
}

func NewLog() *Log {
	return &Log{topics: make(map[string]*Topic)}
}

func (l *Log) topic(name string) *Topic {
	t, ok := l.topics[name]
	if !ok {
		t = newTopic()
		l.topics[name] = t
	}
	return t
}

// Append stores value at offset unless the offset is already taken.
// Returns false when the offset was set before.
func (l *Log) Append(topic string, offset, value int) bool {
	t := l.topic(topic)
	if _, ok := t.Messages[offset]; ok {
		return false
	}
	t.Messages[offset] = value
	return true
}

// Poll returns every [offset, value] pair with offset >= from, ascending.
// Unknown topics yield an empty result.
func (l *Log) Poll(topic string, from int) [][2]int {
	out := [][2]int{}
	t, ok := l.topics[topic]
	if !ok {
		return out
	}
	for _, off := range slices.Sorted(maps.Keys(t.Messages)) {
		if off >= from {
			out = append(out, [2]int{off, t.Messages[off]})
		}
	}
	return out
}

// Commit records that replica has processed topic up to offset. The stored
// value never decreases. Returns whether it moved.
func (l *Log) Commit(topic, replica string, offset int) bool {
	t := l.topic(topic)
	if cur, ok := t.Committed[replica]; ok && cur >= offset {
		return false
	}
	t.Committed[replica] = offset
	return true
}

func (l *Log) Committed(topic, replica string) (int, bool) {
	t, ok := l.topics[topic]
	if !ok {
		return 0, false
	}
	off, ok := t.Committed[replica]
	return off, ok
}

// Topics returns topic names in sorted order.
func (l *Log) Topics() []string {
	return slices.Sorted(maps.Keys(l.topics))
}

func (l *Log) Len() int {
	return len(l.topics)
}

// Merge folds remote into l: unknown topics are adopted, known topics gain
// any offsets they lack (existing offsets are kept), and committed offsets
// take the per-replica maximum.
func (l *Log) Merge(remote *Log) bool {
	if remote == nil {
		return false
	}
	changed := false
	for name, rt := range remote.topics {
		lt, ok := l.topics[name]
		if !ok {
			l.topics[name] = rt.clone()
			changed = true
			continue
		}
		for off, v := range rt.Messages {
			if _, ok := lt.Messages[off]; !ok {
				lt.Messages[off] = v
				changed = true
			}
		}
		for replica, off := range rt.Committed {
			if cur, ok := lt.Committed[replica]; !ok || off > cur {
				lt.Committed[replica] = off
				changed = true
			}
		}
	}
	return changed
}

func (l *Log) Clone() *Log {
	c := &Log{topics: make(map[string]*Topic, len(l.topics))}
	for name, t := range l.topics {
		c.topics[name] = t.clone()
	}
	return c
}

func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.topics)
}

func (l *Log) UnmarshalJSON(b []byte) error {
	topics := make(map[string]*Topic)
	if err := json.Unmarshal(b, &topics); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	l.topics = make(map[string]*Topic, len(topics))
	for name, t := range topics {
		if t == nil {
			continue
		}
		l.topics[name] = t.clone()
	}
	return nil
}
