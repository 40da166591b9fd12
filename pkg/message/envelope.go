// Package message defines the envelope, body and payload shapes exchanged
// between nodes, clients and the linearizable KV service, together with
// their newline-delimited JSON encoding.
package message

import "sync/atomic"

// Envelope is one message on the wire. It is treated as immutable once built.
type Envelope struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// Body carries the optional correlation ids and exactly one payload variant.
type Body struct {
	MsgID     *int
	InReplyTo *int
	Payload   Payload
}

// New builds an envelope from its parts.
func New(src, dest string, msgID, inReplyTo *int, p Payload) Envelope {
	return Envelope{Src: src, Dest: dest, Body: Body{MsgID: msgID, InReplyTo: inReplyTo, Payload: p}}
}

// Type returns the payload's wire tag, or "" if no payload is set.
func (e Envelope) Type() string {
	if e.Body.Payload == nil {
		return ""
	}
	return e.Body.Payload.Type()
}

// ID returns the message id and whether one is set.
func (e Envelope) ID() (int, bool) {
	if e.Body.MsgID == nil {
		return 0, false
	}
	return *e.Body.MsgID, true
}

// ReplyTo returns the in_reply_to id and whether one is set.
func (e Envelope) ReplyTo() (int, bool) {
	if e.Body.InReplyTo == nil {
		return 0, false
	}
	return *e.Body.InReplyTo, true
}

// IsGossip reports whether the envelope carries a state snapshot.
func (e Envelope) IsGossip() bool {
	_, ok := e.Body.Payload.(*Gossip)
	return ok
}

// Sequence hands out local message ids. Ids start at 0 and are never reused.
type Sequence struct {
	next atomic.Int64
}

// Next returns a fresh id.
func (s *Sequence) Next() int {
	return int(s.next.Add(1) - 1)
}

// NextPtr is Next for use in a Body.
func (s *Sequence) NextPtr() *int {
	id := s.Next()
	return &id
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
