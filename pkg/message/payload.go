package message

import (
	"encoding/json"

	"github.com/ryandielhenn/zephyrmesh/pkg/crdt"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
)

// Payload is the closed set of message variants. Only types in this package
// implement it; dispatch sites switch over every variant.
type Payload interface {
	Type() string
	sealed()
}

type Echo struct {
	Echo string `json:"echo"`
}

type EchoOk struct {
	Echo string `json:"echo"`
}

type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type InitOk struct{}

type Topology struct {
	Topology map[string][]string `json:"topology"`
}

type TopologyOk struct{}

// Gossip carries a full state snapshot for anti-entropy.
type Gossip struct {
	ReceivedState *crdt.State `json:"received_state"`
}

type GossipOk struct{}

type Generate struct{}

type GenerateOk struct {
	ID string `json:"id"`
}

type Broadcast struct {
	Message int `json:"message"`
}

type BroadcastOk struct{}

// Read is both the client read (no key) and the KV service read.
type Read struct {
	Key string `json:"key,omitempty"`
}

// ReadOk answers a client read with the broadcast set and counter total,
// or a KV service read with Value only.
type ReadOk struct {
	Messages []int
	Value    *int
}

func (r ReadOk) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if r.Messages != nil {
		out["messages"] = r.Messages
	}
	if r.Value != nil {
		out["value"] = *r.Value
	}
	return json.Marshal(out)
}

func (r *ReadOk) UnmarshalJSON(data []byte) error {
	var aux struct {
		Messages []int `json:"messages"`
		Value    *int  `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Messages, r.Value = aux.Messages, aux.Value
	return nil
}

type Add struct {
	Delta int `json:"delta"`
}

type AddOk struct{}

type Txn struct {
	Txn []kv.Op `json:"txn"`
}

type TxnOk struct {
	Txn []kv.Op `json:"txn"`
}

type Send struct {
	Key string `json:"key"`
	Msg int    `json:"msg"`
}

type SendOk struct {
	Offset int `json:"offset"`
}

type Poll struct {
	Offsets map[string]int `json:"offsets"`
}

type PollOk struct {
	Msgs map[string][][2]int `json:"msgs"`
}

type CommitOffsets struct {
	Offsets map[string]int `json:"offsets"`
}

type CommitOffsetsOk struct{}

type ListCommittedOffsets struct {
	Keys []string `json:"keys"`
}

type ListCommittedOffsetsOk struct {
	Offsets map[string]int `json:"offsets"`
}

type Write struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

type WriteOk struct{}

type Cas struct {
	Key               string `json:"key"`
	From              int    `json:"from"`
	To                int    `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists,omitempty"`
}

type CasOk struct{}

// Error codes used on the wire. CodeCasFailed is the KV service's answer
// to a cas that found a different value or a create that found the key
// present; CodePreconditionFailed is accepted for the same condition.
const (
	CodeNotSupported           = 10
	CodeTemporarilyUnavailable = 11
	CodeCrash                  = 13
	CodeKeyDoesNotExist        = 20
	CodeCasFailed              = 21
	CodePreconditionFailed     = 22
)

type Error struct {
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
}

func (*Echo) Type() string                   { return "echo" }
func (*EchoOk) Type() string                 { return "echo_ok" }
func (*Init) Type() string                   { return "init" }
func (*InitOk) Type() string                 { return "init_ok" }
func (*Topology) Type() string               { return "topology" }
func (*TopologyOk) Type() string             { return "topology_ok" }
func (*Gossip) Type() string                 { return "gossip" }
func (*GossipOk) Type() string               { return "gossip_ok" }
func (*Generate) Type() string               { return "generate" }
func (*GenerateOk) Type() string             { return "generate_ok" }
func (*Broadcast) Type() string              { return "broadcast" }
func (*BroadcastOk) Type() string            { return "broadcast_ok" }
func (*Read) Type() string                   { return "read" }
func (*ReadOk) Type() string                 { return "read_ok" }
func (*Add) Type() string                    { return "add" }
func (*AddOk) Type() string                  { return "add_ok" }
func (*Txn) Type() string                    { return "txn" }
func (*TxnOk) Type() string                  { return "txn_ok" }
func (*Send) Type() string                   { return "send" }
func (*SendOk) Type() string                 { return "send_ok" }
func (*Poll) Type() string                   { return "poll" }
func (*PollOk) Type() string                 { return "poll_ok" }
func (*CommitOffsets) Type() string          { return "commit_offsets" }
func (*CommitOffsetsOk) Type() string        { return "commit_offsets_ok" }
func (*ListCommittedOffsets) Type() string   { return "list_committed_offsets" }
func (*ListCommittedOffsetsOk) Type() string { return "list_committed_offsets_ok" }
func (*Write) Type() string                  { return "write" }
func (*WriteOk) Type() string                { return "write_ok" }
func (*Cas) Type() string                    { return "cas" }
func (*CasOk) Type() string                  { return "cas_ok" }
func (*Error) Type() string                  { return "error" }

func (*Echo) sealed()                   {}
func (*EchoOk) sealed()                 {}
func (*Init) sealed()                   {}
func (*InitOk) sealed()                 {}
func (*Topology) sealed()               {}
func (*TopologyOk) sealed()             {}
func (*Gossip) sealed()                 {}
func (*GossipOk) sealed()               {}
func (*Generate) sealed()               {}
func (*GenerateOk) sealed()             {}
func (*Broadcast) sealed()              {}
func (*BroadcastOk) sealed()            {}
func (*Read) sealed()                   {}
func (*ReadOk) sealed()                 {}
func (*Add) sealed()                    {}
func (*AddOk) sealed()                  {}
func (*Txn) sealed()                    {}
func (*TxnOk) sealed()                  {}
func (*Send) sealed()                   {}
func (*SendOk) sealed()                 {}
func (*Poll) sealed()                   {}
func (*PollOk) sealed()                 {}
func (*CommitOffsets) sealed()          {}
func (*CommitOffsetsOk) sealed()        {}
func (*ListCommittedOffsets) sealed()   {}
func (*ListCommittedOffsetsOk) sealed() {}
func (*Write) sealed()                  {}
func (*WriteOk) sealed()                {}
func (*Cas) sealed()                    {}
func (*CasOk) sealed()                  {}
func (*Error) sealed()                  {}

// variants maps each wire tag to a constructor for its payload.
var variants = map[string]func() Payload{
	"echo":                      func() Payload { return &Echo{} },
	"echo_ok":                   func() Payload { return &EchoOk{} },
	"init":                      func() Payload { return &Init{} },
	"init_ok":                   func() Payload { return &InitOk{} },
	"topology":                  func() Payload { return &Topology{} },
	"topology_ok":               func() Payload { return &TopologyOk{} },
	"gossip":                    func() Payload { return &Gossip{} },
	"gossip_ok":                 func() Payload { return &GossipOk{} },
	"generate":                  func() Payload { return &Generate{} },
	"generate_ok":               func() Payload { return &GenerateOk{} },
	"broadcast":                 func() Payload { return &Broadcast{} },
	"broadcast_ok":              func() Payload { return &BroadcastOk{} },
	"read":                      func() Payload { return &Read{} },
	"read_ok":                   func() Payload { return &ReadOk{} },
	"add":                       func() Payload { return &Add{} },
	"add_ok":                    func() Payload { return &AddOk{} },
	"txn":                       func() Payload { return &Txn{} },
	"txn_ok":                    func() Payload { return &TxnOk{} },
	"send":                      func() Payload { return &Send{} },
	"send_ok":                   func() Payload { return &SendOk{} },
	"poll":                      func() Payload { return &Poll{} },
	"poll_ok":                   func() Payload { return &PollOk{} },
	"commit_offsets":            func() Payload { return &CommitOffsets{} },
	"commit_offsets_ok":         func() Payload { return &CommitOffsetsOk{} },
	"list_committed_offsets":    func() Payload { return &ListCommittedOffsets{} },
	"list_committed_offsets_ok": func() Payload { return &ListCommittedOffsetsOk{} },
	"write":                     func() Payload { return &Write{} },
	"write_ok":                  func() Payload { return &WriteOk{} },
	"cas":                       func() Payload { return &Cas{} },
	"cas_ok":                    func() Payload { return &CasOk{} },
	"error":                     func() Payload { return &Error{} },
}
