package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/crdt"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

func (n *Node) handleInit(env message.Envelope, p *message.Init) error {
	if p.NodeID == "" {
		return fmt.Errorf("init without node_id from %s", env.Src)
	}
	n.members.Init(p.NodeID, p.NodeIDs)
	n.log = n.log.With(zap.String("node", p.NodeID))
	n.log.Info("initialised", zap.Strings("peers", n.members.Peers()))
	n.reply(env, &message.InitOk{})
	return nil
}

// handleBroadcast records a value the first time it is seen and relays it,
// acknowledged, to the peers the sender could not have reached. Duplicates
// are acknowledged but not relayed.
func (n *Node) handleBroadcast(env message.Envelope, p *message.Broadcast) {
	if _, dup := n.seen[p.Message]; !dup {
		n.seen[p.Message] = struct{}{}
		n.messages = append(n.messages, p.Message)
		for _, dest := range n.members.Targets(env.Src) {
			relay := message.New(n.ID(), dest, n.ids.NextPtr(), nil, &message.Broadcast{Message: p.Message})
			n.emit(relay, delivery.UntilAcked)
		}
	}
	n.reply(env, &message.BroadcastOk{})
}

func (n *Node) handleRead(env message.Envelope) {
	msgs := make([]int, len(n.messages))
	copy(msgs, n.messages)
	total := n.state.Counter.Value()
	n.reply(env, &message.ReadOk{Messages: msgs, Value: &total})
}

func (n *Node) handleAdd(env message.Envelope, p *message.Add) {
	id := crdt.RecordID(n.ID(), n.addSeq, p.Delta)
	n.addSeq++
	n.state.Counter.Add(id, p.Delta)
	n.reply(env, &message.AddOk{})
	n.fanout(env.Src)
}

func (n *Node) handleTxn(env message.Envelope, p *message.Txn) {
	result := n.state.KV.Apply(p.Txn)
	n.reply(env, &message.TxnOk{Txn: result})
	n.fanout(env.Src)
}

func (n *Node) handleSend(ctx context.Context, env message.Envelope, p *message.Send) error {
	if n.alloc == nil {
		n.reply(env, &message.Error{Code: message.CodeNotSupported, Text: "no offset allocator configured"})
		return nil
	}
	off, err := n.alloc.Next(ctx, p.Key)
	if err != nil {
		n.reply(env, &message.Error{Code: message.CodeCrash, Text: err.Error()})
		return fmt.Errorf("send to %q: %w", p.Key, err)
	}
	n.state.Log.Append(p.Key, off, p.Msg)
	n.reply(env, &message.SendOk{Offset: off})
	n.fanout(env.Src)
	return nil
}

func (n *Node) handlePoll(env message.Envelope, p *message.Poll) {
	msgs := make(map[string][][2]int, len(p.Offsets))
	for topic, from := range p.Offsets {
		msgs[topic] = n.state.Log.Poll(topic, from)
	}
	n.reply(env, &message.PollOk{Msgs: msgs})
}

// handleCommit records offsets under the requesting client's id, so each
// client sees only its own commits.
func (n *Node) handleCommit(env message.Envelope, p *message.CommitOffsets) {
	for topic, off := range p.Offsets {
		n.state.Log.Commit(topic, env.Src, off)
	}
	n.reply(env, &message.CommitOffsetsOk{})
	n.fanout(env.Src)
}

func (n *Node) handleListCommitted(env message.Envelope, p *message.ListCommittedOffsets) {
	offsets := make(map[string]int, len(p.Keys))
	for _, topic := range p.Keys {
		if off, ok := n.state.Log.Committed(topic, env.Src); ok {
			offsets[topic] = off
		}
	}
	n.reply(env, &message.ListCommittedOffsetsOk{Offsets: offsets})
}

// handleGossip merges a peer snapshot and passes it on only when it taught
// this node something, so relays die out once the cluster agrees.
func (n *Node) handleGossip(env message.Envelope, p *message.Gossip) {
	changed := n.state.Merge(p.ReceivedState)
	n.reply(env, &message.GossipOk{})
	if changed {
		n.fanout(env.Src)
	}
}
