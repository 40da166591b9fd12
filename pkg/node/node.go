// Package node ties the pieces together: it consumes inbound envelopes one
// at a time, updates the convergent state, calls the offset allocator and
// hands replies and gossip to the delivery engine.
package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/crdt"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// Outbox is where the node sends everything it emits.
type Outbox interface {
	Enqueue(env message.Envelope, d delivery.Durability)
	MarkAcked(id int)
}

// DefaultAntiEntropyInterval is how often a node pushes its full state to
// every peer regardless of recent changes.
const DefaultAntiEntropyInterval = 250 * time.Millisecond

// Allocator hands out log offsets.
type Allocator interface {
	Next(ctx context.Context, topic string) (int, error)
}

type Node struct {
	members *gossip.Membership
	ids     *message.Sequence
	state   *crdt.State
	out     Outbox
	alloc   Allocator
	log     *zap.Logger
	newID   func() string

	antiEntropy time.Duration

	seen     map[int]struct{}
	messages []int
	addSeq   int

	handled atomic.Uint64
	status  atomic.Pointer[Status]
}

// New builds a node. ids must be the same sequence any KV service client
// sharing the outbox draws from, so message ids stay unique per node.
func New(out Outbox, alloc Allocator, ids *message.Sequence, log *zap.Logger) *Node {
	if ids == nil {
		ids = &message.Sequence{}
	}
	n := &Node{
		members: gossip.NewMembership(),
		ids:     ids,
		state:   crdt.NewState(),
		out:     out,
		alloc:   alloc,
		log:     telemetry.OrNop(log),
		newID:   uuid.NewString,
		seen:    make(map[int]struct{}),

		antiEntropy: DefaultAntiEntropyInterval,
	}
	n.publish()
	return n
}

// ID is the node id assigned by init, empty before that.
func (n *Node) ID() string {
	return n.members.Self()
}

// SetAntiEntropyInterval changes the full-state push period. Zero or less
// turns it off. Call before Run.
func (n *Node) SetAntiEntropyInterval(d time.Duration) {
	n.antiEntropy = d
}

// Run handles envelopes from in until it is closed or ctx is done. Between
// envelopes it periodically pushes the whole state to every peer, so a lost
// gossip is repaired by the next round.
func (n *Node) Run(ctx context.Context, in <-chan message.Envelope) error {
	var tick <-chan time.Time
	if n.antiEntropy > 0 {
		t := time.NewTicker(n.antiEntropy)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			n.pushState()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := n.Handle(ctx, env); err != nil {
				n.log.Warn("handler failed",
					zap.String("type", env.Type()), zap.String("src", env.Src), zap.Error(err))
			}
		}
	}
}

// Handle processes one envelope. A reply to something this node sent only
// settles the matching pending send.
func (n *Node) Handle(ctx context.Context, env message.Envelope) error {
	defer n.publish()
	n.handled.Add(1)

	if to, ok := env.ReplyTo(); ok {
		n.out.MarkAcked(to)
		return nil
	}
	return telemetry.Instrument(env.Type(), func() error {
		return n.dispatch(ctx, env)
	})
}

func (n *Node) dispatch(ctx context.Context, env message.Envelope) error {
	switch p := env.Body.Payload.(type) {
	case *message.Init:
		return n.handleInit(env, p)
	case *message.Echo:
		n.reply(env, &message.EchoOk{Echo: p.Echo})
	case *message.Topology:
		n.members.SetTopology(p.Topology)
		n.reply(env, &message.TopologyOk{})
	case *message.Generate:
		n.reply(env, &message.GenerateOk{ID: n.newID()})
	case *message.Broadcast:
		n.handleBroadcast(env, p)
	case *message.Read:
		n.handleRead(env)
	case *message.Add:
		n.handleAdd(env, p)
	case *message.Txn:
		n.handleTxn(env, p)
	case *message.Send:
		return n.handleSend(ctx, env, p)
	case *message.Poll:
		n.handlePoll(env, p)
	case *message.CommitOffsets:
		n.handleCommit(env, p)
	case *message.ListCommittedOffsets:
		n.handleListCommitted(env, p)
	case *message.Gossip:
		n.handleGossip(env, p)
	case *message.EchoOk, *message.InitOk, *message.TopologyOk, *message.GossipOk,
		*message.GenerateOk, *message.BroadcastOk, *message.ReadOk, *message.AddOk,
		*message.TxnOk, *message.SendOk, *message.PollOk, *message.CommitOffsetsOk,
		*message.ListCommittedOffsetsOk, *message.Write, *message.WriteOk,
		*message.Cas, *message.CasOk, *message.Error:
		n.log.Debug("ignoring message", zap.String("type", env.Type()), zap.String("src", env.Src))
	}
	return nil
}

// reply answers req directly. Replies are never retransmitted.
func (n *Node) reply(req message.Envelope, p message.Payload) {
	n.emit(message.New(req.Dest, req.Src, n.ids.NextPtr(), req.Body.MsgID, p), delivery.BestEffort)
}

func (n *Node) emit(env message.Envelope, d delivery.Durability) {
	n.log.Debug("emit", zap.String("type", env.Type()), zap.String("dest", env.Dest), zap.Stringer("durability", d))
	n.out.Enqueue(env, d)
}

// fanout gossips the current state to every peer the change coming from
// sender cannot already have reached.
func (n *Node) fanout(sender string) {
	targets := n.members.Targets(sender)
	if len(targets) == 0 {
		return
	}
	n.gossip(targets)
}

// pushState sends the current state to every peer. It does nothing before
// init or while there is no state to share.
func (n *Node) pushState() {
	if n.ID() == "" {
		return
	}
	n.gossip(n.members.Peers())
}

func (n *Node) gossip(dests []string) {
	snap := n.state.Snapshot()
	if snap.Counter == nil && snap.KV == nil && snap.Log == nil {
		return
	}
	for _, dest := range dests {
		n.emit(message.New(n.ID(), dest, n.ids.NextPtr(), nil, &message.Gossip{ReceivedState: snap}), delivery.BestEffort)
	}
}
