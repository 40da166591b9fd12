// Package cluster runs a set of nodes in one process, wired to each other
// through an in-memory router and to an in-memory linearizable KV service.
// It stands in for the external test harness in tests and benchmarks.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/linkv"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

var ErrUnknownNode = errors.New("cluster: unknown node")

type Options struct {
	Nodes          int
	GossipInterval time.Duration
	// AntiEntropyInterval overrides the nodes' full-state push period when
	// non-zero; negative turns it off.
	AntiEntropyInterval time.Duration
	// Topology, when set, is sent to every node after init.
	Topology map[string][]string
	// Drop, when set, is asked about every routed envelope; returning true
	// loses it.
	Drop func(env message.Envelope) bool
	Log  *zap.Logger
}

type member struct {
	node    *node.Node
	engine  *delivery.Engine
	inbox   chan message.Envelope
	replies chan message.Envelope
}

// Cluster is a running in-process cluster. Close stops it.
type Cluster struct {
	opts    Options
	ids     []string
	members map[string]*member
	kv      *linkv.Register

	clientIDs message.Sequence
	mu        sync.Mutex
	waiting   map[int]chan message.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start builds opts.Nodes nodes named n0..n<N-1>, runs them and completes
// the init (and optional topology) handshake with each.
func Start(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Nodes <= 0 {
		return nil, fmt.Errorf("cluster: need at least one node, got %d", opts.Nodes)
	}
	log := telemetry.OrNop(opts.Log)

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c := &Cluster{
		opts:    opts,
		members: make(map[string]*member, opts.Nodes),
		kv:      &linkv.Register{},
		waiting: make(map[int]chan message.Envelope),
		ctx:     gctx,
		cancel:  cancel,
		group:   g,
	}

	for i := 0; i < opts.Nodes; i++ {
		id := fmt.Sprintf("n%d", i)
		c.ids = append(c.ids, id)

		ids := &message.Sequence{}
		m := &member{
			inbox:   make(chan message.Envelope, 256),
			replies: make(chan message.Envelope, 16),
		}
		m.engine = delivery.New(c, opts.GossipInterval, log.With(zap.String("node", id)))
		client := linkv.NewServiceClient(linkv.DefaultService, func() string { return m.node.ID() }, ids, m.engine, m.replies, log)
		alloc := linkv.NewAllocator(client, "", 0, log)
		m.node = node.New(m.engine, alloc, ids, log)
		if opts.AntiEntropyInterval != 0 {
			m.node.SetAntiEntropyInterval(opts.AntiEntropyInterval)
		}
		c.members[id] = m
	}

	for _, m := range c.members {
		g.Go(func() error { return m.engine.Run(gctx) })
		g.Go(func() error { return m.node.Run(gctx, m.inbox) })
	}

	for _, id := range c.ids {
		rep, err := c.Call(ctx, "c0", id, &message.Init{NodeID: id, NodeIDs: c.ids})
		if err == nil {
			if _, ok := rep.(*message.InitOk); !ok {
				err = fmt.Errorf("cluster: init %s: unexpected %s", id, rep.Type())
			}
		}
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	if opts.Topology != nil {
		for _, id := range c.ids {
			if _, err := c.Call(ctx, "c0", id, &message.Topology{Topology: opts.Topology}); err != nil {
				c.Close()
				return nil, err
			}
		}
	}
	return c, nil
}

// IDs returns the node ids in creation order.
func (c *Cluster) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Node returns the node with the given id, or nil.
func (c *Cluster) Node(id string) *node.Node {
	if m, ok := c.members[id]; ok {
		return m.node
	}
	return nil
}

// KV is the register backing the cluster's KV service.
func (c *Cluster) KV() *linkv.Register {
	return c.kv
}

// Call sends p from client to the given node and waits for the reply.
func (c *Cluster) Call(ctx context.Context, client, to string, p message.Payload) (message.Payload, error) {
	m, ok := c.members[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	id := c.clientIDs.Next()
	ch := make(chan message.Envelope, 1)
	c.mu.Lock()
	c.waiting[id] = ch
	c.mu.Unlock()

	c.post(m.inbox, message.New(client, to, &id, nil, p))

	select {
	case rep := <-ch:
		return rep.Body.Payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("cluster: stopped while waiting on %s", to)
	}
}

// Send routes one envelope. It is the transport of every node's delivery
// engine. Delivery is asynchronous and unordered, like the real network.
func (c *Cluster) Send(env message.Envelope) error {
	if c.opts.Drop != nil && c.opts.Drop(env) {
		return nil
	}
	if env.Dest == linkv.DefaultService {
		rep := c.kv.Answer(c.ctx, env)
		if m, ok := c.members[rep.Dest]; ok {
			c.post(m.replies, rep)
		}
		return nil
	}
	if m, ok := c.members[env.Dest]; ok {
		c.post(m.inbox, env)
		return nil
	}

	// anything else is a reply to a client
	to, ok := env.ReplyTo()
	if !ok {
		return nil
	}
	c.mu.Lock()
	ch := c.waiting[to]
	delete(c.waiting, to)
	c.mu.Unlock()
	if ch != nil {
		ch <- env
	}
	return nil
}

func (c *Cluster) post(ch chan<- message.Envelope, env message.Envelope) {
	go func() {
		select {
		case ch <- env:
		case <-c.ctx.Done():
		}
	}()
}

// Close stops every node and engine and returns the first error any of
// them reported.
func (c *Cluster) Close() error {
	c.cancel()
	return c.group.Wait()
}
