package delivery

import (
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// Durability says what happens to a send after it is written.
type Durability int

const (
	// BestEffort sends are written once.
	BestEffort Durability = iota
	// UntilAcked sends are written on every cycle until their id is acked.
	UntilAcked
)

func (d Durability) String() string {
	if d == UntilAcked {
		return "until_acked"
	}
	return "best_effort"
}

// Transport writes one envelope to the outbound stream.
type Transport interface {
	Send(env message.Envelope) error
}

type pending struct {
	env        message.Envelope
	durability Durability
	sent       bool
}

// queue is the state owned by the engine goroutine: the FIFO of pending
// sends, the ack table and the per-destination gossip buffer.
type queue struct {
	pending []pending
	waiting map[int]int // msg id -> until-acked sends still queued under it
	acked   map[int]struct{}
	gossip  map[string]message.Envelope
}

func newQueue() *queue {
	return &queue{
		waiting: make(map[int]int),
		acked:   make(map[int]struct{}),
		gossip:  make(map[string]message.Envelope),
	}
}

// enqueue adds a send. Gossip goes to the buffer, replacing any older
// snapshot for the same destination; everything else joins the FIFO.
func (q *queue) enqueue(env message.Envelope, d Durability) {
	if env.IsGossip() {
		if _, ok := q.gossip[env.Dest]; ok {
			telemetry.GossipCoalesced.Inc()
		}
		q.gossip[env.Dest] = env
		return
	}
	if id, ok := env.ID(); ok && d == UntilAcked {
		q.waiting[id]++
	}
	q.pending = append(q.pending, pending{env: env, durability: d})
	telemetry.PendingSends.Set(float64(len(q.pending)))
}

// ack records that id was answered. Ids with no until-acked send queued are
// ignored so the table only holds entries a later cycle will consume.
func (q *queue) ack(id int) bool {
	if q.waiting[id] == 0 {
		telemetry.AcksTotal.WithLabelValues("ignored").Inc()
		return false
	}
	q.acked[id] = struct{}{}
	telemetry.AcksTotal.WithLabelValues("recorded").Inc()
	return true
}

// cycle walks the sends queued at the start of the cycle in FIFO order.
// Acked sends are dropped and their ack cleared; the rest are written and
// until-acked sends rejoin the tail for the next cycle.
func (q *queue) cycle(t Transport) error {
	batch := q.pending
	q.pending = make([]pending, 0, len(batch))
	for i, p := range batch {
		if id, ok := p.env.ID(); ok {
			if _, done := q.acked[id]; done {
				q.release(id)
				continue
			}
		}
		if err := t.Send(p.env); err != nil {
			// keep what was not attempted so a caller could inspect it
			q.pending = append(q.pending, batch[i:]...)
			return err
		}
		telemetry.Sent(p.env.Type())
		if p.sent {
			telemetry.Retransmissions.Inc()
		}
		if p.durability == UntilAcked {
			p.sent = true
			q.pending = append(q.pending, p)
		}
	}
	telemetry.PendingSends.Set(float64(len(q.pending)))
	return nil
}

func (q *queue) release(id int) {
	q.waiting[id]--
	if q.waiting[id] <= 0 {
		delete(q.waiting, id)
		delete(q.acked, id)
	}
}

// flushGossip writes at most one buffered snapshot per destination and
// clears the buffer.
func (q *queue) flushGossip(t Transport) error {
	for dest, env := range q.gossip {
		if err := t.Send(env); err != nil {
			return err
		}
		telemetry.Sent(env.Type())
		delete(q.gossip, dest)
	}
	return nil
}

func (q *queue) len() int {
	return len(q.pending)
}
