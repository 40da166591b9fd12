// Package delivery owns every write to the outbound stream. One goroutine
// holds the pending queue, the ack table and the gossip buffer; everyone
// else talks to it through Enqueue, MarkAcked and Flush.
//
// Until-acked sends are retransmitted on every cycle with no backoff and no
// retry cap. Gossip is coalesced per destination and written once per
// window. A write error stops the engine; the outbound stream is assumed to
// be a reliable local pipe.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// DefaultGossipInterval is the coalescing window for gossip.
const DefaultGossipInterval = 50 * time.Millisecond

type eventKind int

const (
	evEnqueue eventKind = iota
	evAck
	evFlush
)

type event struct {
	kind       eventKind
	env        message.Envelope
	durability Durability
	id         int
}

// Engine is the reliable delivery actor.
type Engine struct {
	t        Transport
	interval time.Duration
	log      *zap.Logger

	events chan event
	done   chan struct{}
	q      *queue
}

// New creates an engine writing to t. A non-positive interval selects
// DefaultGossipInterval.
func New(t Transport, interval time.Duration, log *zap.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultGossipInterval
	}
	return &Engine{
		t:        t,
		interval: interval,
		log:      telemetry.OrNop(log),
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
		q:        newQueue(),
	}
}

func (e *Engine) send(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Enqueue hands an envelope to the engine. It will be written on the next
// cycle (or gossip window, for gossip).
func (e *Engine) Enqueue(env message.Envelope, d Durability) {
	e.send(event{kind: evEnqueue, env: env, durability: d})
}

// MarkAcked records that the send with this id has been answered.
func (e *Engine) MarkAcked(id int) {
	e.send(event{kind: evAck, id: id})
}

// Flush writes buffered gossip without waiting for the window.
func (e *Engine) Flush() {
	e.send(event{kind: evFlush})
}

// Run processes events until ctx is cancelled or a write fails. On
// cancellation queued events are drained and written once more before Run
// returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			if err := e.q.cycle(e.t); err != nil {
				return e.fatal(err)
			}
			if err := e.q.flushGossip(e.t); err != nil {
				return e.fatal(err)
			}
			return nil

		case ev := <-e.events:
			flush := e.apply(ev)
			if e.drain() {
				flush = true
			}
			if err := e.q.cycle(e.t); err != nil {
				return e.fatal(err)
			}
			if flush {
				if err := e.q.flushGossip(e.t); err != nil {
					return e.fatal(err)
				}
			}

		case <-ticker.C:
			if err := e.q.cycle(e.t); err != nil {
				return e.fatal(err)
			}
			if err := e.q.flushGossip(e.t); err != nil {
				return e.fatal(err)
			}
		}
	}
}

// drain applies every event already waiting without blocking and reports
// whether any of them asked for a flush.
func (e *Engine) drain() bool {
	flush := false
	for {
		select {
		case ev := <-e.events:
			if e.apply(ev) {
				flush = true
			}
		default:
			return flush
		}
	}
}

func (e *Engine) apply(ev event) (flush bool) {
	switch ev.kind {
	case evEnqueue:
		e.q.enqueue(ev.env, ev.durability)
	case evAck:
		if !e.q.ack(ev.id) {
			e.log.Debug("ack for unknown send", zap.Int("in_reply_to", ev.id))
		}
	case evFlush:
		return true
	}
	return false
}

func (e *Engine) fatal(err error) error {
	e.log.Error("outbound write failed", zap.Error(err), zap.Int("pending", e.q.len()))
	return fmt.Errorf("delivery: %w", err)
}
