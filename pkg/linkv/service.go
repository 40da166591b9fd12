package linkv

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// DefaultService is the node id of the linearizable KV service.
const DefaultService = "lin-kv"

// absent is never stored by the allocator, so a create request carrying it
// as the expected value fails whenever the key already exists.
const absent = -1

// Sender queues an outbound envelope.
type Sender interface {
	Enqueue(env message.Envelope, d delivery.Durability)
}

// ServiceClient is a Store backed by the KV service reachable through the
// node's own message stream. Each call sends one request and blocks until
// the correlated reply arrives on the dedicated reply channel. Calls are
// serialised: at most one request is outstanding.
type ServiceClient struct {
	mu      sync.Mutex
	service string
	self    func() string
	ids     *message.Sequence
	out     Sender
	replies <-chan message.Envelope
	log     *zap.Logger
}

// NewServiceClient builds a client for service. self reports the local node
// id (known only after init); ids is the node's message id sequence.
func NewServiceClient(service string, self func() string, ids *message.Sequence, out Sender, replies <-chan message.Envelope, log *zap.Logger) *ServiceClient {
	if service == "" {
		service = DefaultService
	}
	return &ServiceClient{
		service: service,
		self:    self,
		ids:     ids,
		out:     out,
		replies: replies,
		log:     telemetry.OrNop(log),
	}
}

func (c *ServiceClient) call(ctx context.Context, p message.Payload) (message.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.ids.Next()
	c.out.Enqueue(message.New(c.self(), c.service, &id, nil, p), delivery.BestEffort)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case rep, ok := <-c.replies:
			if !ok {
				return nil, ErrClosed
			}
			if to, ok := rep.ReplyTo(); !ok || to != id {
				c.log.Debug("discarding stale kv reply",
					zap.String("type", rep.Type()), zap.Int("want", id))
				continue
			}
			return rep.Body.Payload, nil
		}
	}
}

func (c *ServiceClient) Read(ctx context.Context, key string) (int, error) {
	rep, err := c.call(ctx, &message.Read{Key: key})
	if err != nil {
		return 0, err
	}
	switch p := rep.(type) {
	case *message.ReadOk:
		if p.Value == nil {
			return 0, fmt.Errorf("linkv: read_ok for %q without value", key)
		}
		return *p.Value, nil
	case *message.Error:
		return 0, codeError(p)
	default:
		return 0, unexpected("read", rep)
	}
}

func (c *ServiceClient) CompareAndSwap(ctx context.Context, key string, from, to int) error {
	rep, err := c.call(ctx, &message.Cas{Key: key, From: from, To: to})
	if err != nil {
		return err
	}
	return casResult(rep)
}

func (c *ServiceClient) CreateIfAbsent(ctx context.Context, key string, value int) error {
	rep, err := c.call(ctx, &message.Cas{Key: key, From: absent, To: value, CreateIfNotExists: true})
	if err != nil {
		return err
	}
	return casResult(rep)
}

// Write sets key unconditionally.
func (c *ServiceClient) Write(ctx context.Context, key string, value int) error {
	rep, err := c.call(ctx, &message.Write{Key: key, Value: value})
	if err != nil {
		return err
	}
	switch p := rep.(type) {
	case *message.WriteOk:
		return nil
	case *message.Error:
		return codeError(p)
	default:
		return unexpected("write", rep)
	}
}

func casResult(rep message.Payload) error {
	switch p := rep.(type) {
	case *message.CasOk:
		return nil
	case *message.Error:
		return codeError(p)
	default:
		return unexpected("cas", rep)
	}
}

func codeError(e *message.Error) error {
	switch e.Code {
	case message.CodeKeyDoesNotExist:
		return ErrKeyNotFound
	case message.CodeCasFailed, message.CodePreconditionFailed:
		return ErrPreconditionFailed
	default:
		return &ServiceError{Code: e.Code, Text: e.Text}
	}
}

func unexpected(op string, p message.Payload) error {
	return &ServiceError{Code: message.CodeCrash, Text: fmt.Sprintf("unexpected %s reply to %s", p.Type(), op)}
}
