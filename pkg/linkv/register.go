package linkv

import (
	"context"
	"errors"
	"sync"

	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// Register is an in-process Store. It is linearizable because every
// operation holds one mutex, and is ready for use on instantiation.
type Register struct {
	mu   sync.Mutex
	vals map[string]int

	// Fail, when set, is consulted before every operation; a non-nil
	// return is reported instead of performing it.
	Fail func(op, key string) error
}

func (r *Register) check(op, key string) error {
	if r.Fail != nil {
		return r.Fail(op, key)
	}
	return nil
}

func (r *Register) Read(ctx context.Context, key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("read", key); err != nil {
		return 0, err
	}
	v, ok := r.vals[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return v, nil
}

func (r *Register) CompareAndSwap(ctx context.Context, key string, from, to int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("cas", key); err != nil {
		return err
	}
	v, ok := r.vals[key]
	if !ok {
		return ErrKeyNotFound
	}
	if v != from {
		return ErrPreconditionFailed
	}
	r.vals[key] = to
	return nil
}

func (r *Register) CreateIfAbsent(ctx context.Context, key string, value int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("create", key); err != nil {
		return err
	}
	if _, ok := r.vals[key]; ok {
		return ErrPreconditionFailed
	}
	if r.vals == nil {
		r.vals = make(map[string]int)
	}
	r.vals[key] = value
	return nil
}

// Write sets key unconditionally.
func (r *Register) Write(ctx context.Context, key string, value int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("write", key); err != nil {
		return err
	}
	if r.vals == nil {
		r.vals = make(map[string]int)
	}
	r.vals[key] = value
	return nil
}

// Answer serves one KV service request (read, write or cas) against the
// register and returns the reply envelope, the way the external service
// would.
func (r *Register) Answer(ctx context.Context, req message.Envelope) message.Envelope {
	reply := func(p message.Payload) message.Envelope {
		return message.New(req.Dest, req.Src, nil, req.Body.MsgID, p)
	}
	fail := func(err error) message.Envelope {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return reply(&message.Error{Code: message.CodeKeyDoesNotExist, Text: "key does not exist"})
		case errors.Is(err, ErrPreconditionFailed):
			return reply(&message.Error{Code: message.CodeCasFailed, Text: "precondition failed"})
		}
		var se *ServiceError
		if errors.As(err, &se) {
			return reply(&message.Error{Code: se.Code, Text: se.Text})
		}
		return reply(&message.Error{Code: message.CodeCrash, Text: err.Error()})
	}

	switch p := req.Body.Payload.(type) {
	case *message.Read:
		v, err := r.Read(ctx, p.Key)
		if err != nil {
			return fail(err)
		}
		return reply(&message.ReadOk{Value: &v})
	case *message.Write:
		if err := r.Write(ctx, p.Key, p.Value); err != nil {
			return fail(err)
		}
		return reply(&message.WriteOk{})
	case *message.Cas:
		err := r.CompareAndSwap(ctx, p.Key, p.From, p.To)
		if errors.Is(err, ErrKeyNotFound) && p.CreateIfNotExists {
			err = r.CreateIfAbsent(ctx, p.Key, p.To)
		}
		if err != nil {
			return fail(err)
		}
		return reply(&message.CasOk{})
	default:
		return reply(&message.Error{Code: message.CodeNotSupported, Text: "unsupported request " + req.Type()})
	}
}
