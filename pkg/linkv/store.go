// Package linkv talks to an external linearizable key-value service and
// builds a monotonic per-topic offset allocator on top of its read and
// compare-and-swap primitives.
package linkv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound means the key has never been written.
	ErrKeyNotFound = errors.New("linkv: key not found")
	// ErrPreconditionFailed means a compare-and-swap lost a race.
	ErrPreconditionFailed = errors.New("linkv: precondition failed")
	// ErrClosed means the reply stream ended while a call was waiting.
	ErrClosed = errors.New("linkv: reply stream closed")
)

// ServiceError is any other failure reported by the service.
type ServiceError struct {
	Code int
	Text string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("linkv: service error %d: %s", e.Code, e.Text)
}

// Store is a linearizable integer register map.
type Store interface {
	// Read returns the current value or ErrKeyNotFound.
	Read(ctx context.Context, key string) (int, error)
	// CompareAndSwap sets key to to if it currently holds from. It returns
	// ErrPreconditionFailed when the value differs and ErrKeyNotFound when
	// the key is missing.
	CompareAndSwap(ctx context.Context, key string, from, to int) error
	// CreateIfAbsent atomically creates key with value. It returns
	// ErrPreconditionFailed when the key already exists.
	CreateIfAbsent(ctx context.Context, key string, value int) error
}
