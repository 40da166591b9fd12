package linkv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

// DefaultMaxServiceErrors is how many unexpected service errors one
// allocation tolerates before giving up.
const DefaultMaxServiceErrors = 3

// Allocator hands out unique, strictly increasing offsets per topic using
// only Read and CompareAndSwap on the backing Store. The stored value is the
// last offset handed out.
type Allocator struct {
	mu        sync.Mutex // one request in flight against the store
	store     Store
	prefix    string
	maxErrors int
	log       *zap.Logger
}

// NewAllocator builds an allocator over store. Keys are prefix+topic.
// maxErrors <= 0 selects DefaultMaxServiceErrors.
func NewAllocator(store Store, prefix string, maxErrors int, log *zap.Logger) *Allocator {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxServiceErrors
	}
	return &Allocator{store: store, prefix: prefix, maxErrors: maxErrors, log: telemetry.OrNop(log)}
}

// Next allocates the next offset for topic. A missing counter is created at
// 0, which is then the allocated offset; otherwise the counter moves from v
// to v+1 and v+1 is returned. Lost races are retried without limit. Other
// service errors are retried until maxErrors of them have been seen.
func (a *Allocator) Next(ctx context.Context, topic string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.prefix + topic
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		v, err := a.store.Read(ctx, key)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			if err = a.store.CreateIfAbsent(ctx, key, 0); err == nil {
				return 0, nil
			}
		case err == nil:
			if err = a.store.CompareAndSwap(ctx, key, v, v+1); err == nil {
				return v + 1, nil
			}
		}

		switch {
		case errors.Is(err, ErrPreconditionFailed):
			telemetry.CasRetries.WithLabelValues("precondition").Inc()
		case errors.Is(err, ErrKeyNotFound):
			telemetry.CasRetries.WithLabelValues("not_found").Inc()
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return 0, err
		default:
			failures++
			telemetry.CasRetries.WithLabelValues("service_error").Inc()
			a.log.Warn("offset allocation error",
				zap.String("topic", topic), zap.Int("attempt", failures), zap.Error(err))
			if failures >= a.maxErrors {
				return 0, fmt.Errorf("allocate offset for %q after %d errors: %w", topic, failures, err)
			}
		}
	}
}
