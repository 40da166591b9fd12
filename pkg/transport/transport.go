// Package transport frames envelopes as newline-delimited JSON over a pair of
// byte streams. The reader splits inbound traffic into ordinary protocol
// messages and replies from the KV service; the writer is used only by the
// delivery engine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// Reader decodes inbound envelopes and routes them by source.
type Reader struct {
	dec      *json.Decoder
	services []string
	log      *zap.Logger
}

// NewReader reads from r. Envelopes whose src is one of services are treated
// as KV service replies.
func NewReader(r io.Reader, services []string, log *zap.Logger) *Reader {
	return &Reader{dec: json.NewDecoder(r), services: slices.Clone(services), log: telemetry.OrNop(log)}
}

// Run decodes until EOF, sending KV service replies to kv and everything
// else to ordinary. Both channels are closed on return. A decode error is
// fatal: the stream cannot be resynchronised.
func (r *Reader) Run(ctx context.Context, ordinary, kv chan<- message.Envelope) error {
	defer close(ordinary)
	defer close(kv)

	for {
		var env message.Envelope
		if err := r.dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("input closed")
				return nil
			}
			r.log.Error("decode failed", zap.Error(err))
			return fmt.Errorf("transport: decode: %w", err)
		}

		out := ordinary
		if slices.Contains(r.services, env.Src) {
			out = kv
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Writer encodes envelopes one per line.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Send writes env followed by a newline.
func (w *Writer) Send(env message.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(env); err != nil {
		return fmt.Errorf("transport: encode %s to %s: %w", env.Type(), env.Dest, err)
	}
	return nil
}
