// Package embed defines the external text-to-vector contract.
//
// Embedding model inference lives outside the engine; the engine only
// requires a timeout-bounded function from text to a fixed-dimension vector.
package embed

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an embedding call exceeds its deadline.
// Callers fall back to non-semantic retrieval instead of blocking.
var ErrTimeout = errors.New("embedding timed out")

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the vector for text. It must honor ctx cancellation.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the embedding size.
	Dimensions() int
}

// WithTimeout wraps an embedder so every call is bounded by d.
// A deadline overrun surfaces as ErrTimeout.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	return &timeoutEmbedder{inner: e, timeout: d}
}

type timeoutEmbedder struct {
	inner   Embedder
	timeout time.Duration
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vec, err := t.inner.Embed(ctx, text)
		ch <- result{vec, err}
	}()

	select {
	case r := <-ch:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return r.vec, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (t *timeoutEmbedder) Dimensions() int {
	return t.inner.Dimensions()
}
