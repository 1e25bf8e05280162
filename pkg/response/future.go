package response

import (
	"context"
	"sync"
)

// Future is a one-shot handle to the next response in a decoupled
// (streaming) sequence. The producer resolves it exactly once; extra
// resolutions are ignored.
type Future struct {
	once sync.Once
	ch   chan *Response
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{ch: make(chan *Response, 1)}
}

// Resolve delivers the next response. Only the first call has an effect.
func (f *Future) Resolve(r *Response) {
	f.once.Do(func() {
		f.ch <- r
		close(f.ch)
	})
}

// Wait blocks until the future resolves or the context ends.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
