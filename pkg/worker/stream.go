package worker

import (
	"fmt"

	"infershm/pkg/response"
	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

// StreamSender chains the responses of a decoupled request. The first
// pushed response is handed back directly so its handle can be
// transmitted; every later response reaches the consumer by resolving
// the future embedded in its predecessor.
type StreamSender struct {
	arena   *shm.Arena
	copyGPU bool
	pending *response.Future
	closed  bool
}

// NewStream starts a response stream writing into the responder's arena.
func (r *Responder) NewStream() *StreamSender {
	return &StreamSender{arena: r.arena, copyGPU: r.copyGPU}
}

// Push serializes the next response in the stream. final marks the last
// element; pushing after that is an error.
func (s *StreamSender) Push(outputs []*tensor.Tensor, errVal *response.Error, final bool) (*response.Response, error) {
	if s.closed {
		return nil, fmt.Errorf("worker: push on a finished stream")
	}
	var next *response.Future
	if !final {
		next = response.NewFuture()
	}
	rsp, err := response.NewStreaming(outputs, next, errVal)
	if err != nil {
		return nil, err
	}
	if err := rsp.Save(s.arena, s.copyGPU); err != nil {
		return nil, err
	}
	if s.pending != nil {
		s.pending.Resolve(rsp)
	}
	s.pending = next
	s.closed = final
	return rsp, nil
}
