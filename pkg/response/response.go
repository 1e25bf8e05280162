// Package response implements the inference response value and its
// shared-memory wire format: an ordered set of named output tensors, or
// an error, serialized into an arena record that a separately compiled
// process can load by handle.
package response

import (
	"errors"

	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

// ErrNilOutputTensor is returned when a response is constructed with a
// nil tensor. This is a programming error on the caller's side and is
// reported before any arena interaction.
var ErrNilOutputTensor = errors.New("response: output tensor for inference response must not be nil")

// Response is the in-memory form of an inference result. Either outputs
// are meaningful or the error is set; when the error is set, outputs are
// never transmitted.
type Response struct {
	outputs   []*tensor.Tensor
	err       *Error
	next      *Future
	streaming bool
	shmHandle shm.Handle

	deferredSend func()
}

// New builds a response from output tensors and an optional error. Every
// tensor must be non-nil.
func New(outputs []*tensor.Tensor, err *Error) (*Response, error) {
	for _, out := range outputs {
		if out == nil {
			return nil, ErrNilOutputTensor
		}
	}
	return &Response{outputs: outputs, err: err}, nil
}

// NewStreaming builds a response that is part of a decoupled sequence.
// The future resolves to the next response in the stream; retrieval via
// NextResponse is destructive.
func NewStreaming(outputs []*tensor.Tensor, next *Future, err *Error) (*Response, error) {
	r, e := New(outputs, err)
	if e != nil {
		return nil, e
	}
	r.next = next
	r.streaming = true
	return r, nil
}

// Outputs returns the output tensors in declaration order.
func (r *Response) Outputs() []*tensor.Tensor { return r.outputs }

// HasError reports whether an error value is attached.
func (r *Response) HasError() bool { return r.err != nil }

// Error returns the attached error value, or nil.
func (r *Response) Error() *Error { return r.err }

// SetError attaches an error value after construction.
func (r *Response) SetError(err *Error) { r.err = err }

// Streaming reports whether this response belongs to a decoupled
// sequence.
func (r *Response) Streaming() bool { return r.streaming }

// NextResponse hands over the future for the next response in the
// stream. Ownership transfers to the caller: a second call returns nil.
func (r *Response) NextResponse() *Future {
	next := r.next
	r.next = nil
	return next
}

// ShmHandle returns the arena identity of the serialized response. Valid
// only after Save, or on a response built by Load.
func (r *Response) ShmHandle() shm.Handle { return r.shmHandle }

// PruneOutputs drops every output whose name is not in requested,
// preserving the relative order of retained tensors. Decoupled responses
// are never pruned: the stream contract delivers whatever the model
// emits. Pruning is idempotent.
func (r *Response) PruneOutputs(requested map[string]struct{}) {
	if r.streaming || requested == nil {
		return
	}
	kept := r.outputs[:0]
	for _, out := range r.outputs {
		if _, ok := requested[out.Name()]; ok {
			kept = append(kept, out)
		}
	}
	for i := len(kept); i < len(r.outputs); i++ {
		r.outputs[i] = nil
	}
	r.outputs = kept
}

// StoreDeferredSend parks the delivery completion action on the response
// so the owner can fire it after asynchronous device work has finished.
func (r *Response) StoreDeferredSend(fn func()) { r.deferredSend = fn }

// DeferredSendCallback fires the parked completion action. It is a no-op
// when nothing was deferred, and at most one invocation ever runs.
func (r *Response) DeferredSendCallback() {
	if fn := r.deferredSend; fn != nil {
		r.deferredSend = nil
		fn()
	}
}
