package serving

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"infershm/pkg/device"
	"infershm/pkg/response"
	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

// ErrorSlot is the wrapped error of a delivery. The send action reads it
// at fire time, so an error set after the output loop aborted still
// reaches the remote caller.
type ErrorSlot struct {
	mu  sync.Mutex
	err error
}

// Set records a delivery failure.
func (s *ErrorSlot) Set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the recorded failure, nil on success.
func (s *ErrorSlot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BufferPair tracks one runtime output buffer that the worker process
// still has to populate: the arena descriptor it reads, and the raw
// buffer the bytes belong in.
type BufferPair struct {
	Memory *tensor.Memory
	Buffer []byte
}

// Send moves a response into the runtime's response channel.
//
// When existing is nil, a fresh channel is created from the factory and
// this call alone is responsible for releasing it, gated on FlagFinal.
// The send itself is registered as an on-exit action: it fires when Send
// returns, unless any output tensor lives in device memory, in which case
// the action is parked on the response and requiresDeferred is true — the
// owner must invoke DeferredSendCallback once the device buffers have
// been populated.
//
// Failures never panic across the boundary: they land in the returned
// slot, abort remaining outputs, and the registered send still fires, so
// the remote side always observes a terminal response.
func Send(
	rsp *response.Response,
	factory Factory,
	existing Channel,
	stream *device.Stream,
	flags Flags,
	arena *shm.Arena,
	buffers *[]BufferPair,
	requested map[string]struct{},
) (requiresDeferred bool, slot *ErrorSlot) {
	slot = &ErrorSlot{}

	ch := existing
	createdChannel := existing == nil
	if createdChannel {
		var err error
		ch, err = factory.NewChannel()
		if err != nil {
			slot.Set(fmt.Errorf("serving: create response channel: %w", err))
			return false, slot
		}
	}

	sendAction := NewScopedDefer(func() {
		if err := ch.Send(flags, slot.Err()); err != nil {
			zap.L().Error("failed to send the response", zap.Error(err))
		}
		if flags&FlagFinal != 0 && createdChannel {
			ch.Release()
		}
	})
	// LIFO order matters: the detach check runs before Complete, so a
	// deferred delivery parks the still-armed action on the response
	// instead of firing it now.
	defer sendAction.Complete()
	defer func() {
		if requiresDeferred {
			rsp.StoreDeferredSend(sendAction.Detach())
		}
	}()

	if rsp.HasError() {
		slot.Set(rsp.Error())
		return false, slot
	}

	rsp.PruneOutputs(requested)

	asyncCopy := false
	for _, out := range rsp.Outputs() {
		srcLoc := out.Location()
		if srcLoc.OnDevice() {
			requiresDeferred = true
		}

		ob, err := ch.AllocateOutput(out.Name(), out.DType(), out.Dims(), srcLoc)
		if err != nil {
			slot.Set(fmt.Errorf("serving: allocate output %q: %w", out.Name(), err))
			return requiresDeferred, slot
		}
		actual := ob.Location

		switch {
		case srcLoc.OnDevice() && actual.OnDevice():
			// Zero-copy when the runtime buffer can be IPC-mapped,
			// otherwise the worker performs a same-device copy.
			mode := tensor.TransferCopy
			if ob.IPC != nil {
				mode = tensor.TransferZeroCopy
			}
			mem, err := tensor.CreateMemory(arena, actual, out.ByteSize(), nil, mode)
			if err != nil {
				slot.Set(err)
				return requiresDeferred, slot
			}
			if ob.IPC != nil {
				if err := mem.SetIPCHandle(*ob.IPC); err != nil {
					slot.Set(err)
					return requiresDeferred, slot
				}
			}
			*buffers = append(*buffers, BufferPair{Memory: mem, Buffer: ob.Data})

		case srcLoc.OnDevice():
			// The runtime fell back to a host buffer. No source bytes
			// exist on this side yet; the worker fills the descriptor's
			// inline region later.
			mem, err := tensor.CreateMemory(arena, actual, out.ByteSize(), nil, tensor.TransferCopy)
			if err != nil {
				slot.Set(err)
				return requiresDeferred, slot
			}
			*buffers = append(*buffers, BufferPair{Memory: mem, Buffer: ob.Data})

		default:
			used, err := device.CopyBuffer("failed to copy the output tensor to buffer",
				out.Data(), srcLoc, ob.Data, actual, out.ByteSize(), stream)
			if err != nil {
				slot.Set(err)
				return requiresDeferred, slot
			}
			asyncCopy = asyncCopy || used
		}
	}

	// Host-originated async copies are reconciled here; device-originated
	// transfers are reconciled by the deferred completion path.
	if asyncCopy && stream != nil {
		stream.Synchronize()
	}
	return requiresDeferred, slot
}
