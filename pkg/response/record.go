package response

import (
	"encoding/binary"
	"errors"
	"fmt"

	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

// Response record layout (24-byte fixed header, little-endian).
//
//  0        HasError   u8
//  1        IsErrorSet u8
//  2  ..3   Reserved
//  4  ..11  Error      u64 handle (valid only if IsErrorSet)
//  12 ..15  OutputsSize u32       (valid only if !HasError)
//  16 ..23  Reserved
//  24 ..    OutputsSize trailing u64 tensor handles, present iff
//           !HasError, in declaration order.
const (
	recordHeaderSize = 24
	handleSize       = 8
)

// corruptErrorMessage stands in for an error whose record never finished
// writing (HasError set, IsErrorSet clear).
const corruptErrorMessage = "Failed to retrieve the response error."

// Save serializes the response into the arena. The response's own arena
// handle becomes its externally visible identity. copyGPU controls
// whether device tensor bytes are physically copied into the arena or
// referenced through IPC handles.
func (r *Response) Save(arena *shm.Arena, copyGPU bool) error {
	size := uint64(recordHeaderSize)
	if !r.HasError() {
		size += uint64(len(r.outputs)) * handleSize
	}
	handle, rec, err := arena.Allocate(size)
	if err != nil {
		return fmt.Errorf("response: %w", err)
	}
	rec[0] = 0 // HasError
	rec[1] = 0 // IsErrorSet
	r.shmHandle = handle

	if r.HasError() {
		rec[0] = 1
		if err := r.err.Save(arena); err != nil {
			// IsErrorSet stays clear so the reader synthesizes a
			// placeholder instead of chasing a dead handle.
			return err
		}
		rec[1] = 1
		binary.LittleEndian.PutUint64(rec[4:12], uint64(r.err.ShmHandle()))
		binary.LittleEndian.PutUint32(rec[12:16], 0)
		return nil
	}

	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(r.outputs)))
	table := rec[recordHeaderSize:]
	for i, out := range r.outputs {
		if err := out.Save(arena, copyGPU); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(table[i*handleSize:(i+1)*handleSize], uint64(out.ShmHandle()))
	}
	return nil
}

// Load reconstructs a response from its arena record. mapGPU controls
// whether device tensors are eagerly mapped into this process. A record
// whose error write was interrupted loads as a response carrying a
// generic placeholder error, never as a failure.
func Load(arena *shm.Arena, handle shm.Handle, mapGPU bool) (*Response, error) {
	rec, err := arena.Load(handle)
	if err != nil {
		return nil, err
	}
	if len(rec) < recordHeaderSize {
		return nil, errors.New("response: record too short")
	}
	hasError := rec[0] != 0
	isErrorSet := rec[1] != 0

	r := &Response{shmHandle: handle}
	switch {
	case hasError && isErrorSet:
		errHandle := shm.Handle(binary.LittleEndian.Uint64(rec[4:12]))
		r.err, err = LoadError(arena, errHandle)
		if err != nil {
			r.err = NewError(corruptErrorMessage)
		}
	case hasError:
		r.err = NewError(corruptErrorMessage)
	default:
		count := binary.LittleEndian.Uint32(rec[12:16])
		if uint64(recordHeaderSize)+uint64(count)*handleSize > uint64(len(rec)) {
			return nil, fmt.Errorf("response: handle table of %d entries overruns record", count)
		}
		table := rec[recordHeaderSize:]
		r.outputs = make([]*tensor.Tensor, 0, count)
		for i := uint32(0); i < count; i++ {
			th := shm.Handle(binary.LittleEndian.Uint64(table[i*handleSize : (i+1)*handleSize]))
			out, err := tensor.Load(arena, th, mapGPU)
			if err != nil {
				return nil, fmt.Errorf("response: output %d: %w", i, err)
			}
			r.outputs = append(r.outputs, out)
		}
	}
	return r, nil
}
