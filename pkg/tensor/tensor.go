// Package tensor implements the tensor value exchanged between the worker
// and serving processes, including its shared-memory record format.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"infershm/pkg/codec"
	"infershm/pkg/device"
	"infershm/pkg/shm"
)

// Tensor record layout (little-endian).
//
//  0  ..3   DType    u32
//  4  ..7   Kind     u32
//  8  ..15  Device   i64
//  16 ..23  ByteSize u64
//  24 ..27  MetaLen  u32
//  28 ..31  Flags    u32
//  32 ..    CBOR metadata blob {name, dims}, then either ByteSize raw
//           data bytes (flagInline) or a 64-byte IPC handle (flagIPC).
const (
	tensorHeaderSize = 32

	flagInline = uint32(1 << 0)
	flagIPC    = uint32(1 << 1)
)

var metaCodec = codec.CBOR()

type tensorMeta struct {
	Name string  `cbor:"name"`
	Dims []int64 `cbor:"dims"`
}

// Tensor is a named, typed, shaped buffer. Data aliases either caller
// memory (before serialization), the shared arena (after a host-side
// load), or a mapped device allocation.
type Tensor struct {
	name      string
	dtype     DType
	dims      []int64
	loc       device.Location
	data      []byte
	ipc       *device.IPCHandle
	shmHandle shm.Handle
}

// New builds a tensor over an existing buffer. The buffer length must
// match the byte size implied by dtype and dims.
func New(name string, dtype DType, dims []int64, loc device.Location, data []byte) (*Tensor, error) {
	want := dtype.Size() * NumElements(dims)
	if uint64(len(data)) != want {
		return nil, fmt.Errorf("tensor %q: buffer is %d bytes, dtype %s with dims %v needs %d",
			name, len(data), dtype, dims, want)
	}
	return &Tensor{name: name, dtype: dtype, dims: dims, loc: loc, data: data}, nil
}

func (t *Tensor) Name() string              { return t.name }
func (t *Tensor) DType() DType              { return t.dtype }
func (t *Tensor) Dims() []int64             { return t.dims }
func (t *Tensor) Location() device.Location { return t.loc }
func (t *Tensor) ByteSize() uint64          { return t.dtype.Size() * NumElements(t.dims) }

// Data returns the tensor bytes, or nil for a device tensor that was
// loaded without mapping.
func (t *Tensor) Data() []byte { return t.data }

// IPCHandle returns the inter-process handle of a device tensor loaded
// without mapping, or nil.
func (t *Tensor) IPCHandle() *device.IPCHandle { return t.ipc }

// ShmHandle returns the arena handle of the serialized record. Valid only
// after Save or Load.
func (t *Tensor) ShmHandle() shm.Handle { return t.shmHandle }

// Save serializes the tensor into the arena. For device tensors, copyGPU
// chooses between physically copying the bytes into the arena and merely
// publishing an inter-process handle to the device allocation.
func (t *Tensor) Save(arena *shm.Arena, copyGPU bool) error {
	meta, err := metaCodec.Marshal(tensorMeta{Name: t.name, Dims: t.dims})
	if err != nil {
		return fmt.Errorf("tensor %q: encode metadata: %w", t.name, err)
	}

	inline := !t.loc.OnDevice() || copyGPU
	size := uint64(tensorHeaderSize) + uint64(len(meta))
	if inline {
		size += t.ByteSize()
	} else {
		size += uint64(len(device.IPCHandle{}))
	}

	handle, rec, err := arena.Allocate(size)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", t.name, err)
	}

	flags := uint32(0)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(t.dtype))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(t.loc.Kind))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(t.loc.Device))
	binary.LittleEndian.PutUint64(rec[16:24], t.ByteSize())
	binary.LittleEndian.PutUint32(rec[24:28], uint32(len(meta)))
	copy(rec[tensorHeaderSize:], meta)

	body := rec[tensorHeaderSize+len(meta):]
	if inline {
		flags |= flagInline
		copy(body, t.data)
	} else {
		ipc := t.ipc
		if ipc == nil {
			h, err := device.ExportIPC(t.data)
			if err != nil {
				return fmt.Errorf("tensor %q: export IPC handle: %w", t.name, err)
			}
			ipc = &h
			t.ipc = ipc
		}
		flags |= flagIPC
		copy(body, ipc[:])
	}
	binary.LittleEndian.PutUint32(rec[28:32], flags)

	t.shmHandle = handle
	return nil
}

// Load reconstructs a tensor from its arena record. For device tensors
// serialized by handle, mapGPU controls whether the device allocation is
// mapped into this process now or left as a bare IPC handle.
func Load(arena *shm.Arena, handle shm.Handle, mapGPU bool) (*Tensor, error) {
	rec, err := arena.Load(handle)
	if err != nil {
		return nil, err
	}
	if len(rec) < tensorHeaderSize {
		return nil, errors.New("tensor: record too short")
	}

	t := &Tensor{
		dtype: DType(binary.LittleEndian.Uint32(rec[0:4])),
		loc: device.Location{
			Kind:   device.Kind(binary.LittleEndian.Uint32(rec[4:8])),
			Device: int64(binary.LittleEndian.Uint64(rec[8:16])),
		},
		shmHandle: handle,
	}
	byteSize := binary.LittleEndian.Uint64(rec[16:24])
	metaLen := binary.LittleEndian.Uint32(rec[24:28])
	flags := binary.LittleEndian.Uint32(rec[28:32])
	if uint64(tensorHeaderSize)+uint64(metaLen) > uint64(len(rec)) {
		return nil, errors.New("tensor: metadata overruns record")
	}

	var meta tensorMeta
	if err := metaCodec.Unmarshal(rec[tensorHeaderSize:tensorHeaderSize+metaLen], &meta); err != nil {
		return nil, fmt.Errorf("tensor: decode metadata: %w", err)
	}
	t.name = meta.Name
	t.dims = meta.Dims
	if want := t.ByteSize(); want != byteSize {
		return nil, fmt.Errorf("tensor %q: recorded size %d does not match dims %v", t.name, byteSize, t.dims)
	}

	body := rec[tensorHeaderSize+metaLen:]
	switch {
	case flags&flagInline != 0:
		if uint64(len(body)) < byteSize {
			return nil, errors.New("tensor: data overruns record")
		}
		t.data = body[:byteSize:byteSize]
	case flags&flagIPC != 0:
		var h device.IPCHandle
		if len(body) < len(h) {
			return nil, errors.New("tensor: IPC handle overruns record")
		}
		copy(h[:], body)
		t.ipc = &h
		if mapGPU {
			data, err := device.OpenIPC(h)
			if err != nil {
				return nil, fmt.Errorf("tensor %q: map device memory: %w", t.name, err)
			}
			t.data = data
		}
	default:
		return nil, errors.New("tensor: record carries neither data nor handle")
	}
	return t, nil
}
