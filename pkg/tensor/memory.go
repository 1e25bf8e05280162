package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"infershm/pkg/device"
	"infershm/pkg/shm"
)

// TransferMode says how the worker side gets bytes into a delivered
// output buffer.
type TransferMode uint32

const (
	// TransferCopy: the worker must copy bytes into the destination
	// (same-device copy, or a write into the record's inline region for
	// host destinations).
	TransferCopy TransferMode = iota
	// TransferZeroCopy: the destination device allocation is mapped via
	// the recorded IPC handle; no byte copy is needed.
	TransferZeroCopy
)

// Memory record layout (little-endian).
//
//  0  ..3   Kind     u32
//  4  ..7   Mode     u32
//  8  ..15  Device   i64
//  16 ..23  ByteSize u64
//  24 ..27  Flags    u32
//  28 ..31  Reserved
//  32 ..    host kinds: ByteSize inline bytes; device kind: 64-byte IPC
//           handle slot (flagIPC set once a handle has been written).
const memoryHeaderSize = 32

// Memory describes a runtime-allocated output buffer through the arena,
// so the worker process can populate it after delivery has returned.
type Memory struct {
	loc       device.Location
	byteSize  uint64
	mode      TransferMode
	shmHandle shm.Handle
	rec       []byte
}

// CreateMemory allocates and writes a buffer descriptor record. For host
// locations the record carries an inline data region; data may be nil
// when the bytes arrive later. For device locations the record carries an
// IPC handle slot, filled in by SetIPCHandle.
func CreateMemory(arena *shm.Arena, loc device.Location, byteSize uint64, data []byte, mode TransferMode) (*Memory, error) {
	size := uint64(memoryHeaderSize)
	if loc.OnDevice() {
		size += uint64(len(device.IPCHandle{}))
	} else {
		size += byteSize
	}
	handle, rec, err := arena.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("memory descriptor: %w", err)
	}
	binary.LittleEndian.PutUint32(rec[0:4], uint32(loc.Kind))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(mode))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(loc.Device))
	binary.LittleEndian.PutUint64(rec[16:24], byteSize)
	if !loc.OnDevice() && data != nil {
		copy(rec[memoryHeaderSize:], data)
	}
	return &Memory{loc: loc, byteSize: byteSize, mode: mode, shmHandle: handle, rec: rec}, nil
}

// LoadMemory resolves a descriptor written by the peer process.
func LoadMemory(arena *shm.Arena, handle shm.Handle) (*Memory, error) {
	rec, err := arena.Load(handle)
	if err != nil {
		return nil, err
	}
	if len(rec) < memoryHeaderSize {
		return nil, errors.New("memory descriptor: record too short")
	}
	m := &Memory{
		loc: device.Location{
			Kind:   device.Kind(binary.LittleEndian.Uint32(rec[0:4])),
			Device: int64(binary.LittleEndian.Uint64(rec[8:16])),
		},
		mode:      TransferMode(binary.LittleEndian.Uint32(rec[4:8])),
		byteSize:  binary.LittleEndian.Uint64(rec[16:24]),
		shmHandle: handle,
		rec:       rec,
	}
	if m.loc.OnDevice() {
		if uint64(len(rec)) < memoryHeaderSize+uint64(len(device.IPCHandle{})) {
			return nil, errors.New("memory descriptor: IPC slot overruns record")
		}
	} else if uint64(len(rec)) < memoryHeaderSize+m.byteSize {
		return nil, errors.New("memory descriptor: data region overruns record")
	}
	return m, nil
}

func (m *Memory) Location() device.Location { return m.loc }
func (m *Memory) ByteSize() uint64          { return m.byteSize }
func (m *Memory) Mode() TransferMode        { return m.mode }
func (m *Memory) ShmHandle() shm.Handle     { return m.shmHandle }

// Data returns the inline region of a host descriptor. The region aliases
// the arena, so writes are visible to the peer process.
func (m *Memory) Data() []byte {
	if m.loc.OnDevice() {
		return nil
	}
	return m.rec[memoryHeaderSize : memoryHeaderSize+m.byteSize : memoryHeaderSize+m.byteSize]
}

// SetIPCHandle records the destination's inter-process device handle.
func (m *Memory) SetIPCHandle(h device.IPCHandle) error {
	if !m.loc.OnDevice() {
		return errors.New("memory descriptor: IPC handle on host buffer")
	}
	copy(m.rec[memoryHeaderSize:], h[:])
	flags := binary.LittleEndian.Uint32(m.rec[24:28])
	binary.LittleEndian.PutUint32(m.rec[24:28], flags|flagIPC)
	return nil
}

// IPCHandle returns the recorded device handle, or an error if none was
// ever set.
func (m *Memory) IPCHandle() (device.IPCHandle, error) {
	var h device.IPCHandle
	if !m.loc.OnDevice() {
		return h, errors.New("memory descriptor: host buffer has no IPC handle")
	}
	if binary.LittleEndian.Uint32(m.rec[24:28])&flagIPC == 0 {
		return h, device.ErrNoIPC
	}
	copy(h[:], m.rec[memoryHeaderSize:])
	return h, nil
}
