// Package shm implements a named shared-memory arena with handle-based
// allocation. A worker process and a serving process map the same region;
// records written by one side are loaded by the other through opaque
// handles (byte offsets into the region).
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Arena header layout (64 bytes, little-endian).
//
//  0  ..7   Magic     "INFSHM\0\0"
//  8  ..11  Version   u32
//  12 ..15  Reserved  u32
//  16 ..23  TotalSize u64
//  24 ..31  Next      u64  bump pointer (offset of next free byte)
//  32 ..63  Reserved
const (
	arenaMagic      = "INFSHM\x00\x00"
	arenaVersion    = uint32(1)
	arenaHeaderSize = 64

	// Every allocation is 8-byte aligned and carries a u64 length prefix.
	allocAlign      = 8
	allocPrefixSize = 8
)

var (
	ErrArenaFull     = errors.New("shm: arena is full")
	ErrInvalidHandle = errors.New("shm: invalid handle")
)

// Handle is an opaque, process-independent reference to an allocation
// inside the arena. It stays valid for the lifetime of the region.
type Handle uint64

// Arena is a mapped shared-memory region. One process creates it, any
// number of processes open it by name. Allocation is append-only; the
// arena never reclaims individual records.
type Arena struct {
	mem   []byte
	path  string
	owner bool
}

func (a *Arena) nextPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&a.mem[24]))
}

// Path returns the backing file path of the region.
func (a *Arena) Path() string { return a.path }

// Size returns the total size of the region in bytes.
func (a *Arena) Size() uint64 { return binary.LittleEndian.Uint64(a.mem[16:24]) }

// Used returns the number of bytes consumed so far, header included.
func (a *Arena) Used() uint64 { return atomic.LoadUint64(a.nextPtr()) }

func (a *Arena) initHeader(total uint64) {
	copy(a.mem[0:8], arenaMagic)
	binary.LittleEndian.PutUint32(a.mem[8:12], arenaVersion)
	binary.LittleEndian.PutUint64(a.mem[16:24], total)
	atomic.StoreUint64(a.nextPtr(), arenaHeaderSize)
}

func (a *Arena) validateHeader() error {
	if len(a.mem) < arenaHeaderSize {
		return fmt.Errorf("shm: region too small: %d bytes", len(a.mem))
	}
	if string(a.mem[0:8]) != arenaMagic {
		return errors.New("shm: bad arena magic")
	}
	if v := binary.LittleEndian.Uint32(a.mem[8:12]); v != arenaVersion {
		return fmt.Errorf("shm: unsupported arena version %d, expected %d", v, arenaVersion)
	}
	if total := binary.LittleEndian.Uint64(a.mem[16:24]); total != uint64(len(a.mem)) {
		return fmt.Errorf("shm: arena size mismatch: header %d, mapped %d", total, len(a.mem))
	}
	return nil
}

// Allocate reserves size bytes and returns the handle plus a writable view
// of the reservation. The returned slice aliases the shared region, so
// bytes written to it are immediately visible to the peer process.
func (a *Arena) Allocate(size uint64) (Handle, []byte, error) {
	if size == 0 {
		return 0, nil, errors.New("shm: zero-size allocation")
	}
	need := alignUp(allocPrefixSize+size, allocAlign)
	total := a.Size()
	for {
		next := atomic.LoadUint64(a.nextPtr())
		if next+need > total {
			return 0, nil, fmt.Errorf("%w: need %d bytes, %d free", ErrArenaFull, need, total-next)
		}
		if atomic.CompareAndSwapUint64(a.nextPtr(), next, next+need) {
			binary.LittleEndian.PutUint64(a.mem[next:next+8], size)
			off := next + allocPrefixSize
			return Handle(off), a.mem[off : off+size : off+size], nil
		}
	}
}

// Load resolves a handle to the allocation it references. The view aliases
// the shared region and is valid until the arena is closed.
func (a *Arena) Load(h Handle) ([]byte, error) {
	off := uint64(h)
	if off < arenaHeaderSize+allocPrefixSize || off >= uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: offset %d", ErrInvalidHandle, off)
	}
	size := binary.LittleEndian.Uint64(a.mem[off-allocPrefixSize : off])
	if size == 0 || off+size > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: offset %d, recorded size %d", ErrInvalidHandle, off, size)
	}
	return a.mem[off : off+size : off+size], nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
