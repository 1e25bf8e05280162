// Package device models the memory placement side of inference outputs:
// where a buffer lives (host, pinned host, or an accelerator device), the
// stream a transfer was issued on, and inter-process handles to device
// memory. Real accelerator transfers are performed by a pluggable Copier;
// the default implementation simulates device memory with host buffers so
// the protocol can be exercised without a GPU.
package device

import (
	"fmt"
	"sync"
)

// Kind identifies a memory space.
type Kind uint32

const (
	KindCPU Kind = iota
	KindCPUPinned
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCPUPinned:
		return "cpu-pinned"
	case KindGPU:
		return "gpu"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Location is a memory space plus a device ordinal. The ordinal is zero
// for host memory.
type Location struct {
	Kind   Kind
	Device int64
}

func (l Location) OnDevice() bool { return l.Kind == KindGPU }

func (l Location) String() string {
	if l.OnDevice() {
		return fmt.Sprintf("%s:%d", l.Kind, l.Device)
	}
	return l.Kind.String()
}

// Stream is a device synchronization handle. Asynchronous copies are
// issued against a stream; Synchronize blocks until everything issued on
// it so far has completed.
type Stream struct {
	mu      sync.Mutex
	pending []func()
	syncs   int
}

// NewStream returns an empty stream.
func NewStream() *Stream { return &Stream{} }

func (s *Stream) enqueue(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

// Synchronize runs every transfer still queued on the stream, in issue
// order, then returns.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	work := s.pending
	s.pending = nil
	s.syncs++
	s.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// SyncCount reports how many times Synchronize has been called.
func (s *Stream) SyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// PendingCount reports transfers issued but not yet synchronized.
func (s *Stream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
