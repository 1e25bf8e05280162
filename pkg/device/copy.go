package device

import (
	"fmt"
)

// Copier performs transfers that involve device memory. Implementations
// may complete the copy asynchronously on the given stream.
type Copier interface {
	// CopyAsync issues dst <- src on the stream and returns once the
	// transfer is queued. The bytes are not guaranteed to have landed
	// until the stream is synchronized.
	CopyAsync(dst, src []byte, dstLoc, srcLoc Location, stream *Stream) error
}

// simCopier queues the memmove on the stream, mirroring the completion
// semantics of a real async device copy.
type simCopier struct{}

func (simCopier) CopyAsync(dst, src []byte, dstLoc, srcLoc Location, stream *Stream) error {
	if stream == nil {
		copy(dst, src)
		return nil
	}
	stream.enqueue(func() { copy(dst, src) })
	return nil
}

var copier Copier = simCopier{}

// SetCopier replaces the device copier. Intended for wiring a real
// accelerator backend or a failing copier in tests.
func SetCopier(c Copier) { copier = c }

// CopyBuffer copies size bytes between two memory locations. Host-to-host
// copies complete before it returns; any transfer touching device memory
// is issued on the stream and reported through usedAsync, leaving the
// caller responsible for synchronizing the stream.
func CopyBuffer(reason string, src []byte, srcLoc Location, dst []byte, dstLoc Location, size uint64, stream *Stream) (usedAsync bool, err error) {
	if uint64(len(src)) < size || uint64(len(dst)) < size {
		return false, fmt.Errorf("%s: short buffer: src %d, dst %d, want %d", reason, len(src), len(dst), size)
	}
	if !srcLoc.OnDevice() && !dstLoc.OnDevice() {
		copy(dst[:size], src[:size])
		return false, nil
	}
	if err := copier.CopyAsync(dst[:size], src[:size], dstLoc, srcLoc, stream); err != nil {
		return false, fmt.Errorf("%s: %w", reason, err)
	}
	return true, nil
}
