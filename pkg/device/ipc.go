package device

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
)

// IPCHandle is a native cross-process reference to device memory. Opening
// it in another process maps the same allocation without a byte copy.
type IPCHandle [64]byte

var (
	ipcMu       sync.Mutex
	ipcRegistry = map[IPCHandle][]byte{}

	// ErrNoIPC is returned when a buffer has no inter-process handle,
	// e.g. the runtime allocated it from a pool that does not support
	// sharing.
	ErrNoIPC = errors.New("device: buffer has no IPC handle")
)

// ExportIPC publishes a device buffer and returns the handle another
// process (or, in the simulated environment, another mapping in this
// process) can use to reach it.
func ExportIPC(buf []byte) (IPCHandle, error) {
	var h IPCHandle
	if _, err := io.ReadFull(rand.Reader, h[:]); err != nil {
		return h, err
	}
	ipcMu.Lock()
	ipcRegistry[h] = buf
	ipcMu.Unlock()
	return h, nil
}

// OpenIPC maps the buffer a handle refers to.
func OpenIPC(h IPCHandle) ([]byte, error) {
	ipcMu.Lock()
	buf, ok := ipcRegistry[h]
	ipcMu.Unlock()
	if !ok {
		return nil, ErrNoIPC
	}
	return buf, nil
}

// CloseIPC withdraws a published handle.
func CloseIPC(h IPCHandle) {
	ipcMu.Lock()
	delete(ipcRegistry, h)
	ipcMu.Unlock()
}
