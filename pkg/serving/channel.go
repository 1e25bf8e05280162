// Package serving bridges a deserialized inference response to the
// serving runtime's response channel: it allocates runtime output
// buffers, decides per-tensor placement (host copy, same-device copy, or
// zero-copy IPC mapping), and guarantees that exactly one send fires per
// delivery, immediately or deferred.
package serving

import (
	"sync"

	"infershm/pkg/device"
	"infershm/pkg/tensor"
)

// Flags qualify a send.
type Flags uint32

// FlagFinal marks the terminal response of a request. For streamed
// responses, intermediate sends carry zero flags.
const FlagFinal Flags = 1 << 0

// OutputBuffer is a runtime-allocated destination for one output tensor.
// Location is where the runtime actually placed the buffer, which may
// differ from the requested placement.
type OutputBuffer struct {
	Name     string
	Data     []byte
	Location device.Location
	// IPC is the buffer's inter-process device handle, or nil when the
	// runtime pool does not support sharing.
	IPC *device.IPCHandle
}

// Channel is the runtime's response channel for a single request.
type Channel interface {
	// AllocateOutput reserves a buffer for a named, typed, shaped
	// output. The runtime may place it somewhere other than preferred.
	AllocateOutput(name string, dtype tensor.DType, dims []int64, preferred device.Location) (*OutputBuffer, error)

	// Send delivers the response with the given flags. A non-nil errVal
	// turns it into an error response.
	Send(flags Flags, errVal error) error

	// Release tears the channel down. Only the delivery call that
	// created the channel from a factory may release it.
	Release()
}

// Factory creates response channels.
type Factory interface {
	NewChannel() (Channel, error)
}

// AllocPolicy decides where an in-process channel actually places a
// requested buffer. It models a runtime falling back to host memory when
// device memory is scarce.
type AllocPolicy func(name string, byteSize uint64, preferred device.Location) device.Location

// InProcChannel is the in-process Channel implementation used by the demo
// binaries and tests. It records every allocation and send.
type InProcChannel struct {
	mu     sync.Mutex
	policy AllocPolicy
	// shareGPU controls whether device buffers get IPC handles. When
	// false, the GPU-to-GPU path degrades to a same-device copy.
	shareGPU bool
	failNext error

	Outputs  []*OutputBuffer
	Sent     []SendRecord
	Released bool
}

// SendRecord captures one Send call.
type SendRecord struct {
	Flags Flags
	Err   error
}

// InProcFactory builds InProcChannels sharing one policy.
type InProcFactory struct {
	Policy   AllocPolicy
	ShareGPU bool

	mu       sync.Mutex
	Channels []*InProcChannel
}

func (f *InProcFactory) NewChannel() (Channel, error) {
	ch := &InProcChannel{policy: f.Policy, shareGPU: f.ShareGPU}
	f.mu.Lock()
	f.Channels = append(f.Channels, ch)
	f.mu.Unlock()
	return ch, nil
}

// FailNextAllocate makes the next AllocateOutput return err.
func (c *InProcChannel) FailNextAllocate(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

func (c *InProcChannel) AllocateOutput(name string, dtype tensor.DType, dims []int64, preferred device.Location) (*OutputBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return nil, err
	}
	byteSize := dtype.Size() * tensor.NumElements(dims)
	loc := preferred
	if c.policy != nil {
		loc = c.policy(name, byteSize, preferred)
	}
	ob := &OutputBuffer{Name: name, Data: make([]byte, byteSize), Location: loc}
	if loc.OnDevice() && c.shareGPU {
		h, err := device.ExportIPC(ob.Data)
		if err != nil {
			return nil, err
		}
		ob.IPC = &h
	}
	c.Outputs = append(c.Outputs, ob)
	return ob, nil
}

func (c *InProcChannel) Send(flags Flags, errVal error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, SendRecord{Flags: flags, Err: errVal})
	return nil
}

func (c *InProcChannel) Release() {
	c.mu.Lock()
	c.Released = true
	c.mu.Unlock()
}
