package device

import (
	"bytes"
	"testing"
)

func TestCopyBufferHostToHost(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	s := NewStream()
	used, err := CopyBuffer("copy", src, Location{Kind: KindCPU}, dst, Location{Kind: KindCPU}, 4, s)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if used {
		t.Fatal("host-to-host copy must not report async use")
	}
	if !bytes.Equal(dst, src) {
		t.Fatalf("dst = %v", dst)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("host copy queued work on the stream")
	}
}

func TestCopyBufferDeviceIsAsync(t *testing.T) {
	src := []byte{9, 8, 7}
	dst := make([]byte, 3)
	s := NewStream()
	used, err := CopyBuffer("copy", src, Location{Kind: KindGPU, Device: 0}, dst, Location{Kind: KindCPU}, 3, s)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !used {
		t.Fatal("device copy must report async use")
	}
	if bytes.Equal(dst, src) {
		t.Fatal("device copy completed before stream sync")
	}
	s.Synchronize()
	if !bytes.Equal(dst, src) {
		t.Fatalf("dst after sync = %v", dst)
	}
}

func TestCopyBufferShortBuffer(t *testing.T) {
	if _, err := CopyBuffer("copy", []byte{1}, Location{}, make([]byte, 8), Location{}, 8, nil); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

func TestIPCRoundTrip(t *testing.T) {
	buf := []byte("device bytes")
	h, err := ExportIPC(buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer CloseIPC(h)

	got, err := OpenIPC(h)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if &got[0] != &buf[0] {
		t.Fatal("IPC open must map the same allocation, not a copy")
	}

	CloseIPC(h)
	if _, err := OpenIPC(h); err == nil {
		t.Fatal("expected error for withdrawn handle")
	}
}
