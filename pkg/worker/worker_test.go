//go:build unix

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"infershm/pkg/codec"
	"infershm/pkg/device"
	"infershm/pkg/response"
	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

func testArena(t *testing.T) *shm.Arena {
	t.Helper()
	a, err := shm.Create(fmt.Sprintf("worker_%d_%s", os.Getpid(), t.Name()), 1<<20)
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// echoExec returns fixed outputs, or fails when told to.
type echoExec struct {
	outputs []*tensor.Tensor
	err     error
}

func (echoExec) CanHandle(model string) bool { return model == "echo" }
func (echoExec) Name() string                { return "echo" }

func (e echoExec) Infer(context.Context, Request) ([]*tensor.Tensor, error) {
	return e.outputs, e.err
}

func hostTensor(t *testing.T, name string, data []byte) *tensor.Tensor {
	t.Helper()
	ts, err := tensor.New(name, tensor.U8, []int64{int64(len(data))}, device.Location{Kind: device.KindCPU}, data)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	return ts
}

func TestRespondSuccess(t *testing.T) {
	a := testArena(t)
	data := []byte{4, 5, 6}
	exec := echoExec{outputs: []*tensor.Tensor{hostTensor(t, "OUT0", data)}}
	r := NewResponder(a, false, zap.NewNop())

	h, err := r.Respond(context.Background(), exec, Request{ID: "req-1", Model: "echo"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := response.Load(a, h, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.HasError() {
		t.Fatalf("unexpected error: %v", got.Error())
	}
	if len(got.Outputs()) != 1 || !bytes.Equal(got.Outputs()[0].Data(), data) {
		t.Fatal("output mismatch")
	}
}

func TestRespondExecutorFailure(t *testing.T) {
	a := testArena(t)
	exec := echoExec{err: errors.New("cuda out of memory")}
	r := NewResponder(a, false, zap.NewNop())

	h, err := r.Respond(context.Background(), exec, Request{ID: "req-2", Model: "echo"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := response.Load(a, h, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.HasError() || got.Error().Message() != "cuda out of memory" {
		t.Fatalf("error = %v", got.Error())
	}
}

func TestRespondUnknownModel(t *testing.T) {
	a := testArena(t)
	r := NewResponder(a, false, zap.NewNop())
	h, err := r.Respond(context.Background(), echoExec{}, Request{ID: "req-3", Model: "resnet"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := response.Load(a, h, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.HasError() {
		t.Fatal("expected error response for unhandled model")
	}
}

func TestRespondPrunesRequestedOutputs(t *testing.T) {
	a := testArena(t)
	exec := echoExec{outputs: []*tensor.Tensor{
		hostTensor(t, "OUT0", []byte{1}),
		hostTensor(t, "OUT1", []byte{2}),
	}}
	r := NewResponder(a, false, zap.NewNop())
	h, err := r.Respond(context.Background(), exec, Request{
		ID: "req-4", Model: "echo", RequestedOutputs: []string{"OUT1"},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := response.Load(a, h, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Outputs()) != 1 || got.Outputs()[0].Name() != "OUT1" {
		t.Fatalf("outputs = %d", len(got.Outputs()))
	}
}

func TestDecodePayload(t *testing.T) {
	reg := codec.NewRegistry()
	payload, err := reg.Get(codec.FormatCBOR).Marshal(map[string]string{"prompt": "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := Request{Payload: payload, Format: codec.FormatCBOR}
	var got map[string]string
	if err := req.DecodePayload(reg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["prompt"] != "hi" {
		t.Fatalf("payload = %v", got)
	}
	if err := (Request{Format: codec.Format(42)}).DecodePayload(reg, &got); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStreamChaining(t *testing.T) {
	a := testArena(t)
	r := NewResponder(a, false, zap.NewNop())
	s := r.NewStream()

	first, err := s.Push([]*tensor.Tensor{hostTensor(t, "OUT0", []byte{1})}, nil, false)
	if err != nil {
		t.Fatalf("push 1: %v", err)
	}
	second, err := s.Push([]*tensor.Tensor{hostTensor(t, "OUT0", []byte{2})}, nil, true)
	if err != nil {
		t.Fatalf("push 2: %v", err)
	}

	fut := first.NextResponse()
	if fut == nil {
		t.Fatal("first response must carry the next-response future")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != second {
		t.Fatal("future must resolve to the second response")
	}
	if got.NextResponse() != nil {
		t.Fatal("final response must not chain further")
	}

	if _, err := s.Push(nil, nil, true); err == nil {
		t.Fatal("push after final must fail")
	}
}
