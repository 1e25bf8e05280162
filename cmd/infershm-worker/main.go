package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"infershm/pkg/config"
	"infershm/pkg/device"
	"infershm/pkg/observability"
	"infershm/pkg/shm"
	"infershm/pkg/tensor"
	"infershm/pkg/worker"
)

// demoExec produces two fixed host tensors for any request.
type demoExec struct{ model string }

func (e demoExec) CanHandle(model string) bool { return model == e.model }
func (e demoExec) Name() string                { return "demo" }

func (demoExec) Infer(context.Context, worker.Request) ([]*tensor.Tensor, error) {
	out0, err := tensor.New("OUT0", tensor.F32, []int64{2},
		device.Location{Kind: device.KindCPU}, []byte{0, 0, 128, 63, 0, 0, 0, 64}) // [1.0, 2.0]
	if err != nil {
		return nil, err
	}
	out1, err := tensor.New("OUT1", tensor.I32, []int64{3},
		device.Location{Kind: device.KindCPU}, []byte{7, 0, 0, 0, 8, 0, 0, 0, 9, 0, 0, 0})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out0, out1}, nil
}

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	requestID := flag.String("request", "req-1", "request id to answer")
	timeout := flag.Duration("timeout", 5*time.Second, "inference timeout")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer logger.Sync()

	arena, err := shm.Create(cfg.Arena.Name, cfg.Arena.SizeBytes)
	if err != nil {
		fatalf("create arena: %v", err)
	}
	defer arena.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	responder := worker.NewResponder(arena, cfg.Worker.CopyGPU, logger)
	handle, err := responder.Respond(ctx, demoExec{model: cfg.Worker.Model}, worker.Request{
		ID:    *requestID,
		Model: cfg.Worker.Model,
	})
	if err != nil {
		fatalf("respond: %v", err)
	}

	if err := writeHandle(arena.Path()+".handle", handle); err != nil {
		fatalf("publish handle: %v", err)
	}
	logger.Info("response ready",
		zap.String("request_id", *requestID),
		zap.Uint64("handle", uint64(handle)),
		zap.String("arena", arena.Path()))

	// Keep the mapping alive until the server side has consumed it.
	fmt.Println("press enter to tear down the arena")
	fmt.Scanln()
}

// writeHandle publishes the record handle next to the region so the
// server process can find it. The real handoff runs over the control
// channel; this is only demo plumbing.
func writeHandle(path string, h shm.Handle) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h))
	return os.WriteFile(path, buf[:], 0o644)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
