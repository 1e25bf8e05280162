package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"infershm/pkg/config"
	"infershm/pkg/device"
	"infershm/pkg/observability"
	"infershm/pkg/response"
	"infershm/pkg/serving"
	"infershm/pkg/shm"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
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

	arena, err := shm.Open(cfg.Arena.Name)
	if err != nil {
		fatalf("open arena: %v", err)
	}
	defer arena.Close()

	handle, err := readHandle(arena.Path() + ".handle")
	if err != nil {
		fatalf("read handle: %v", err)
	}

	rsp, err := response.Load(arena, handle, true)
	if err != nil {
		fatalf("load response: %v", err)
	}
	logger.Info("response loaded",
		zap.Uint64("handle", uint64(handle)),
		zap.Int("outputs", len(rsp.Outputs())),
		zap.Bool("error", rsp.HasError()))

	factory := &serving.InProcFactory{ShareGPU: true}
	var buffers []serving.BufferPair
	deferred, slot := serving.Send(rsp, factory, nil, device.NewStream(),
		serving.FlagFinal, arena, &buffers, nil)
	if deferred {
		// In the demo no other actor populates GPU buffers, so complete
		// right away.
		rsp.DeferredSendCallback()
	}
	if err := slot.Err(); err != nil {
		logger.Warn("delivery carried an error", zap.Error(err))
	}

	for _, ch := range factory.Channels {
		for _, out := range ch.Outputs {
			fmt.Printf("%s: %d bytes in %s\n", out.Name, len(out.Data), out.Location)
		}
	}
}

func readHandle(path string) (shm.Handle, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("handle file is %d bytes, want 8", len(buf))
	}
	return shm.Handle(binary.LittleEndian.Uint64(buf)), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
