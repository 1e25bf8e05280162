// Package worker is the stub-process side of the protocol: it runs an
// executor, wraps the result (or failure) in a response value, and
// serializes it into the shared arena for the serving process to pick up.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"infershm/pkg/codec"
	"infershm/pkg/response"
	"infershm/pkg/shm"
	"infershm/pkg/tensor"
)

// Request describes one inference to run.
type Request struct {
	ID               string
	Model            string
	Inputs           []*tensor.Tensor
	RequestedOutputs []string
	// Payload is an application-defined blob; Format names the codec it
	// was produced with.
	Payload []byte
	Format  codec.Format
	Meta    map[string]string
}

// DecodePayload unmarshals the request payload with the registry codec
// matching its format.
func (r Request) DecodePayload(reg *codec.Registry, v any) error {
	c := reg.Get(r.Format)
	if c == nil {
		return fmt.Errorf("worker: no codec for format %d", r.Format)
	}
	return c.Unmarshal(r.Payload, v)
}

// Executor runs inferences and produces named output tensors.
type Executor interface {
	// CanHandle reports whether this executor serves the model.
	CanHandle(model string) bool

	// Infer runs the request and returns the outputs in declaration
	// order.
	Infer(ctx context.Context, req Request) ([]*tensor.Tensor, error)

	// Name identifies the executor for logging.
	Name() string
}

// Responder turns executor results into serialized arena records.
type Responder struct {
	arena   *shm.Arena
	copyGPU bool
	log     *zap.Logger
}

// NewResponder builds a responder writing into arena. copyGPU controls
// whether device tensor bytes are copied into the arena or shared by IPC
// handle.
func NewResponder(arena *shm.Arena, copyGPU bool, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.L()
	}
	return &Responder{arena: arena, copyGPU: copyGPU, log: log}
}

// Respond runs the executor and serializes the outcome. Executor
// failures become error responses rather than local errors, so the
// serving side always receives a record; only serialization itself can
// fail.
func (r *Responder) Respond(ctx context.Context, exec Executor, req Request) (shm.Handle, error) {
	rsp := r.buildResponse(ctx, exec, req)
	if req.RequestedOutputs != nil {
		requested := make(map[string]struct{}, len(req.RequestedOutputs))
		for _, name := range req.RequestedOutputs {
			requested[name] = struct{}{}
		}
		rsp.PruneOutputs(requested)
	}
	if err := rsp.Save(r.arena, r.copyGPU); err != nil {
		return 0, fmt.Errorf("worker: serialize response for %q: %w", req.ID, err)
	}
	r.log.Debug("response serialized",
		zap.String("request_id", req.ID),
		zap.Int("outputs", len(rsp.Outputs())),
		zap.Bool("error", rsp.HasError()),
		zap.Uint64("handle", uint64(rsp.ShmHandle())))
	return rsp.ShmHandle(), nil
}

func (r *Responder) buildResponse(ctx context.Context, exec Executor, req Request) *response.Response {
	if !exec.CanHandle(req.Model) {
		rsp, _ := response.New(nil, response.NewError(
			fmt.Sprintf("executor %s cannot handle model %q", exec.Name(), req.Model)))
		return rsp
	}
	outputs, err := exec.Infer(ctx, req)
	if err != nil {
		r.log.Warn("inference failed",
			zap.String("request_id", req.ID), zap.Error(err))
		rsp, _ := response.New(nil, response.NewError(err.Error()))
		return rsp
	}
	rsp, err := response.New(outputs, nil)
	if err != nil {
		// A nil output tensor is an executor bug; report it to the
		// caller instead of crashing the stub.
		rsp, _ = response.New(nil, response.NewError(err.Error()))
	}
	return rsp
}
