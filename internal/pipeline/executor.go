// Package pipeline runs user model stages over single items and batches.
//
// A batch is processed in three phases. Decode, validation and preprocess
// run per item and failures stay with their item. The survivors form one
// group for batch inference; a fault there fails every member of the group
// with the same error. Postprocess, output validation and encoding run per
// item again. The returned slice always lines up with the input.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/schema"
	"github.com/kemingy/ventu/internal/telemetry"
)

// Result is the outcome of one item: an encoded output or an error.
type Result struct {
	Payload []byte
	Err     *Error
}

func (r Result) Failed() bool {
	return r.Err != nil
}

func (r Result) ItemResult() codec.ItemResult {
	if r.Err != nil {
		return codec.ItemResult{Error: r.Err.ItemError()}
	}
	return codec.ItemResult{OK: r.Payload}
}

type Options struct {
	Logger *slog.Logger
	Hooks  telemetry.Hooks
}

type Executor struct {
	model  Model
	caps   Capabilities
	gate   *schema.Gate
	codec  codec.Codec
	logger *slog.Logger
	hooks  telemetry.Hooks

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewExecutor(model Model, gate *schema.Gate, c codec.Codec, opts Options) (*Executor, error) {
	caps := model.Capabilities()
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("model %q: %w", model.Name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("model %q: nil codec", model.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Executor{
		model:  model,
		caps:   caps,
		gate:   gate,
		codec:  c,
		logger: logger,
		hooks:  telemetry.OrNop(opts.Hooks),
	}, nil
}

func (e *Executor) Codec() codec.Codec {
	return e.codec
}

func (e *Executor) Capabilities() Capabilities {
	return e.caps
}

func (e *Executor) ModelName() string {
	return e.model.Name
}

// Close releases the model once.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		if e.model.Close != nil {
			e.closeErr = e.model.Close()
		}
	})
	return e.closeErr
}

// RunOne decodes payload and runs it through the single-item path.
func (e *Executor) RunOne(ctx context.Context, payload []byte) Result {
	raw, err := codec.Decode(e.codec, payload)
	if err != nil {
		return e.fail(ctx, newError(KindDecode, err))
	}
	return e.RunValue(ctx, raw)
}

// RunValue runs an already decoded value through the single-item path.
// Only grouped inference calls are reported through Hooks.OnBatch.
func (e *Executor) RunValue(ctx context.Context, raw any) Result {
	defer e.acquire()()

	value, perr := e.prepare(ctx, codec.Normalize(raw))
	if perr != nil {
		return e.fail(ctx, perr)
	}
	out, perr := e.inferOne(ctx, value)
	if perr != nil {
		return e.fail(ctx, perr)
	}
	return e.finish(ctx, out)
}

// RunBatch processes payloads as one batch. len(result) == len(payloads).
func (e *Executor) RunBatch(ctx context.Context, payloads [][]byte) []Result {
	results := make([]Result, len(payloads))
	if len(payloads) == 0 {
		return results
	}
	defer e.acquire()()

	values := make([]any, len(payloads))
	group := make([]int, 0, len(payloads))
	for idx, item := range codec.DecodeItems(e.codec, payloads) {
		if item.Err != nil {
			results[idx] = e.fail(ctx, newError(KindDecode, item.Err))
			continue
		}
		value, perr := e.prepare(ctx, item.Value)
		if perr != nil {
			results[idx] = e.fail(ctx, perr)
			continue
		}
		values[idx] = value
		group = append(group, idx)
	}
	if len(group) == 0 {
		return results
	}

	outputs := e.inferGroup(ctx, len(payloads), group, values, results)
	for _, idx := range group {
		if results[idx].Failed() {
			continue
		}
		results[idx] = e.finish(ctx, outputs[idx])
	}
	return results
}

func (e *Executor) acquire() func() {
	if e.model.Reentrant {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

func (e *Executor) prepare(ctx context.Context, raw any) (any, *Error) {
	value, err := e.gate.ValidateRequest(raw)
	if err != nil {
		return nil, newError(KindValidation, err)
	}
	if !e.caps.Preprocess {
		return value, nil
	}
	value, err = guard(ctx, e, KindPreprocess, func() (any, error) {
		return e.model.Preprocess(ctx, value)
	})
	if err != nil {
		return nil, newError(KindPreprocess, err)
	}
	return value, nil
}

func (e *Executor) inferOne(ctx context.Context, value any) (any, *Error) {
	if e.caps.Inference {
		out, err := guard(ctx, e, KindInference, func() (any, error) {
			return e.model.Inference(ctx, value)
		})
		if err != nil {
			return nil, newError(KindInference, err)
		}
		return out, nil
	}
	outs, err := e.callBatch(ctx, []any{value})
	if err != nil {
		return nil, newError(KindInference, err)
	}
	return outs[0], nil
}

// inferGroup fills outputs for group members and records their failures in
// results.
func (e *Executor) inferGroup(
	ctx context.Context,
	batchSize int,
	group []int,
	values []any,
	results []Result,
) []any {
	outputs := make([]any, len(values))
	start := time.Now()

	if !e.caps.BatchInference {
		var firstErr error
		for _, idx := range group {
			out, perr := e.inferOne(ctx, values[idx])
			if perr != nil {
				results[idx] = e.fail(ctx, perr)
				if firstErr == nil {
					firstErr = perr
				}
				continue
			}
			outputs[idx] = out
		}
		e.hooks.OnBatch(ctx, batchSize, len(group), time.Since(start), firstErr)
		return outputs
	}

	inputs := make([]any, len(group))
	for pos, idx := range group {
		inputs[pos] = values[idx]
	}
	outs, err := e.callBatch(ctx, inputs)
	inferenceTime := time.Since(start)
	e.hooks.OnBatch(ctx, batchSize, len(group), inferenceTime, err)
	if err != nil {
		e.logger.ErrorContext(
			ctx,
			"batch_inference_failed",
			"model", e.model.Name,
			"batch_size", batchSize,
			"group_size", len(group),
			"inference_ms", inferenceTime.Seconds()*1000.0,
			"error", err.Error(),
		)
		groupErr := newError(KindBatchInference, err)
		for _, idx := range group {
			results[idx] = e.fail(ctx, groupErr)
		}
		return outputs
	}
	e.logger.DebugContext(
		ctx,
		"batch_inference_done",
		"model", e.model.Name,
		"batch_size", batchSize,
		"group_size", len(group),
		"inference_ms", inferenceTime.Seconds()*1000.0,
	)
	for pos, idx := range group {
		outputs[idx] = outs[pos]
	}
	return outputs
}

func (e *Executor) callBatch(ctx context.Context, group []any) ([]any, error) {
	outs, err := guard(ctx, e, KindBatchInference, func() ([]any, error) {
		return e.model.BatchInference(ctx, group)
	})
	if err != nil {
		return nil, err
	}
	if len(outs) != len(group) {
		return nil, fmt.Errorf("%w: got %d results for %d items", ErrResultCount, len(outs), len(group))
	}
	return outs, nil
}

func (e *Executor) finish(ctx context.Context, value any) Result {
	out := value
	if e.caps.Postprocess {
		var err error
		out, err = guard(ctx, e, KindPostprocess, func() (any, error) {
			return e.model.Postprocess(ctx, value)
		})
		if err != nil {
			return e.fail(ctx, newError(KindPostprocess, err))
		}
	}
	payload, err := e.codec.Marshal(out)
	if err != nil {
		return e.fail(ctx, newError(KindEncode, err))
	}
	if e.gate.ChecksResponse() {
		decoded, err := codec.Decode(e.codec, payload)
		if err != nil {
			return e.fail(ctx, newError(KindEncode, err))
		}
		if _, err := e.gate.ValidateResponse(decoded); err != nil {
			return e.fail(ctx, newError(KindResponseValidation, err))
		}
	}
	return Result{Payload: payload}
}

func (e *Executor) fail(ctx context.Context, perr *Error) Result {
	e.hooks.OnItemError(ctx, string(perr.Kind))
	e.logger.DebugContext(
		ctx,
		"item_failed",
		"model", e.model.Name,
		"kind", string(perr.Kind),
		"error", perr.Message,
	)
	return Result{Err: perr}
}

// guard recovers panics raised by model code.
func guard[T any](ctx context.Context, e *Executor, stage Kind, fn func() (T, error)) (out T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.ErrorContext(
				ctx,
				"model_panic_recovered",
				"model", e.model.Name,
				"stage", string(stage),
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			var zero T
			out = zero
			err = fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()
	return fn()
}
