package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []any
	fail  func(raw any) *pipeline.Error
}

func (f *fakeRunner) RunValue(_ context.Context, raw any) pipeline.Result {
	f.calls = append(f.calls, raw)
	if f.fail != nil {
		if perr := f.fail(raw); perr != nil {
			return pipeline.Result{Err: perr}
		}
	}
	return pipeline.Result{Payload: []byte(`{}`)}
}

func squareExecutor(t *testing.T, examples string) (*pipeline.Executor, []any) {
	t.Helper()
	req, err := schema.Parse([]byte("fields:\n  - name: num\n    type: integer\n" + examples))
	require.NoError(t, err)
	gate, err := schema.NewGate(req, nil)
	require.NoError(t, err)
	c, err := codec.New(codec.FormatJSON)
	require.NoError(t, err)
	exec, err := pipeline.NewExecutor(pipeline.Model{
		Name: "square",
		Inference: func(_ context.Context, value any) (any, error) {
			n := value.(map[string]any)["num"].(int64)
			return map[string]any{"square": n * n}, nil
		},
	}, gate, c, pipeline.Options{})
	require.NoError(t, err)
	return exec, gate.Examples()
}

func TestWarmupWithValidExamples(t *testing.T) {
	exec, examples := squareExecutor(t, "examples:\n  - num: 3\n  - num: 4\n")
	prober := New(exec, examples, Options{Timeout: time.Second})

	assert.False(t, prober.Ready())
	require.NoError(t, prober.Warmup(context.Background()))
	assert.True(t, prober.Ready())
	assert.Equal(t, StatusOK, prober.Last().Status.Service)
}

func TestWarmupWithInvalidExample(t *testing.T) {
	exec, examples := squareExecutor(t, "examples:\n  - num: 3\n  - num: three\n")
	prober := New(exec, examples, Options{})

	err := prober.Warmup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProbeFailed)
	kind, ok := pipeline.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, pipeline.KindValidation, kind)
	assert.False(t, prober.Ready())

	report := prober.Last()
	assert.Equal(t, 1, report.Example)
	assert.Equal(t, StatusError, report.Status.Service)
}

func TestCheckRoundRobinAndFlip(t *testing.T) {
	broken := false
	runner := &fakeRunner{fail: func(raw any) *pipeline.Error {
		if broken {
			return &pipeline.Error{Kind: pipeline.KindBatchInference, Message: "gpu lost"}
		}
		return nil
	}}
	prober := New(runner, []any{"a", "b"}, Options{})
	require.NoError(t, prober.Warmup(context.Background()))

	first := prober.Check(context.Background())
	second := prober.Check(context.Background())
	assert.True(t, first.Ready)
	assert.Equal(t, 0, first.Example)
	assert.Equal(t, 1, second.Example)
	assert.Equal(t, []any{"a", "b", "a", "b"}, runner.calls)

	broken = true
	report := prober.Check(context.Background())
	assert.False(t, report.Ready)
	assert.Equal(t, StatusError, report.Status.Inference)
	assert.Equal(t, StatusOK, report.Status.Preprocess)
	assert.False(t, prober.Ready())

	broken = false
	report = prober.Check(context.Background())
	assert.True(t, report.Ready, "a check while not ready reruns the warmup")
	assert.Equal(t, []any{"a", "b", "a", "b", "a", "a", "b"}, runner.calls)
}

func TestNoExamplesIsReady(t *testing.T) {
	runner := &fakeRunner{}
	prober := New(runner, nil, Options{})

	require.NoError(t, prober.Warmup(context.Background()))
	report := prober.Check(context.Background())
	assert.True(t, report.Ready)
	assert.Equal(t, -1, report.Example)
	assert.Empty(t, runner.calls)
}

func TestStatusForStages(t *testing.T) {
	status := statusFor(false, errors.Join(ErrProbeFailed, &pipeline.Error{Kind: pipeline.KindPreprocess}))
	assert.Equal(t, Status{
		Service:     StatusError,
		Preprocess:  StatusError,
		Inference:   StatusOK,
		Postprocess: StatusOK,
	}, status)

	status = statusFor(false, &pipeline.Error{Kind: pipeline.KindPostprocess})
	assert.Equal(t, StatusError, status.Postprocess)
}
