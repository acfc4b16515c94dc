// Package readiness decides whether the service is ready by pushing the
// declared request examples through the real pipeline.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/telemetry"
)

var ErrProbeFailed = errors.New("readiness probe failed")

const (
	StatusOK    = "OK"
	StatusError = "Error"
)

// Runner runs one decoded value through the single-item path.
type Runner interface {
	RunValue(ctx context.Context, raw any) pipeline.Result
}

type Options struct {
	Logger *slog.Logger
	// Timeout bounds one probe run. Zero means no limit.
	Timeout time.Duration
	Hooks   telemetry.Hooks
}

// Status is the per-stage health payload.
type Status struct {
	Service     string `json:"service"`
	Preprocess  string `json:"preprocess"`
	Inference   string `json:"inference"`
	Postprocess string `json:"postprocess"`
}

type Report struct {
	Ready bool
	// Example is the index of the last example run, -1 when none was.
	Example int
	Latency time.Duration
	Err     error
	Status  Status
}

type Prober struct {
	runner   Runner
	examples []any
	timeout  time.Duration
	logger   *slog.Logger
	hooks    telemetry.Hooks

	mu    sync.Mutex
	ready bool
	next  int
	last  Report
}

func New(runner Runner, examples []any, opts Options) *Prober {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Prober{
		runner:   runner,
		examples: examples,
		timeout:  opts.Timeout,
		logger:   logger,
		hooks:    telemetry.OrNop(opts.Hooks),
		last:     Report{Example: -1, Status: statusFor(false, nil)},
	}
}

func (p *Prober) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Last returns the most recent report without probing.
func (p *Prober) Last() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Warmup runs every example. The service is ready only if all of them pass.
func (p *Prober) Warmup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	report := p.warmupLocked(ctx)
	return report.Err
}

// Check re-runs the full warmup while not ready, otherwise one example in
// round robin order. A failure flips readiness off.
func (p *Prober) Check(ctx context.Context) Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return p.warmupLocked(ctx)
	}
	if len(p.examples) == 0 {
		return p.record(Report{Ready: true, Example: -1, Status: statusFor(true, nil)})
	}
	idx := p.next % len(p.examples)
	p.next++
	latency, err := p.probe(ctx, idx)
	if err != nil {
		p.logger.Warn(
			"readiness_probe_failed",
			"example", idx,
			"latency_ms", latency.Seconds()*1000.0,
			"error", err.Error(),
		)
	}
	return p.record(Report{
		Ready:   err == nil,
		Example: idx,
		Latency: latency,
		Err:     err,
		Status:  statusFor(err == nil, err),
	})
}

func (p *Prober) warmupLocked(ctx context.Context) Report {
	start := time.Now()
	report := Report{Ready: true, Example: -1}
	for idx := range p.examples {
		report.Example = idx
		if _, err := p.probe(ctx, idx); err != nil {
			report.Ready = false
			report.Err = err
			break
		}
	}
	report.Latency = time.Since(start)
	report.Status = statusFor(report.Ready, report.Err)
	if report.Err != nil {
		p.logger.Warn(
			"readiness_warmup_failed",
			"examples", len(p.examples),
			"example", report.Example,
			"error", report.Err.Error(),
		)
	} else {
		p.logger.Info(
			"readiness_warmup_done",
			"examples", len(p.examples),
			"latency_ms", report.Latency.Seconds()*1000.0,
		)
	}
	return p.record(report)
}

func (p *Prober) probe(ctx context.Context, idx int) (time.Duration, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	result := p.runner.RunValue(ctx, p.examples[idx])
	latency := time.Since(start)
	if result.Failed() {
		return latency, fmt.Errorf("%w: example %d: %w", ErrProbeFailed, idx, result.Err)
	}
	if err := ctx.Err(); err != nil {
		return latency, fmt.Errorf("%w: example %d: %w", ErrProbeFailed, idx, err)
	}
	return latency, nil
}

func (p *Prober) record(report Report) Report {
	p.ready = report.Ready
	p.last = report
	p.hooks.OnProbe(report.Ready, report.Latency, report.Err)
	return report
}

func statusFor(ready bool, err error) Status {
	status := Status{
		Service:     StatusOK,
		Preprocess:  StatusOK,
		Inference:   StatusOK,
		Postprocess: StatusOK,
	}
	if !ready {
		status.Service = StatusError
	}
	kind, ok := pipeline.KindOf(err)
	if !ok {
		return status
	}
	switch kind {
	case pipeline.KindPreprocess:
		status.Preprocess = StatusError
	case pipeline.KindInference, pipeline.KindBatchInference:
		status.Inference = StatusError
	case pipeline.KindPostprocess:
		status.Postprocess = StatusError
	}
	return status
}
