// Package telemetry is the observability handle shared by the executor, the
// socket worker and the HTTP adapter.
package telemetry

import (
	"context"
	"time"
)

type Hooks interface {
	OnHTTPRequestStart(ctx context.Context, route string, requestID string)
	OnHTTPRequestDone(
		ctx context.Context,
		route string,
		requestID string,
		statusCode int,
		duration time.Duration,
		err error,
	)
	// OnBatch fires once per grouped inference call. groupSize counts the
	// items that reached inference out of batchSize received.
	OnBatch(
		ctx context.Context,
		batchSize int,
		groupSize int,
		inferenceTime time.Duration,
		err error,
	)
	OnItemError(ctx context.Context, kind string)
	OnWorkerState(state string)
	OnProbe(ready bool, latency time.Duration, err error)
}

type NopHooks struct{}

func (NopHooks) OnHTTPRequestStart(
	_ context.Context,
	_ string,
	_ string,
) {
}

func (NopHooks) OnHTTPRequestDone(
	_ context.Context,
	_ string,
	_ string,
	_ int,
	_ time.Duration,
	_ error,
) {
}

func (NopHooks) OnBatch(
	_ context.Context,
	_ int,
	_ int,
	_ time.Duration,
	_ error,
) {
}

func (NopHooks) OnItemError(_ context.Context, _ string) {}

func (NopHooks) OnWorkerState(_ string) {}

func (NopHooks) OnProbe(_ bool, _ time.Duration, _ error) {}

// OrNop returns hooks, or NopHooks when hooks is nil.
func OrNop(hooks Hooks) Hooks {
	if hooks == nil {
		return NopHooks{}
	}
	return hooks
}
