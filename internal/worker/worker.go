// Package worker connects to the broker's socket and serves batch frames
// until shutdown, reconnecting with exponential backoff when the connection
// drops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/telemetry"
	"github.com/lithammer/shortuuid/v4"
)

var (
	ErrStopped        = errors.New("worker stopped")
	ErrAlreadyRunning = errors.New("worker already running")
	ErrInvalidConfig  = errors.New("invalid worker config")
)

const (
	defaultDialTimeout       = 5 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultMaxFrameSize      = 64 << 20
)

// Runner processes one batch of encoded items. *pipeline.Executor implements
// it.
type Runner interface {
	RunBatch(ctx context.Context, payloads [][]byte) []pipeline.Result
}

type Config struct {
	Network           string
	Address           string
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxFrameSize      int
	Logger            *slog.Logger
	Hooks             telemetry.Hooks
}

type Worker struct {
	runner Runner
	codec  codec.Codec
	cfg    Config
	logger *slog.Logger
	hooks  telemetry.Hooks

	state      atomic.Int32
	reconnects atomic.Uint64
	running    atomic.Bool

	mu   sync.Mutex
	conn net.Conn

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(runner Runner, c codec.Codec, cfg Config) (*Worker, error) {
	if runner == nil || c == nil {
		return nil, fmt.Errorf("%w: runner and codec are required", ErrInvalidConfig)
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.Network != "unix" && cfg.Network != "tcp" {
		return nil, fmt.Errorf("%w: network %q", ErrInvalidConfig, cfg.Network)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(defaultMaxReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Worker{
		runner: runner,
		codec:  c,
		cfg:    cfg,
		logger: logger,
		hooks:  telemetry.OrNop(cfg.Hooks),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Reconnects counts reconnection attempts since Run started.
func (w *Worker) Reconnects() uint64 {
	return w.reconnects.Load()
}

// Run serves the broker until Shutdown or ctx cancellation. Transport faults
// never end Run; they trigger a reconnect.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)
	defer w.setState(StateDisconnected)

	attempt := 0
	for {
		if w.stopping() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.setState(StateConnecting)
		conn, err := w.connect(ctx)
		if err == nil {
			attempt = 0
			err = w.serve(ctx, conn)
			if w.stopping() {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}
		if errors.Is(err, ErrStopped) {
			return nil
		}

		w.setState(StateDisconnected)
		attempt++
		w.reconnects.Add(1)
		delay := backoff(attempt, w.cfg.ReconnectDelay, w.cfg.MaxReconnectDelay)
		w.logger.Warn(
			"broker_reconnecting",
			"address", w.cfg.Address,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", errString(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.stop:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Shutdown stops reading new frames, lets the batch in progress finish and
// its response be written, then waits for Run to return.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.mu.Lock()
	if w.conn != nil {
		w.setState(StateDraining)
		_ = w.conn.SetReadDeadline(time.Now())
	}
	w.mu.Unlock()

	if !w.running.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.mu.Unlock()
		return ctx.Err()
	}
}

func (w *Worker) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: w.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, w.cfg.Network, w.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", w.cfg.Network, w.cfg.Address, err)
	}
	if err := codec.WriteHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping() {
		_ = conn.Close()
		return nil, ErrStopped
	}
	w.conn = conn
	w.setState(StateReady)
	w.logger.Info(
		"broker_connected",
		"network", w.cfg.Network,
		"address", w.cfg.Address,
		"reconnects", w.reconnects.Load(),
	)
	return conn, nil
}

func (w *Worker) serve(ctx context.Context, conn net.Conn) error {
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stopWatch()
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		frame, err := codec.ReadFrame(conn, w.cfg.MaxFrameSize)
		if err != nil {
			if w.stopping() || ctx.Err() != nil {
				return nil
			}
			w.logger.Error(
				"broker_connection_lost",
				"address", w.cfg.Address,
				"error", err.Error(),
			)
			return fmt.Errorf("read frame: %w", err)
		}
		if len(frame) == 0 {
			continue
		}

		var request codec.BatchRequest
		if err := w.codec.Unmarshal(frame, &request); err != nil {
			w.logger.Warn(
				"envelope_dropped",
				"frame_bytes", len(frame),
				"error", err.Error(),
			)
			continue
		}
		response := w.handle(ctx, request)
		payload, err := w.codec.Marshal(response)
		if err != nil {
			w.logger.Error(
				"envelope_encode_failed",
				"correlation_id", response.CorrelationID,
				"error", err.Error(),
			)
			continue
		}
		if err := codec.WriteFrame(conn, payload); err != nil {
			w.logger.Error(
				"broker_connection_lost",
				"address", w.cfg.Address,
				"correlation_id", response.CorrelationID,
				"error", err.Error(),
			)
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

// handle runs one batch. The batch is detached from ctx so shutdown never
// interrupts model code midway.
func (w *Worker) handle(ctx context.Context, request codec.BatchRequest) codec.BatchResponse {
	if request.CorrelationID == "" {
		request.CorrelationID = shortuuid.New()
		w.logger.Warn("envelope_missing_correlation_id", "assigned", request.CorrelationID)
	}
	start := time.Now()
	results := w.runner.RunBatch(context.WithoutCancel(ctx), request.Items)

	response := codec.BatchResponse{
		CorrelationID: request.CorrelationID,
		Results:       make([]codec.ItemResult, len(results)),
		IDs:           request.IDs,
	}
	failed := 0
	for idx, result := range results {
		response.Results[idx] = result.ItemResult()
		if result.Failed() {
			failed++
		}
	}
	response.ErrorIDs = codec.FailedIDs(request.IDs, response.Results)
	w.logger.Info(
		"batch_done",
		"correlation_id", request.CorrelationID,
		"batch_size", len(request.Items),
		"failed", failed,
		"duration_ms", time.Since(start).Seconds()*1000.0,
	)
	return response
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Worker) setState(state State) {
	if w.stopping() && (state == StateConnecting || state == StateReady) {
		return
	}
	if State(w.state.Swap(int32(state))) == state {
		return
	}
	w.hooks.OnWorkerState(state.String())
	w.logger.Debug("worker_state_changed", "state", state.String())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
