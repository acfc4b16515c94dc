package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/pipeline"
)

var (
	ErrBridgeUnavailable = errors.New("bridge command unavailable")
	ErrBridgeInference   = errors.New("bridge inference failed")
	ErrBridgeProtocol    = errors.New("bridge protocol error")
)

// bridgeRequest is written to the command's stdin as one JSON document.
type bridgeRequest struct {
	Model  string `json:"model"`
	Inputs []any  `json:"inputs"`
}

// bridgeResponse is read from stdout; Outputs[i] answers Inputs[i].
type bridgeResponse struct {
	Outputs []json.RawMessage `json:"outputs"`
	Error   string            `json:"error,omitempty"`
}

type bridgeBatchFn func(ctx context.Context, command []string, request bridgeRequest) ([]any, error)

var runBridgeBatch bridgeBatchFn = defaultRunBridgeBatch

// newBridge pipes every inference group to an external command, so models
// written in other languages can be served. Descriptors come from config.
func newBridge(opts Options) (Definition, error) {
	command := parseBridgeCommand(opts.BridgeCommand)
	if len(command) == 0 {
		return Definition{}, fmt.Errorf("%w: model.bridge_command is not configured", ErrBridgeUnavailable)
	}
	name := opts.BridgeModel
	if name == "" {
		name = "bridge"
	}
	timeout := opts.BridgeTimeout
	logger := opts.Logger
	return Definition{
		Model: pipeline.Model{
			Name: name,
			BatchInference: func(ctx context.Context, group []any) ([]any, error) {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				start := time.Now()
				outputs, err := runBridgeBatch(ctx, command, bridgeRequest{Model: name, Inputs: group})
				logger.DebugContext(
					ctx,
					"bridge_batch_done",
					"model", name,
					"command", command[0],
					"group_size", len(group),
					"duration_ms", time.Since(start).Seconds()*1000.0,
					"ok", err == nil,
				)
				return outputs, err
			},
			Reentrant: opts.Reentrant,
		},
	}, nil
}

func parseBridgeCommand(raw string) []string {
	return strings.Fields(raw)
}

func defaultRunBridgeBatch(ctx context.Context, command []string, request bridgeRequest) ([]any, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: bridge command is not configured", ErrBridgeUnavailable)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBridgeProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBridgeInference, ctxErr)
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			if errText == "" {
				return nil, fmt.Errorf("%w: bridge command failed: %w", ErrBridgeUnavailable, runErr)
			}
			return nil, fmt.Errorf("%w: bridge command failed: %w: %s", ErrBridgeUnavailable, runErr, errText)
		}
		if errText == "" {
			return nil, fmt.Errorf("%w: bridge command failed: %w", ErrBridgeInference, runErr)
		}
		return nil, fmt.Errorf("%w: bridge command failed: %w: %s", ErrBridgeInference, runErr, errText)
	}

	var decoded bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBridgeProtocol, err)
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return nil, fmt.Errorf("%w: bridge runtime error: %s", ErrBridgeInference, msg)
	}
	if len(decoded.Outputs) != len(request.Inputs) {
		return nil, fmt.Errorf(
			"%w: bridge returned %d outputs for %d inputs",
			ErrBridgeProtocol,
			len(decoded.Outputs),
			len(request.Inputs),
		)
	}
	out := make([]any, len(decoded.Outputs))
	for idx, raw := range decoded.Outputs {
		var value any
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: output %d: %w", ErrBridgeProtocol, idx, err)
		}
		out[idx] = codec.Normalize(value)
	}
	return out, nil
}
