package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/readiness"
	"github.com/kemingy/ventu/internal/schema"
)

const squareRequestSchema = `
name: SquareInput
fields:
  - name: num
    type: integer
examples:
  - num: 3
`

const squareResponseSchema = `
name: SquareOutput
fields:
  - name: square
    type: integer
`

func newSquareExecutor(t *testing.T, format codec.Format, batch pipeline.BatchFunc) *pipeline.Executor {
	t.Helper()
	return newSquareExecutorWithOptions(t, format, batch, pipeline.Options{})
}

func newSquareExecutorWithOptions(
	t *testing.T,
	format codec.Format,
	batch pipeline.BatchFunc,
	opts pipeline.Options,
) *pipeline.Executor {
	t.Helper()
	req, err := schema.Parse([]byte(squareRequestSchema))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	resp, err := schema.Parse([]byte(squareResponseSchema))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	gate, err := schema.NewGate(req, resp)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	c, err := codec.New(format)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	if batch == nil {
		batch = func(_ context.Context, group []any) ([]any, error) {
			out := make([]any, len(group))
			for idx, value := range group {
				n := value.(int64)
				out[idx] = n * n
			}
			return out, nil
		}
	}
	exec, err := pipeline.NewExecutor(pipeline.Model{
		Name: "square",
		Preprocess: func(_ context.Context, value any) (any, error) {
			return value.(map[string]any)["num"].(int64), nil
		},
		BatchInference: batch,
		Postprocess: func(_ context.Context, value any) (any, error) {
			return map[string]any{"square": value}, nil
		},
	}, gate, c, opts)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return exec
}

func newTestHandler(t *testing.T, exec *pipeline.Executor, prober Prober, cfg HTTPServiceConfig) http.Handler {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "ventu-test"
		cfg.Version = "0.1.0"
	}
	svc, err := NewHTTPService(exec, prober, cfg)
	if err != nil {
		t.Fatalf("NewHTTPService() error = %v", err)
	}
	return svc.Handler()
}

func decodeError(t *testing.T, body []byte) codec.ItemError {
	t.Helper()
	var payload struct {
		Error codec.ItemError `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, body = %s", err, body)
	}
	return payload.Error
}

func TestInferenceSuccess(t *testing.T) {
	handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{})

	req := httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{"num":23}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"square":529}` {
		t.Fatalf("body = %s, want {\"square\":529}", got)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestInferenceErrorStatuses(t *testing.T) {
	failing := func(_ context.Context, _ []any) ([]any, error) {
		return nil, errors.New("division by zero")
	}
	cases := []struct {
		name   string
		body   string
		batch  pipeline.BatchFunc
		status int
		kind   pipeline.Kind
	}{
		{name: "decode", body: `{"num":`, status: http.StatusBadRequest, kind: pipeline.KindDecode},
		{name: "validation", body: `{"num":"bad"}`, status: http.StatusUnprocessableEntity, kind: pipeline.KindValidation},
		{name: "inference", body: `{"num":0}`, batch: failing, status: http.StatusInternalServerError, kind: pipeline.KindInference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, tc.batch), nil, HTTPServiceConfig{})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(tc.body)))

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tc.status, rec.Body.String())
			}
			itemErr := decodeError(t, rec.Body.Bytes())
			if itemErr.Kind != string(tc.kind) {
				t.Fatalf("kind = %q, want %q", itemErr.Kind, tc.kind)
			}
		})
	}
}

func TestInferenceValidationDetails(t *testing.T) {
	handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{}`)))

	var payload struct {
		Error struct {
			Kind    string              `json:"kind"`
			Details []schema.FieldError `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if len(payload.Error.Details) != 1 || payload.Error.Details[0].Path != "num" {
		t.Fatalf("details = %+v, want one issue for num", payload.Error.Details)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/inference"},
		{http.MethodPost, "/health"},
		{http.MethodDelete, "/"},
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
		if kind := decodeError(t, rec.Body.Bytes()).Kind; kind != KindMethodNotAllowed {
			t.Fatalf("kind = %q, want %q", kind, KindMethodNotAllowed)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{MaxBodyBytes: 8})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{"num":123456789}`)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if kind := decodeError(t, rec.Body.Bytes()).Kind; kind != KindPayloadTooLarge {
		t.Fatalf("kind = %q, want %q", kind, KindPayloadTooLarge)
	}
}

func TestHealthReflectsReadiness(t *testing.T) {
	exec := newSquareExecutor(t, codec.FormatJSON, nil)
	prober := readiness.New(exec, []any{map[string]any{"num": 3}}, readiness.Options{})
	handler := newTestHandler(t, exec, prober, HTTPServiceConfig{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if !health.Ready || health.Status.Service != readiness.StatusOK || health.Name != "ventu-test" {
		t.Fatalf("health = %+v", health)
	}

	broken := newSquareExecutor(t, codec.FormatJSON, func(_ context.Context, _ []any) ([]any, error) {
		return nil, errors.New("model not loaded")
	})
	handler = newTestHandler(t, broken, readiness.New(broken, []any{map[string]any{"num": 3}}, readiness.Options{}), HTTPServiceConfig{})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if health.Status.Inference != readiness.StatusError || health.Error == "" {
		t.Fatalf("health = %+v, want inference error", health)
	}
}

func TestIndexListsEndpoints(t *testing.T) {
	svc, err := NewHTTPService(newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{
		Name:    "svc",
		Version: "1.2.3",
		Metrics: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewHTTPService() error = %v", err)
	}

	paths := func(handler http.Handler) []string {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		var index indexResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &index); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if index.Model != "square" || index.Version != "1.2.3" || index.Format != "json" {
			t.Fatalf("index = %+v", index)
		}
		out := make([]string, 0, len(index.Endpoints))
		for _, ep := range index.Endpoints {
			out = append(out, ep.Path)
		}
		return out
	}

	if got := strings.Join(paths(svc.Handler()), ","); got != "/,/health,/inference,/metrics" {
		t.Fatalf("endpoints = %s", got)
	}
	if got := strings.Join(paths(svc.StatusHandler()), ","); got != "/,/health,/metrics" {
		t.Fatalf("status endpoints = %s", got)
	}

	rec := httptest.NewRecorder()
	svc.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{"num":1}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status handler /inference = %d, want 404", rec.Code)
	}
}

func TestInferenceMsgPack(t *testing.T) {
	exec := newSquareExecutor(t, codec.FormatMsgPack, nil)
	handler := newTestHandler(t, exec, nil, HTTPServiceConfig{})

	body, err := exec.Codec().Marshal(map[string]any{"num": 4})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/msgpack" {
		t.Fatalf("Content-Type = %q", got)
	}
	raw, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	value, err := codec.Decode(exec.Codec(), raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := value.(map[string]any)["square"]; got != int64(16) {
		t.Fatalf("square = %#v, want 16", got)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler := newTestHandler(t, newSquareExecutor(t, codec.FormatJSON, nil), nil, HTTPServiceConfig{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "client-42" {
		t.Fatalf("X-Request-ID = %q, want client-42", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		RequestIDMiddleware,
		RecoveryMiddleware(discardLogger(), nil),
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

type panicExecutor struct {
	codec codec.Codec
}

func (e panicExecutor) RunOne(context.Context, []byte) pipeline.Result { panic("adapter bug") }
func (e panicExecutor) Codec() codec.Codec                             { return e.codec }
func (e panicExecutor) ModelName() string                              { return "broken" }

func TestRecoveredPanicUsesServiceFormat(t *testing.T) {
	c, err := codec.New(codec.FormatMsgPack)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	svc, err := NewHTTPService(panicExecutor{codec: c}, nil, HTTPServiceConfig{Name: "ventu-test"})
	if err != nil {
		t.Fatalf("NewHTTPService() error = %v", err)
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader("x")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/msgpack" {
		t.Fatalf("content type = %q, want application/msgpack", got)
	}
	var payload struct {
		Error codec.ItemError `json:"error"`
	}
	if err := c.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload.Error.Kind != KindInternal {
		t.Fatalf("kind = %q, want %q", payload.Error.Kind, KindInternal)
	}
}
