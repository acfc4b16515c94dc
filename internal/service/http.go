// Package service is the HTTP adapter: one request runs one item through the
// pipeline synchronously.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/readiness"
	"github.com/kemingy/ventu/internal/telemetry"
)

const defaultMaxBodyBytes = 8 << 20

// Error kinds produced by the adapter itself rather than the pipeline.
const (
	KindMethodNotAllowed = "MethodNotAllowed"
	KindNotFound         = "NotFound"
	KindPayloadTooLarge  = "PayloadTooLarge"
	KindBadRequest       = "BadRequest"
	KindInternal         = "InternalError"
)

type Executor interface {
	RunOne(ctx context.Context, payload []byte) pipeline.Result
	Codec() codec.Codec
	ModelName() string
}

type Prober interface {
	Check(ctx context.Context) readiness.Report
}

type HTTPServiceConfig struct {
	Name         string
	Version      string
	MaxBodyBytes int64
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	Hooks   telemetry.Hooks
}

type HTTPService struct {
	executor Executor
	prober   Prober
	codec    codec.Codec

	name         string
	version      string
	maxBodyBytes int64
	metrics      http.Handler
	logger       *slog.Logger
	hooks        telemetry.Hooks
}

type endpoint struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type indexResponse struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Model     string     `json:"model"`
	Format    string     `json:"format"`
	Endpoints []endpoint `json:"endpoints"`
}

type healthResponse struct {
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	Ready     bool             `json:"ready"`
	Status    readiness.Status `json:"status"`
	LatencyMS float64          `json:"latency_ms"`
	Error     string           `json:"error,omitempty"`
}

type errorResponse struct {
	Error *codec.ItemError `json:"error"`
}

// NewHTTPService wires executor and prober behind the HTTP surface. prober
// may be nil, in which case /health always reports ready.
func NewHTTPService(executor Executor, prober Prober, cfg HTTPServiceConfig) (*HTTPService, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &HTTPService{
		executor:     executor,
		prober:       prober,
		codec:        executor.Codec(),
		name:         cfg.Name,
		version:      cfg.Version,
		maxBodyBytes: maxBody,
		metrics:      cfg.Metrics,
		logger:       logger,
		hooks:        telemetry.OrNop(cfg.Hooks),
	}, nil
}

// Handler serves the full surface including /inference.
func (s *HTTPService) Handler() http.Handler {
	return s.handler(true)
}

// StatusHandler serves /, /health and /metrics only. It backs the status
// listener of the socket worker.
func (s *HTTPService) StatusHandler() http.Handler {
	return s.handler(false)
}

func (s *HTTPService) handler(withInference bool) http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router, withInference)
	return Chain(
		router,
		RequestIDMiddleware,
		LoggingMiddleware(s.logger),
		RecoveryMiddleware(s.logger, s.handlePanic),
	)
}

func (s *HTTPService) RegisterRoutes(router *mux.Router, withInference bool) {
	router.Use(TelemetryMiddleware(s.hooks))
	router.HandleFunc("/", s.handleIndex(s.endpoints(withInference))).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if withInference {
		router.HandleFunc("/inference", s.handleInference).Methods(http.MethodPost)
	}
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	router.MethodNotAllowedHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		s.writeError(writer, http.StatusMethodNotAllowed, &codec.ItemError{
			Kind:    KindMethodNotAllowed,
			Message: fmt.Sprintf("method %s not allowed on %s", request.Method, request.URL.Path),
		})
	})
	router.NotFoundHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		s.writeError(writer, http.StatusNotFound, &codec.ItemError{
			Kind:    KindNotFound,
			Message: fmt.Sprintf("no route for %s", request.URL.Path),
		})
	})
}

func (s *HTTPService) endpoints(withInference bool) []endpoint {
	out := []endpoint{
		{Path: "/", Methods: []string{http.MethodGet}, Description: "endpoint index"},
		{Path: "/health", Methods: []string{http.MethodGet}, Description: "readiness and per-stage status"},
	}
	if withInference {
		out = append(out, endpoint{Path: "/inference", Methods: []string{http.MethodPost}, Description: "run one request through the model"})
	}
	if s.metrics != nil {
		out = append(out, endpoint{Path: "/metrics", Methods: []string{http.MethodGet}, Description: "prometheus metrics"})
	}
	return out
}

func (s *HTTPService) handleIndex(endpoints []endpoint) http.HandlerFunc {
	return func(writer http.ResponseWriter, _ *http.Request) {
		s.write(writer, http.StatusOK, indexResponse{
			Name:      s.name,
			Version:   s.version,
			Model:     s.executor.ModelName(),
			Format:    string(s.codec.Format()),
			Endpoints: endpoints,
		})
	}
}

func (s *HTTPService) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if s.prober == nil {
		s.write(writer, http.StatusOK, healthResponse{
			Name:    s.name,
			Version: s.version,
			Ready:   true,
			Status: readiness.Status{
				Service:     readiness.StatusOK,
				Preprocess:  readiness.StatusOK,
				Inference:   readiness.StatusOK,
				Postprocess: readiness.StatusOK,
			},
		})
		return
	}
	report := s.prober.Check(request.Context())
	response := healthResponse{
		Name:      s.name,
		Version:   s.version,
		Ready:     report.Ready,
		Status:    report.Status,
		LatencyMS: report.Latency.Seconds() * 1000.0,
	}
	statusCode := http.StatusOK
	if !report.Ready {
		statusCode = http.StatusServiceUnavailable
		if report.Err != nil {
			response.Error = report.Err.Error()
		}
	}
	s.write(writer, statusCode, response)
}

func (s *HTTPService) handleInference(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	reqID := RequestIDFrom(request.Context())

	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(writer, http.StatusRequestEntityTooLarge, &codec.ItemError{
				Kind:    KindPayloadTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		s.writeError(writer, http.StatusBadRequest, &codec.ItemError{
			Kind:    KindBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
		})
		return
	}

	result := s.executor.RunOne(request.Context(), body)
	if result.Failed() {
		statusCode := StatusForKind(result.Err.Kind)
		s.logger.Warn(
			"inference_request_failed",
			"request_id", reqID,
			"kind", string(result.Err.Kind),
			"status", statusCode,
			"error", result.Err.Message,
		)
		s.writeError(writer, statusCode, result.Err.ItemError())
		return
	}
	s.logger.Debug(
		"inference_request_done",
		"request_id", reqID,
		"input_bytes", len(body),
		"output_bytes", len(result.Payload),
		"duration_ms", time.Since(start).Seconds()*1000.0,
	)
	writer.Header().Set("Content-Type", s.codec.ContentType())
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write(result.Payload)
}

// StatusForKind maps a pipeline error kind to its HTTP status.
func StatusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindDecode:
		return http.StatusBadRequest
	case pipeline.KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPService) handlePanic(writer http.ResponseWriter, _ *http.Request) {
	s.writeError(writer, http.StatusInternalServerError, &codec.ItemError{
		Kind:    KindInternal,
		Message: "internal server error",
	})
}

func (s *HTTPService) writeError(writer http.ResponseWriter, statusCode int, itemErr *codec.ItemError) {
	s.write(writer, statusCode, errorResponse{Error: itemErr})
}

// write encodes payload in the service format.
func (s *HTTPService) write(writer http.ResponseWriter, statusCode int, payload any) {
	data, err := s.codec.Marshal(payload)
	if err != nil {
		s.logger.Error("response_encode_failed", "error", err.Error())
		http.Error(writer, "response encoding failed", http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", s.codec.ContentType())
	writer.WriteHeader(statusCode)
	_, _ = writer.Write(data)
}
