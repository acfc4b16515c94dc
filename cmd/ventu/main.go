package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kemingy/ventu/internal/codec"
	"github.com/kemingy/ventu/internal/config"
	"github.com/kemingy/ventu/internal/logging"
	"github.com/kemingy/ventu/internal/models"
	"github.com/kemingy/ventu/internal/pipeline"
	"github.com/kemingy/ventu/internal/readiness"
	"github.com/kemingy/ventu/internal/schema"
	"github.com/kemingy/ventu/internal/service"
	"github.com/kemingy/ventu/internal/telemetry"
	"github.com/kemingy/ventu/internal/worker"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	configPath string
	mode       string
	model      string
	format     string
	logLevel   string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("ventu", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "YAML config file (defaults to $VENTU_CONFIG)")
	fs.StringVar(&f.mode, "mode", "", "serving mode: http|socket")
	fs.StringVar(&f.model, "model", "", "built-in model: "+strings.Join(models.Names(), "|"))
	fs.StringVar(&f.format, "format", "", "wire format: json|msgpack|cbor")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// loadConfig layers flags over file and environment.
func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.model != "" {
		cfg.Model.Name = f.model
	}
	if f.format != "" {
		cfg.Format = f.format
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildExecutor resolves the model and its descriptors. Descriptor files in
// cfg.Schema replace the model defaults.
func buildExecutor(
	cfg *config.Config,
	logger *slog.Logger,
	hooks telemetry.Hooks,
) (*pipeline.Executor, *schema.Gate, error) {
	def, err := models.Build(cfg.Model.Name, models.Options{
		Reentrant:     cfg.Model.Reentrant,
		BridgeCommand: cfg.Model.BridgeCommand,
		BridgeTimeout: cfg.Model.BridgeTimeout,
		BridgeModel:   cfg.Model.BridgeModel,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Schema.Request != "" {
		if def.Request, err = schema.LoadFile(cfg.Schema.Request); err != nil {
			return nil, nil, fmt.Errorf("load request schema: %w", err)
		}
	}
	if cfg.Schema.Response != "" {
		if def.Response, err = schema.LoadFile(cfg.Schema.Response); err != nil {
			return nil, nil, fmt.Errorf("load response schema: %w", err)
		}
	}
	gate, err := schema.NewGate(def.Request, def.Response)
	if err != nil {
		return nil, nil, err
	}
	c, err := codec.New(codec.Format(cfg.Format))
	if err != nil {
		return nil, nil, err
	}
	executor, err := pipeline.NewExecutor(def.Model, gate, c, pipeline.Options{Logger: logger, Hooks: hooks})
	if err != nil {
		return nil, nil, err
	}
	return executor, gate, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("invalid flags: %v", err)
	}
	if err := run(f); err != nil {
		log.Fatalf("ventu: %v", err)
	}
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	defer logCloser.Close()

	metrics := telemetry.NewMetrics("ventu")
	executor, gate, err := buildExecutor(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	defer func() {
		if closeErr := executor.Close(); closeErr != nil {
			logger.Error("model_close_failed", "error", closeErr.Error())
		}
	}()

	prober := readiness.New(executor, gate.Examples(), readiness.Options{
		Logger:  logger,
		Timeout: cfg.Readiness.Timeout,
		Hooks:   metrics,
	})
	if err := prober.Warmup(context.Background()); err != nil {
		logger.Error("warmup_failed", "model", cfg.Model.Name, "error", err.Error())
	}

	httpService, err := service.NewHTTPService(executor, prober, service.HTTPServiceConfig{
		Name:         cfg.Name,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Metrics:      metrics.Handler(),
		Logger:       logger,
		Hooks:        metrics,
	})
	if err != nil {
		return fmt.Errorf("create http service: %w", err)
	}

	logger.Info(
		"ventu_start",
		"name", cfg.Name,
		"version", cfg.Version,
		"mode", cfg.Mode,
		"model", cfg.Model.Name,
		"format", cfg.Format,
		"ready", prober.Ready(),
	)
	if cfg.Mode == config.ModeSocket {
		return serveSocket(cfg, executor, httpService, logger, metrics)
	}
	return serveHTTP(cfg, httpService.Handler(), logger)
}

func serveHTTP(cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_server_start", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http serve failed: %w", err)
		}
		return nil
	case sig := <-waitForSignal():
		logger.Info("shutdown_signal", "signal", sig.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func serveSocket(
	cfg *config.Config,
	executor *pipeline.Executor,
	httpService *service.HTTPService,
	logger *slog.Logger,
	hooks telemetry.Hooks,
) error {
	network, address := cfg.BrokerNetwork()
	w, err := worker.New(executor, executor.Codec(), worker.Config{
		Network:           network,
		Address:           address,
		DialTimeout:       cfg.Socket.DialTimeout,
		ReconnectDelay:    cfg.Socket.ReconnectDelay,
		MaxReconnectDelay: cfg.Socket.MaxReconnectDelay,
		MaxFrameSize:      cfg.Socket.MaxFrameBytes,
		Logger:            logger,
		Hooks:             hooks,
	})
	if err != nil {
		return err
	}

	var status *http.Server
	if cfg.Socket.StatusAddr != "" {
		status = &http.Server{
			Addr:              cfg.Socket.StatusAddr,
			Handler:           httpService.StatusHandler(),
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		}
		go func() {
			logger.Info("status_server_start", "addr", status.Addr)
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status_server_failed", "error", err.Error())
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- w.Run(context.Background())
	}()

	select {
	case err := <-runErr:
		return err
	case sig := <-waitForSignal():
		logger.Info("shutdown_signal", "signal", sig.String(), "worker_state", w.State().String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := w.Shutdown(ctx)
	if status != nil {
		if err := status.Shutdown(ctx); err != nil {
			logger.Error("status_shutdown_failed", "error", err.Error())
		}
	}
	if shutdownErr != nil {
		return fmt.Errorf("worker shutdown: %w", shutdownErr)
	}
	return nil
}

func waitForSignal() <-chan os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	return signals
}
