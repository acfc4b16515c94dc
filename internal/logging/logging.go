// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kemingy/ventu/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", level)
	}
}

// New builds a logger from cfg. The returned closer releases the log file
// when Output names one.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "discard" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), nopCloser{}, nil
	}

	writer, closer, isTerminal := openOutput(cfg)
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(writer, opts)), closer, nil
	case "text":
		return slog.New(tint.NewHandler(writer, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !isTerminal,
		})), closer, nil
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

func openOutput(cfg config.LogConfig) (io.Writer, io.Closer, bool) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stdout":
		return os.Stdout, nopCloser{}, isCharDevice(os.Stdout)
	case "stderr", "":
		return os.Stderr, nopCloser{}, isCharDevice(os.Stderr)
	default:
		file := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		return file, file, false
	}
}

func isCharDevice(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
