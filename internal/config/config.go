// Package config loads the service configuration from an optional YAML file
// and VENTU_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kemingy/ventu/internal/codec"
)

const (
	ModeHTTP   = "http"
	ModeSocket = "socket"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	// Mode is http or socket.
	Mode string `mapstructure:"mode"`
	// Format is the wire format for payloads and envelopes.
	Format string `mapstructure:"format"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Socket    SocketConfig    `mapstructure:"socket"`
	Schema    SchemaConfig    `mapstructure:"schema"`
	Model     ModelConfig     `mapstructure:"model"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// SocketConfig selects the broker address: Path for a Unix socket, or
// Host and Port for TCP.
type SocketConfig struct {
	Path              string        `mapstructure:"path"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	MaxFrameBytes     int           `mapstructure:"max_frame_bytes"`
	// StatusAddr optionally serves /health and /metrics in socket mode.
	StatusAddr string `mapstructure:"status_addr"`
}

type SchemaConfig struct {
	Request  string `mapstructure:"request"`
	Response string `mapstructure:"response"`
}

type ModelConfig struct {
	Name          string        `mapstructure:"name"`
	Reentrant     bool          `mapstructure:"reentrant"`
	BridgeCommand string        `mapstructure:"bridge_command"`
	BridgeTimeout time.Duration `mapstructure:"bridge_timeout"`
	// BridgeModel is the model name sent to the bridge command.
	BridgeModel string `mapstructure:"bridge_model"`
}

type ReadinessConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: json, text or discard
	Format string `mapstructure:"format"`
	// Output: stdout, stderr or a file path
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func Default() *Config {
	return &Config{
		Name:    "ventu",
		Version: "0.1.0",
		Mode:    ModeHTTP,
		Format:  string(codec.FormatJSON),
		HTTP: HTTPConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 5 * time.Second,
			MaxBodyBytes:      8 << 20,
		},
		Socket: SocketConfig{
			DialTimeout:       5 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			MaxFrameBytes:     64 << 20,
		},
		Model: ModelConfig{
			Name:          "square",
			BridgeTimeout: 30 * time.Second,
		},
		Readiness: ReadinessConfig{Timeout: 10 * time.Second},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (or VENTU_CONFIG when path is empty) on top of the
// defaults. Environment variables use the prefix VENTU with `.` replaced by
// `_`, e.g. VENTU_SOCKET_PATH. A missing path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VENTU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("VENTU_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds every key so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("name", cfg.Name)
	v.SetDefault("version", cfg.Version)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("format", cfg.Format)

	v.SetDefault("http.host", cfg.HTTP.Host)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)
	v.SetDefault("http.max_body_bytes", cfg.HTTP.MaxBodyBytes)

	v.SetDefault("socket.path", cfg.Socket.Path)
	v.SetDefault("socket.host", cfg.Socket.Host)
	v.SetDefault("socket.port", cfg.Socket.Port)
	v.SetDefault("socket.dial_timeout", cfg.Socket.DialTimeout)
	v.SetDefault("socket.reconnect_delay", cfg.Socket.ReconnectDelay)
	v.SetDefault("socket.max_reconnect_delay", cfg.Socket.MaxReconnectDelay)
	v.SetDefault("socket.max_frame_bytes", cfg.Socket.MaxFrameBytes)
	v.SetDefault("socket.status_addr", cfg.Socket.StatusAddr)

	v.SetDefault("schema.request", cfg.Schema.Request)
	v.SetDefault("schema.response", cfg.Schema.Response)

	v.SetDefault("model.name", cfg.Model.Name)
	v.SetDefault("model.reentrant", cfg.Model.Reentrant)
	v.SetDefault("model.bridge_command", cfg.Model.BridgeCommand)
	v.SetDefault("model.bridge_timeout", cfg.Model.BridgeTimeout)
	v.SetDefault("model.bridge_model", cfg.Model.BridgeModel)

	v.SetDefault("readiness.timeout", cfg.Readiness.Timeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.output", cfg.Log.Output)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
}

// Validate normalizes enumerations and checks cross-field constraints.
func (c *Config) Validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeHTTP, ModeSocket:
	default:
		return fmt.Errorf("%w: mode %q, want http or socket", ErrInvalid, c.Mode)
	}

	format, err := codec.ParseFormat(c.Format)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.Format = string(format)

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("%w: model.name is required", ErrInvalid)
	}

	if c.Mode == ModeHTTP {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("%w: http.port %d out of range", ErrInvalid, c.HTTP.Port)
		}
		return nil
	}

	hasPath := strings.TrimSpace(c.Socket.Path) != ""
	hasTCP := strings.TrimSpace(c.Socket.Host) != "" || c.Socket.Port != 0
	switch {
	case hasPath && hasTCP:
		return fmt.Errorf("%w: socket.path and socket.host/port are mutually exclusive", ErrInvalid)
	case !hasPath && !hasTCP:
		return fmt.Errorf("%w: socket mode needs socket.path or socket.host and socket.port", ErrInvalid)
	case hasTCP && (c.Socket.Host == "" || c.Socket.Port <= 0 || c.Socket.Port > 65535):
		return fmt.Errorf("%w: socket.host and a valid socket.port are both required", ErrInvalid)
	}
	return nil
}

// HTTPAddr is the listen address of the HTTP adapter.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// BrokerNetwork returns the dial network and address of the broker.
func (c *Config) BrokerNetwork() (string, string) {
	if c.Socket.Path != "" {
		return "unix", c.Socket.Path
	}
	return "tcp", net.JoinHostPort(c.Socket.Host, strconv.Itoa(c.Socket.Port))
}
