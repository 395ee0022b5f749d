package app

import (
	"time"

	"inkboard/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string // "json" (default) or "pretty"
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// MaxStrokes caps the committed stack of every room. Zero means unbounded.
	MaxStrokes int

	MetricsEnabled bool

	MDNSEnabled  bool
	MDNSInstance string

	Gateway realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("BOARD_HTTP_ADDR", "0.0.0.0:3000"),

		LogLevel:  EnvString("BOARD_LOG_LEVEL", "info"),
		LogFormat: EnvString("BOARD_LOG_FORMAT", "json"),
		LogColor:  EnvBool("BOARD_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("BOARD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BOARD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BOARD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BOARD_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("BOARD_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("BOARD_HTTP_MAX_HEADER_BYTES", 1<<20),

		MaxStrokes: EnvInt("BOARD_MAX_STROKES", 0),

		MetricsEnabled: EnvBool("BOARD_METRICS_ENABLED", true),

		MDNSEnabled:  EnvBool("BOARD_MDNS_ENABLED", false),
		MDNSInstance: EnvString("BOARD_MDNS_INSTANCE", ""),

		Gateway: realtime.LoadGatewayConfigFromEnv(),
	}
}
