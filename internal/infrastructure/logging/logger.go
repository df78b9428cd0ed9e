package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "blegateway"

// Logger is the gateway's structured logger. Its Debug/Info/Warn/Error
// methods satisfy the Logger interfaces of the ble, sequencer, gateway,
// broker and mqtt packages. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to cfg.Output: "stderr", or stdout for
// anything else.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return NewWithWriter(cfg, version, w)
}

// NewWithWriter creates a Logger writing to w in cfg.Format, "text" or
// JSON otherwise. Every entry carries service and version.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)}
}

// parseLevel accepts the slog level names in any case, plus "warning".
// Anything else is info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Component returns a child logger tagged with component=name.
//
//	mqttLogger := logger.Component("mqtt")
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

// Device returns a child logger tagged with the device address.
func (l *Logger) Device(mac string) *Logger {
	return &Logger{Logger: l.With("device", mac)}
}

// Default is the bootstrap logger used until the configuration is loaded:
// JSON on stdout at info.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{}, "dev", os.Stdout)
}
