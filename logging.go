package dispatch

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the configured log level when set
const EnvLogLevel = "DISPATCH_LOG_LEVEL"

// NewLogger creates a timestamped JSON logger writing to w (stderr when nil).
// The level from DISPATCH_LOG_LEVEL takes precedence over level.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func defaultLogger() zerolog.Logger {
	return NewLogger("info", os.Stderr)
}
