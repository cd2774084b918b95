package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

// Configure sets the global log level and output format.
// The level string is tolerant of case and common synonyms; format is
// "console" (default) or "json".
func Configure(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	Log = zerolog.New(writer(os.Stderr, format)).With().Timestamp().Logger()
}

func writer(out io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return out
	}
	return zerolog.ConsoleWriter{Out: out}
}

// parseLevel converts a string to a zerolog level.
// Accepts: all, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Session returns a child logger tagged with a session identifier.
func Session(id string) zerolog.Logger {
	return Log.With().Str("session_id", id).Logger()
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}
