// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", "music-cache").Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name from flags or the environment.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Memory cache hits, misses and evictions (track, reason)
//   - Preload queue transitions (enqueue, promotion, drain start/stop)
//   - Persistent store reuse and rehydration
//   - Range responses synthesized by the HTTP cache
//
// Info: Normal operation events
//   - Settings loaded or changed
//   - Cache cleared, capacity changed
//   - Server startup/shutdown, warm runs
//
// Warn: Warning conditions that don't prevent operation
//   - Failed preloads (the track plays uncached)
//   - Best-effort store writes that failed
//   - Remote settings unavailable
//   - Upstream retries exhausted
//
// Error: Error conditions requiring attention
//   - Store purge failures
//   - Configuration errors
//   - Server failures
//
// Context Fields:
//   - component: emitting package (audio-cache, coordinator, http-cache, proxy, upstream)
//   - track: cache key of the track
//   - url: resolved fetch URL
//   - priority: preload priority (high, normal, low)
//   - reason: eviction reason (lru, resize, idle, clear)
//   - status: HTTP status code
//   - error_class: upstream error classification (client, server, network)
//   - bytes: body size
