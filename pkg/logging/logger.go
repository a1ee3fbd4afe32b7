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

// Format selects the log encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"

	// FormatConsole writes human-readable colored lines.
	FormatConsole Format = "console"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Format is the output encoding (default: json).
	Format Format

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(toZerolog(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name from configuration.
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
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// ParseFormat validates a format name from configuration.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatConsole, "pretty":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// toZerolog converts LogLevel to zerolog.Level. Unknown levels map to info.
func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
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
//   - Each physical attempt (attempt number, url)
//   - Queue admission and dropped jobs
//   - Pagination steps (page number, done flag)
//
// Info: Normal operation events
//   - Requests that succeeded after a retry
//   - Rate limit resets recorded by the gate
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Malformed rate limit headers (fallback to backoff)
//   - Rate limit store errors (gate fails open)
//   - Failed pagination steps
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries, or not retryable)
//   - Jobs that panicked
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting component (fetch-client, fetch-queue, pagination)
//   - request_id: Logical request ID, shared by all its attempts
//   - method, url: Request target
//   - attempt: Number of failed attempts before this one
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, timeout, network, unclassified)
//   - reason: Classifier rule that decided to retry or give up
//   - wait: Wait before the next attempt
//   - host, blocked_until: Rate limit gate state
