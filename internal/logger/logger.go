// Package logger provides structured logging functionality
package logger

import (
	"os"
	"time"

	"github.com/brandon/cotex-billing/internal/config"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup initializes the logger with the appropriate configuration
func Setup(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		log = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		// JSON in production so the platform log drain can index fields
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// Logger returns a zerolog logger with the specified fields
func Logger(fields map[string]interface{}) zerolog.Logger {
	ctx := log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// WithUserID returns a logger with user_id field
func WithUserID(userID string) zerolog.Logger {
	return log.With().Str("user_id", userID).Logger()
}

// WithEvent returns a logger scoped to one provider webhook delivery
func WithEvent(provider, eventID, eventType string) zerolog.Logger {
	return log.With().
		Str("provider", provider).
		Str("event_id", eventID).
		Str("event_type", eventType).
		Logger()
}

// WithRequest returns a logger with request-related fields
func WithRequest(r *RequestInfo) zerolog.Logger {
	return log.With().
		Str("method", r.Method).
		Str("path", r.Path).
		Str("ip", r.IP).
		Str("user_agent", r.UserAgent).
		Logger()
}

// RequestInfo contains HTTP request information for logging
type RequestInfo struct {
	Method    string
	Path      string
	IP        string
	UserAgent string
}
