package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/autoglm/taskrelay/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation
// errors found. An empty token is allowed here; the relay refuses to start
// without one.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", c.Server.RateLimit, "must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", c.Server.RateBurst, "must be at least 1 when rate limiting is enabled")
	}

	if !strings.HasPrefix(c.API.URL, "ws://") && !strings.HasPrefix(c.API.URL, "wss://") {
		add("api.url", c.API.URL, "must be a ws:// or wss:// URL")
	}

	if c.WebSocket.Timeout <= 0 {
		add("websocket.timeout", c.WebSocket.Timeout, "must be positive")
	}
	if c.WebSocket.ConnectTimeout <= 0 {
		add("websocket.connect_timeout", c.WebSocket.ConnectTimeout, "must be positive")
	}
	if c.WebSocket.MaxReconnectAttempts < 0 {
		add("websocket.max_reconnect_attempts", c.WebSocket.MaxReconnectAttempts, "must not be negative")
	}

	if c.Stream.Timeout <= 0 {
		add("stream.timeout", c.Stream.Timeout, "must be positive")
	}
	if c.Stream.IdleTimeout <= 0 {
		add("stream.idle_timeout", c.Stream.IdleTimeout, "must be positive")
	}
	if c.Stream.Grace < 0 {
		add("stream.grace", c.Stream.Grace, "must not be negative")
	}
	if c.Stream.QueueSize < 1 {
		add("stream.queue_size", c.Stream.QueueSize, "must be at least 1")
	}

	if !slices.Contains(logging.ValidLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(logging.ValidLevels(), ", "))
	}

	return errs
}
