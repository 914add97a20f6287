package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context threaded through the
// serial link and MQTT dispatch paths.
type LogContext struct {
	CommandID uint16    // active serial command id
	Topic     string    // MQTT topic segment under evaluation
	Pin       int       // pin number, -1 when not applicable
	Component string    // component name: console, datastore, file, mailbox, pin, process, system
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given component.
func NewLogContext(component string) *LogContext {
	return &LogContext{
		Component: component,
		Pin:       -1,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithCommand returns a copy with the command id set
func (lc *LogContext) WithCommand(id uint16) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.CommandID = id
	}
	return clone
}

// WithTopic returns a copy with the topic set
func (lc *LogContext) WithTopic(topic string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Topic = topic
	}
	return clone
}

// WithPin returns a copy with the pin number set
func (lc *LogContext) WithPin(pin int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Pin = pin
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
