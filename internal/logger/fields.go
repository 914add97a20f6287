package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the serial link and
// MQTT dispatch paths. Use these keys consistently so log aggregation and
// querying stay meaningful across components.
const (
	// ========================================================================
	// Serial link / framing
	// ========================================================================
	KeyCommandID  = "command_id"  // 16-bit wire command identifier
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // configured retry_limit
	KeyAckPhase   = "ack_phase"   // true while awaiting STATUS_ACK
	KeyFrameLen   = "frame_len"   // decoded payload length in bytes
	KeyCompressed = "compressed"  // RLE flag bit was set

	// ========================================================================
	// Handshake
	// ========================================================================
	KeyHandshakeState  = "handshake_state"  // FSM state name
	KeyHandshakeReason = "handshake_reason" // failure reason taxonomy value
	KeyFatal           = "fatal"            // failure escalated to fatal
	KeyStreak          = "failure_streak"   // consecutive-failure streak
	KeyNonceCounter    = "nonce_counter"    // outbound/inbound nonce counter

	// ========================================================================
	// MQTT / topics
	// ========================================================================
	KeyTopic         = "topic"          // full MQTT topic
	KeyQoS           = "qos"            // MQTT QoS level
	KeyCorrelationID = "correlation_id" // MQTT 5 correlation data (hex)
	KeySpoolReason   = "spool_reason"   // spool degradation reason
	KeyPending       = "pending"        // queued/pending item count
	KeyDropped       = "dropped"        // items dropped this event

	// ========================================================================
	// Components
	// ========================================================================
	KeyComponent = "component" // console, datastore, file, mailbox, pin, process, system
	KeyPin       = "pin"       // GPIO pin number
	KeyPath      = "path"      // file component path, normalized
	KeyKey       = "key"       // datastore key
	KeyPID       = "pid"       // managed-process user-facing pid
	KeyExitCode  = "exit_code" // process exit status

	// ========================================================================
	// Generic
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyStatus     = "status"
)

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// CommandID returns a slog.Attr for the wire command id
func CommandID(id uint16) slog.Attr {
	return slog.Any(KeyCommandID, id)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// HandshakeState returns a slog.Attr for the handshake FSM state
func HandshakeState(state string) slog.Attr {
	return slog.String(KeyHandshakeState, state)
}

// HandshakeReason returns a slog.Attr for a handshake failure reason
func HandshakeReason(reason string) slog.Attr {
	return slog.String(KeyHandshakeReason, reason)
}

// Topic returns a slog.Attr for an MQTT topic
func Topic(topic string) slog.Attr {
	return slog.String(KeyTopic, topic)
}

// SpoolReason returns a slog.Attr for a spool degradation reason
func SpoolReason(reason string) slog.Attr {
	return slog.String(KeySpoolReason, reason)
}

// Component returns a slog.Attr for the owning component name
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Pin returns a slog.Attr for a GPIO pin number
func Pin(n int) slog.Attr {
	return slog.Int(KeyPin, n)
}

// Path returns a slog.Attr for a normalized file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// PID returns a slog.Attr for a managed-process user-facing pid
func PID(pid uint16) slog.Attr {
	return slog.Any(KeyPID, pid)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
