// Package handshake implements the mutually authenticated link bring-up
// described in the bridge's design: Reset -> Sync -> Confirm, with
// HKDF-derived HMAC tags, a counter-carrying nonce for replay defense, and a
// fatal-failure escalation policy.
package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/security"
)

// State is the handshake FSM state.
type State int

const (
	StateUnsynchronized State = iota
	StateResetting
	StateSyncing
	StateConfirming
	StateSynchronized
	StateFault
)

func (s State) String() string {
	switch s {
	case StateUnsynchronized:
		return "unsynchronized"
	case StateResetting:
		return "resetting"
	case StateSyncing:
		return "syncing"
	case StateConfirming:
		return "confirming"
	case StateSynchronized:
		return "synchronized"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Failure reason taxonomy. sync_auth_mismatch and sync_length_mismatch are
// immediately fatal; the rest escalate to fatal only once the consecutive
// failure streak reaches the configured threshold.
const (
	ReasonLinkResetSendFailed = "link_reset_send_failed"
	ReasonLinkSyncSendFailed  = "link_sync_send_failed"
	ReasonLinkSyncTimeout     = "link_sync_timeout"
	ReasonUnexpectedSyncResp  = "unexpected_sync_resp"
	ReasonSyncRateLimited     = "sync_rate_limited"
	ReasonSyncLengthMismatch  = "sync_length_mismatch"
	ReasonSyncAuthMismatch    = "sync_auth_mismatch"
)

var immediateFatalReasons = map[string]struct{}{
	ReasonSyncAuthMismatch:   {},
	ReasonSyncLengthMismatch: {},
}

func isImmediateFatal(reason string) bool {
	_, ok := immediateFatalReasons[reason]
	return ok
}

// ErrFatal is returned by Synchronize once the MCU has rejected the shared
// secret permanently (an immediately-fatal reason, or the failure streak
// reached the configured threshold).
var ErrFatal = errors.New("handshake: link synchronization permanently failed")

// SendFrame writes commandID/payload over the serial link and reports
// whether the write (and, for tracked commands, the flow-controller round
// trip) succeeded.
type SendFrame func(ctx context.Context, commandID uint16, payload []byte) bool

// PublishEvent emits a structured handshake lifecycle event to the
// system/handshake MQTT topic. event is "attempt"/"success"/"failure".
type PublishEvent func(event string, fields map[string]any)

// Config bounds the handshake manager's behavior.
type Config struct {
	SharedSecret    []byte
	AckTimeoutMS    uint16
	RetryLimit      uint8
	ResponseTimeout time.Duration
	FatalThreshold  int
	MinInterval     time.Duration
}

// Manager drives the handshake FSM for one serial link.
type Manager struct {
	cfg        Config
	send       SendFrame
	publish    PublishEvent
	logger     *slog.Logger
	authKey    []byte

	mu                 sync.Mutex
	state              State
	syncDone           chan struct{}
	pendingNonce       []byte
	expectedTag        []byte
	nonceLength        int
	nonceCounter       uint64
	lastNonceCounter   uint64
	rateLimitUntil     time.Time
	backoffUntil       time.Time
	failureStreak      int
	attempts           int
	successes          int
	failures           int
	fatalCount         int
	fatalReason        string
	lastDuration       time.Duration

	capabilities     protocol.Capabilities
	hasCapabilities  bool
}

// New constructs a Manager. The authentication key is derived immediately
// from cfg.SharedSecret via HKDF-SHA256.
func New(cfg Config, send SendFrame, publish PublishEvent, log *slog.Logger) (*Manager, error) {
	key, err := security.DeriveHandshakeKey(cfg.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("handshake: deriving auth key: %w", err)
	}
	if cfg.FatalThreshold < 1 {
		cfg.FatalThreshold = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		send:     send,
		publish:  publish,
		logger:   log,
		authKey:  key,
		state:    StateUnsynchronized,
		syncDone: make(chan struct{}),
	}, nil
}

// State returns the current FSM state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsSynchronized reports whether the link is currently usable.
func (m *Manager) IsSynchronized() bool {
	return m.State() == StateSynchronized
}

func (m *Manager) setState(s State) {
	wasSync := m.state == StateSynchronized
	m.state = s
	if s == StateSynchronized && !wasSync {
		close(m.syncDone)
	}
	if s != StateSynchronized && wasSync {
		m.syncDone = make(chan struct{})
	}
}

// Synchronize runs one handshake attempt: Reset -> Sync -> Confirm. It
// returns true once the link reaches Synchronized, or an error wrapping
// ErrFatal once escalation criteria are met.
func (m *Manager) Synchronize(ctx context.Context) (bool, error) {
	start := time.Now()
	m.mu.Lock()
	m.attempts++
	m.setState(StateResetting)
	m.mu.Unlock()
	m.publishEvent("attempt", nil)

	ok, reason, detail := m.attempt(ctx)
	if ok {
		m.mu.Lock()
		m.successes++
		m.failureStreak = 0
		m.setState(StateSynchronized)
		m.lastDuration = time.Since(start)
		duration := m.lastDuration
		m.mu.Unlock()
		m.publishEvent("success", map[string]any{"duration_seconds": duration.Seconds()})
		go m.fetchCapabilitiesWithDelay(context.Background())
		return true, nil
	}

	if reason == "" {
		// Failure was already recorded on the async HandleLinkSyncResp path
		// (a race between that path and our own timeout); avoid double
		// counting.
		return false, nil
	}
	return false, m.handleFailure(reason, detail)
}

func (m *Manager) attempt(ctx context.Context) (ok bool, reason, detail string) {
	nonce, newCounter, err := security.GenerateNonceWithCounter(m.currentNonceCounter())
	if err != nil {
		return false, ReasonLinkResetSendFailed, err.Error()
	}

	m.mu.Lock()
	m.nonceCounter = newCounter
	m.pendingNonce = nonce
	m.nonceLength = len(nonce)
	m.expectedTag = security.ComputeTag(m.authKey, nonce)
	m.mu.Unlock()

	resetPayload := m.buildResetPayload()
	if !m.send(ctx, protocol.CmdLinkReset, resetPayload) {
		if len(resetPayload) > 0 {
			m.logger.WarnContext(ctx, "LINK_RESET with timing payload rejected, retrying with empty payload")
			if !m.send(ctx, protocol.CmdLinkReset, nil) {
				m.clearExpectations()
				return false, ReasonLinkResetSendFailed, ""
			}
		} else {
			m.clearExpectations()
			return false, ReasonLinkResetSendFailed, ""
		}
	}

	m.mu.Lock()
	m.setState(StateSyncing)
	m.mu.Unlock()

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		m.clearExpectations()
		return false, ReasonLinkSyncSendFailed, ctx.Err().Error()
	}

	tag := security.ComputeTag(m.authKey, nonce)
	if !m.send(ctx, protocol.CmdLinkSync, append(append([]byte{}, nonce...), tag...)) {
		m.clearExpectations()
		return false, ReasonLinkSyncSendFailed, ""
	}

	m.mu.Lock()
	if m.state == StateFault {
		m.mu.Unlock()
		return false, "", ""
	}
	m.setState(StateConfirming)
	m.mu.Unlock()

	timeout := m.cfg.ResponseTimeout
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}
	select {
	case <-m.waitChan():
		return true, "", ""
	case <-time.After(timeout):
		m.mu.Lock()
		pending := m.pendingNonce
		stillFault := m.state == StateFault
		m.mu.Unlock()
		if stillFault {
			return false, "", ""
		}
		m.clearExpectations()
		if pending != nil && bytesEqual(pending, nonce) {
			return false, ReasonLinkSyncTimeout, ""
		}
		return false, "", ""
	case <-ctx.Done():
		m.clearExpectations()
		return false, ReasonLinkSyncTimeout, ctx.Err().Error()
	}
}

func (m *Manager) waitChan() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncDone
}

func (m *Manager) currentNonceCounter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonceCounter
}

// statusPayloadWindow bounds how much of a rejected LINK_SYNC_RESP payload is
// echoed back in a MALFORMED acknowledgement.
const statusPayloadWindow = protocol.MaxPayloadSize - 2

// sendMalformed emits a STATUS_MALFORMED frame acknowledging a rejected
// LINK_SYNC_RESP, echoing up to statusPayloadWindow bytes of its payload
// after the 2-byte command id it is acknowledging.
func (m *Manager) sendMalformed(ctx context.Context, payload []byte) {
	extra := payload
	if len(extra) > statusPayloadWindow {
		extra = extra[:statusPayloadWindow]
	}
	body := make([]byte, 2+len(extra))
	binary.BigEndian.PutUint16(body, protocol.CmdLinkSyncResp)
	copy(body[2:], extra)
	m.send(ctx, protocol.StatusMalformed, body)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HandleLinkSyncResp processes an inbound CMD_LINK_SYNC_RESP frame. It must
// be invoked from the dispatcher regardless of FSM state so it can reject
// stray or replayed confirmations.
func (m *Manager) HandleLinkSyncResp(ctx context.Context, payload []byte) bool {
	m.mu.Lock()
	expected := m.pendingNonce
	nonceLength := m.nonceLength
	if nonceLength == 0 {
		nonceLength = security.NonceTotalBytes
	}
	m.mu.Unlock()

	if expected == nil {
		m.logger.WarnContext(ctx, "unexpected LINK_SYNC_RESP without pending nonce")
		m.sendMalformed(ctx, payload)
		m.handleHandshakeFailure(ctx, ReasonUnexpectedSyncResp, "")
		return false
	}

	requiredLen := nonceLength + security.TagLength
	if m.cfg.MinInterval > 0 {
		now := time.Now()
		m.mu.Lock()
		limited := now.Before(m.rateLimitUntil)
		if !limited {
			m.rateLimitUntil = now.Add(m.cfg.MinInterval)
		}
		m.mu.Unlock()
		if limited {
			m.logger.WarnContext(ctx, "LINK_SYNC_RESP throttled by rate limit")
			m.sendMalformed(ctx, payload)
			m.handleHandshakeFailure(ctx, ReasonSyncRateLimited, "")
			return false
		}
	}

	if len(payload) != requiredLen {
		m.logger.WarnContext(ctx, "LINK_SYNC_RESP malformed length",
			slog.Int("expected", requiredLen), slog.Int("got", len(payload)))
		m.sendMalformed(ctx, payload)
		m.clearExpectations()
		m.handleHandshakeFailure(ctx, ReasonSyncLengthMismatch, "")
		return false
	}

	nonce := payload[:nonceLength]
	tagBytes := payload[nonceLength:requiredLen]

	m.mu.Lock()
	expectedTag := m.expectedTag
	lastCounter := m.lastNonceCounter
	m.mu.Unlock()

	recalculated := security.ComputeTag(m.authKey, nonce)
	nonceMismatch := !bytesEqual(nonce, expected)
	tagMismatch := !security.ConstantTimeEqual(tagBytes, recalculated) || expectedTag == nil

	if !nonceMismatch && !tagMismatch {
		valid, newCounter := security.ValidateNonceCounter(nonce, lastCounter)
		if !valid {
			m.logger.WarnContext(ctx, "LINK_SYNC_RESP replay detected")
			nonceMismatch = true
		} else {
			m.mu.Lock()
			m.lastNonceCounter = newCounter
			m.mu.Unlock()
		}
	}

	if nonceMismatch || tagMismatch {
		m.logger.WarnContext(ctx, "LINK_SYNC_RESP auth mismatch")
		m.sendMalformed(ctx, payload)
		m.clearExpectations()
		m.handleHandshakeFailure(ctx, ReasonSyncAuthMismatch, "nonce_or_tag_mismatch")
		return false
	}

	m.clearExpectations()
	m.mu.Lock()
	m.setState(StateSynchronized)
	m.mu.Unlock()
	return true
}

func (m *Manager) clearExpectations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingNonce != nil {
		security.SecureZero(m.pendingNonce)
	}
	if m.expectedTag != nil {
		security.SecureZero(m.expectedTag)
	}
	m.pendingNonce = nil
	m.expectedTag = nil
	m.nonceLength = 0
}

func (m *Manager) handleHandshakeFailure(ctx context.Context, reason, detail string) {
	_ = ctx
	_ = m.handleFailure(reason, detail)
}

func (m *Manager) handleFailure(reason, detail string) error {
	m.mu.Lock()
	m.failures++
	m.failureStreak++
	fatal := isImmediateFatal(reason) || m.failureStreak >= m.cfg.FatalThreshold
	fatalDetail := detail
	if fatal && !isImmediateFatal(reason) && fatalDetail == "" {
		fatalDetail = fmt.Sprintf("failure_streak_exceeded_%d", m.cfg.FatalThreshold)
	}
	if fatal {
		m.fatalCount++
		m.fatalReason = reason
	}
	streak := m.failureStreak
	m.setState(StateFault)
	m.mu.Unlock()

	if fatal {
		m.logger.Error("fatal serial handshake failure",
			logger.HandshakeReason(reason), slog.Bool(logger.KeyFatal, true))
	}
	m.maybeScheduleBackoff(reason, streak)

	m.publishEvent("failure", map[string]any{
		"reason": reason,
		"detail": fatalDetail,
		"fatal":  fatal,
	})

	if fatal {
		return fmt.Errorf("%w: reason=%s", ErrFatal, reason)
	}
	return nil
}

func (m *Manager) maybeScheduleBackoff(reason string, streak int) {
	threshold := 3
	if isImmediateFatal(reason) {
		threshold = 1
	}
	if streak < threshold {
		return
	}
	exp := streak - threshold
	delay := time.Duration(math.Min(float64(30*time.Second), float64(time.Second)*math.Pow(2, float64(exp))))
	m.mu.Lock()
	m.backoffUntil = time.Now().Add(delay)
	m.mu.Unlock()
}

// BackoffRemaining returns how long the caller should wait before the next
// Synchronize attempt.
func (m *Manager) BackoffRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := time.Until(m.backoffUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) publishEvent(event string, extra map[string]any) {
	if m.publish == nil {
		return
	}
	m.mu.Lock()
	fields := map[string]any{
		"event":          event,
		"attempts":       m.attempts,
		"successes":      m.successes,
		"failures":       m.failures,
		"failure_streak": m.failureStreak,
		"fatal_count":    m.fatalCount,
		"fatal_reason":   m.fatalReason,
		"fsm_state":      m.state.String(),
	}
	m.mu.Unlock()
	for k, v := range extra {
		fields[k] = v
	}
	m.publish(event, fields)
}

func (m *Manager) buildResetPayload() []byte {
	buf := make([]byte, 2+1+4)
	binary.BigEndian.PutUint16(buf[0:2], m.cfg.AckTimeoutMS)
	buf[2] = m.cfg.RetryLimit
	binary.BigEndian.PutUint32(buf[3:7], uint32(m.cfg.ResponseTimeout.Milliseconds()))
	return buf
}

func (m *Manager) fetchCapabilitiesWithDelay(ctx context.Context) {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return
	}
	m.fetchCapabilities(ctx)
}

func (m *Manager) fetchCapabilities(ctx context.Context) {
	wait := 500 * time.Millisecond
	for i := 0; i < 5; i++ {
		if m.send(ctx, protocol.CmdGetCapabilities, nil) {
			return
		}
		select {
		case <-time.After(wait):
			wait += 500 * time.Millisecond
		case <-ctx.Done():
			return
		}
	}
}

// HandleCapabilitiesResp records the MCU's reported capability set.
func (m *Manager) HandleCapabilitiesResp(payload []byte) error {
	caps, err := protocol.ParseCapabilities(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.capabilities = caps
	m.hasCapabilities = true
	m.mu.Unlock()
	return nil
}

// Capabilities returns the last reported MCU capability set, if any.
func (m *Manager) Capabilities() (protocol.Capabilities, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capabilities, m.hasCapabilities
}

// Reset forces the FSM back to Unsynchronized, clearing any pending
// handshake expectations. Called on serial link loss.
func (m *Manager) Reset() {
	m.clearExpectations()
	m.mu.Lock()
	m.setState(StateUnsynchronized)
	m.mu.Unlock()
}
