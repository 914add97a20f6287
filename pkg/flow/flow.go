// Package flow implements the serial flow controller: it sequentializes
// outbound MCU commands so that at most one is in flight, correlates
// STATUS_ACK / CMD_*_RESP / failure-status frames against the in-flight
// command, and retries with a two-phase (ack, then response) timeout budget.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/protocol"
)

// SendFunc writes a frame to the serial transport. It returns false when the
// write itself failed (not when the MCU rejected the command).
type SendFunc func(commandID uint16, payload []byte) bool

// Event is a pipeline transition emitted for observability: start, ack,
// success, failure, abandoned.
type Event struct {
	Name        string
	CommandID   uint16
	Attempt     int
	AckReceived bool
	Status      uint16
	HasStatus   bool
	Timestamp   time.Time
}

// MetricsSink receives coarse counters: sent, ack, retry, failure.
type MetricsSink interface {
	Inc(event string)
}

type pendingCommand struct {
	commandID      uint16
	expectedResp   uint16
	hasExpectedResp bool
	completion     chan struct{}
	attempts       int
	success        *bool
	failureStatus  *uint16
	hasFailure     bool
	ackReceived    bool
}

func newPendingCommand(commandID uint16) *pendingCommand {
	resp, ok := protocol.ExpectedResponse(commandID)
	return &pendingCommand{
		commandID:       commandID,
		expectedResp:    resp,
		hasExpectedResp: ok,
		completion:      make(chan struct{}),
	}
}

func (p *pendingCommand) markSuccess() {
	if p.success == nil {
		ok := true
		p.success = &ok
		close(p.completion)
	}
}

func (p *pendingCommand) markFailure(status uint16, hasStatus bool) {
	if p.success == nil {
		ok := false
		p.success = &ok
		p.hasFailure = hasStatus
		if hasStatus {
			p.failureStatus = &status
		}
		close(p.completion)
	}
}

func (p *pendingCommand) resetForAttempt() {
	p.completion = make(chan struct{})
	p.success = nil
	p.failureStatus = nil
	p.hasFailure = false
	p.ackReceived = false
}

// Controller sequentializes serial commands per §4.C of the bridge's design.
type Controller struct {
	ackTimeout      time.Duration
	responseTimeout time.Duration
	retryLimit      int
	logger          *slog.Logger
	metrics         MetricsSink
	observer        func(Event)

	mu      sync.Mutex
	cond    *sync.Cond
	sender  SendFunc
	current *pendingCommand
}

// New builds a Controller. responseTimeout is clamped to be at least ackTimeout.
func New(ackTimeout, responseTimeout time.Duration, retryLimit int, log *slog.Logger, metrics MetricsSink) *Controller {
	if responseTimeout < ackTimeout {
		responseTimeout = ackTimeout
	}
	if retryLimit < 1 {
		retryLimit = 1
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		ackTimeout:      ackTimeout,
		responseTimeout: responseTimeout,
		retryLimit:      retryLimit,
		logger:          log,
		metrics:         metrics,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetSender installs the frame writer. Must be called before Send.
func (c *Controller) SetSender(sender SendFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = sender
}

// SetObserver installs a pipeline-transition callback.
func (c *Controller) SetObserver(observer func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
}

func (c *Controller) emitMetric(event string) {
	if c.metrics != nil {
		c.metrics.Inc(event)
	}
}

func (c *Controller) notify(name string, p *pendingCommand, status uint16, hasStatus bool) {
	if c.observer == nil {
		return
	}
	attempt := p.attempts
	if attempt < 1 {
		attempt = 1
	}
	c.observer(Event{
		Name:        name,
		CommandID:   p.commandID,
		Attempt:     attempt,
		AckReceived: p.ackReceived,
		Status:      status,
		HasStatus:   hasStatus,
		Timestamp:   time.Now(),
	})
}

func shouldTrack(commandID uint16) bool {
	_, hasResp := protocol.ExpectedResponse(commandID)
	return hasResp || protocol.IsAckOnly(commandID)
}

// Send transmits a command, applying RLE compression opportunistically, and
// blocks until the command completes, times out, or ctx is cancelled.
// Untracked commands (neither ack-only nor response-expecting) are written
// through immediately.
func (c *Controller) Send(ctx context.Context, commandID uint16, payload []byte) (bool, error) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return false, fmt.Errorf("flow: no sender configured")
	}

	finalCmd, finalPayload := commandID, payload
	if len(payload) > 0 {
		finalCmd, finalPayload = protocol.EncodeCompressed(commandID, payload)
	}

	if !shouldTrack(commandID) {
		return sender(finalCmd, finalPayload), nil
	}

	pending := newPendingCommand(commandID)

	c.mu.Lock()
	for c.current != nil {
		c.cond.Wait()
	}
	c.current = pending
	c.mu.Unlock()

	ok := c.executeWithRetries(ctx, pending, finalCmd, finalPayload, sender)

	c.mu.Lock()
	if c.current == pending {
		c.current = nil
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	return ok, nil
}

func (c *Controller) executeWithRetries(ctx context.Context, pending *pendingCommand, cmdToSend uint16, payload []byte, sender SendFunc) bool {
	for attempt := 1; attempt <= c.retryLimit; attempt++ {
		c.mu.Lock()
		pending.attempts = attempt
		pending.resetForAttempt()
		c.notify("start", pending, 0, false)
		c.mu.Unlock()

		outcome := c.singleAttempt(ctx, pending, cmdToSend, payload, sender)
		switch outcome {
		case attemptSuccess:
			c.emitMetric("ack")
			c.mu.Lock()
			c.notify("success", pending, 0, false)
			c.mu.Unlock()
			return true
		case attemptFatal:
			c.mu.Lock()
			status, has := uint16(0), pending.hasFailure
			if has {
				status = *pending.failureStatus
			}
			c.notify("failure", pending, status, has)
			c.mu.Unlock()
			c.emitMetric("failure")
			return false
		case attemptRetryable:
			c.emitMetric("retry")
			c.logger.WarnContext(ctx, "serial command timed out, retrying",
				logger.CommandID(pending.commandID), logger.Attempt(attempt))
			continue
		}
	}

	c.mu.Lock()
	pending.markFailure(protocol.StatusTimeout, true)
	c.notify("failure", pending, protocol.StatusTimeout, true)
	c.mu.Unlock()
	c.emitMetric("failure")
	return false
}

type attemptOutcome int

const (
	attemptRetryable attemptOutcome = iota
	attemptFatal
	attemptSuccess
)

func (c *Controller) singleAttempt(ctx context.Context, pending *pendingCommand, cmdToSend uint16, payload []byte, sender SendFunc) attemptOutcome {
	if !sender(cmdToSend, payload) {
		c.mu.Lock()
		pending.markFailure(0, false)
		c.mu.Unlock()
		return attemptFatal
	}
	c.emitMetric("sent")

	ackPhase := !protocol.IsResponseOnly(pending.commandID)
	timeout := c.ackTimeout
	if !ackPhase {
		timeout = c.responseTimeout
	}

	for {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			pending.markFailure(0, false)
			c.mu.Unlock()
			return attemptFatal
		case <-pending.completion:
			timer.Stop()
		case <-timer.C:
			c.mu.Lock()
			completed := pending.success != nil
			if !completed && ackPhase && pending.ackReceived {
				ackPhase = false
				timeout = c.responseTimeout
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			if !completed {
				return attemptRetryable
			}
		}
		break
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pending.success != nil && *pending.success {
		return attemptSuccess
	}
	if pending.hasFailure {
		return attemptFatal
	}
	return attemptRetryable
}

// OnFrameReceived correlates an inbound frame against the in-flight command.
// It must be called for every decoded frame, regardless of handshake state.
func (c *Controller) OnFrameReceived(commandID uint16, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.current
	if pending == nil {
		return
	}

	if commandID == protocol.StatusACK {
		ackTarget := pending.commandID
		if len(payload) >= 2 {
			ackTarget = uint16(payload[0])<<8 | uint16(payload[1])
		}
		if ackTarget != pending.commandID {
			return
		}
		if !pending.ackReceived {
			pending.ackReceived = true
			c.notify("ack", pending, 0, false)
		}
		if pending.hasExpectedResp {
			return
		}
		pending.markSuccess()
		return
	}

	if reqID, ok := protocol.ResponseToRequest(commandID); ok {
		if reqID == pending.commandID {
			pending.markSuccess()
		}
		return
	}

	if protocol.IsFailureStatus(commandID) {
		// A tracked command's failure status is only accepted when it is
		// unambiguously addressed to it: empty payload (legacy bridges) or
		// the first two bytes match the in-flight command id. Anything else
		// (in particular human-readable ASCII reason strings) is treated as
		// noise so it cannot abort an unrelated command.
		if len(payload) == 0 {
			pending.markFailure(commandID, true)
			return
		}
		if len(payload) >= 2 {
			target := uint16(payload[0])<<8 | uint16(payload[1])
			if target == pending.commandID {
				pending.markFailure(commandID, true)
				return
			}
		}
		if isPrintableASCII(payload) {
			return
		}
		pending.markFailure(commandID, true)
		return
	}

	if protocol.IsSuccessStatus(commandID) && !pending.hasExpectedResp {
		pending.markSuccess()
	}
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 32 || c >= 127 {
			return false
		}
	}
	return true
}

// Reset abandons any in-flight command, marking it timed out, and wakes any
// waiters. Called on link loss and before a handshake attempt.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.success == nil {
		c.current.markFailure(protocol.StatusTimeout, true)
		c.notify("abandoned", c.current, protocol.StatusTimeout, true)
	}
	c.current = nil
	c.cond.Broadcast()
}
