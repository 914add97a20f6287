// Package serial owns the UART transport: opening the port with retry,
// a COBS-delimited read loop that decodes frames and hands them to the
// bridge, and reconnect back-off on I/O failure.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	goserial "github.com/daedaluz/goserial"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

// cobsDelimiter terminates every COBS-encoded frame on the wire.
const cobsDelimiter = 0x00

// FrameHandler receives a decoded (command_id, payload) pair read from the
// MCU. It must not block for long; heavy work should be offloaded.
type FrameHandler func(commandID uint16, payload []byte)

// DisconnectHandler is invoked whenever the read loop gives up on the
// current connection and is about to retry.
type DisconnectHandler func(err error)

// ConnectHandler is invoked once the port has been opened and configured,
// before the read loop starts servicing it.
type ConnectHandler func()

// Options configures the transport.
type Options struct {
	Device          string
	BaudRate        uint32
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReadBufferSize  int
	MaxFrameBytes   int
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 250 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 512
	}
	return o
}

// Transport owns the serial port lifecycle and the COBS-delimited read loop.
type Transport struct {
	opts    Options
	log     *slog.Logger
	metrics *state.RuntimeState

	onFrame      FrameHandler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// New builds a Transport. metrics may be nil.
func New(opts Options, log *slog.Logger, metrics *state.RuntimeState) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts.withDefaults(), log: log, metrics: metrics}
}

// SetFrameHandler installs the callback invoked for every decoded frame.
func (t *Transport) SetFrameHandler(h FrameHandler) { t.onFrame = h }

// SetDisconnectHandler installs the callback invoked on link loss.
func (t *Transport) SetDisconnectHandler(h DisconnectHandler) { t.onDisconnect = h }

// SetConnectHandler installs the callback invoked once the port opens.
func (t *Transport) SetConnectHandler(h ConnectHandler) { t.onConnect = h }

// Send writes a pre-built frame, COBS-encoding it and appending the
// delimiter. It reports false if the port is closed or the write fails.
func (t *Transport) Send(frame []byte) bool {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return false
	}
	encoded := protocol.COBSEncode(frame)
	encoded = append(encoded, cobsDelimiter)
	n, err := port.Write(encoded)
	if err != nil || n != len(encoded) {
		t.log.Warn("serial write failed", logger.Err(err))
		return false
	}
	if t.metrics != nil {
		t.metrics.Throughput.BytesSent += uint64(len(frame))
		t.metrics.Throughput.FramesSent++
	}
	return true
}

// Run opens the port and services the read loop until ctx is cancelled,
// reconnecting with exponential back-off on failure.
func (t *Transport) Run(ctx context.Context) error {
	backoff := t.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		port, err := t.open()
		if err != nil {
			t.log.Warn("serial open failed, retrying", logger.Err(err), logger.DurationMs(float64(backoff.Milliseconds())))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, t.opts.ReconnectMax)
			continue
		}
		backoff = t.opts.ReconnectMin

		t.mu.Lock()
		t.port = port
		t.mu.Unlock()

		if t.onConnect != nil {
			t.onConnect()
		}

		err = t.readLoop(ctx, port)
		_ = port.Close()
		t.mu.Lock()
		t.port = nil
		t.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.onDisconnect != nil {
			t.onDisconnect(err)
		}
		t.log.Warn("serial link dropped, reconnecting", logger.Err(err))
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, t.opts.ReconnectMax)
	}
}

func (t *Transport) readLoop(ctx context.Context, port io.Reader) error {
	buf := make([]byte, t.opts.ReadBufferSize)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var consumed int
			pending, consumed = t.drainFrames(pending)
			_ = consumed
			if len(pending) > t.opts.MaxFrameBytes {
				t.log.Warn("discarding oversized undelimited serial buffer", logger.Component("serial"))
				pending = nil
			}
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
	}
}

// drainFrames extracts and dispatches every zero-delimited COBS block found
// in buf, returning the unconsumed remainder.
func (t *Transport) drainFrames(buf []byte) (remainder []byte, framesConsumed int) {
	for {
		idx := indexByte(buf, cobsDelimiter)
		if idx < 0 {
			return buf, framesConsumed
		}
		block := buf[:idx]
		buf = buf[idx+1:]
		framesConsumed++

		if len(block) == 0 {
			continue
		}
		decoded, err := protocol.COBSDecode(block)
		if err != nil {
			t.log.Warn("cobs decode failed", logger.Err(err))
			if t.metrics != nil {
				t.metrics.SerialDecodeErrors++
			}
			continue
		}
		commandID, payload, err := protocol.Parse(decoded)
		if err != nil {
			t.log.Warn("frame parse failed", logger.Err(err))
			if t.metrics != nil {
				if errors.Is(err, protocol.ErrCRCMismatch) {
					t.metrics.SerialCRCErrors++
				} else {
					t.metrics.SerialDecodeErrors++
				}
			}
			continue
		}
		if t.metrics != nil {
			t.metrics.Throughput.BytesReceived += uint64(len(decoded))
			t.metrics.Throughput.FramesReceived++
		}
		if t.onFrame != nil {
			t.onFrame(commandID, payload)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) open() (io.ReadWriteCloser, error) {
	opts := goserial.NewOptions().SetReadTimeout(200 * time.Millisecond)
	port, err := goserial.Open(t.opts.Device, opts)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", t.opts.Device, err)
	}
	if err := port.MakeRaw(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: make raw: %w", err)
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: get attr: %w", err)
	}
	attrs.SetCustomSpeed(t.opts.BaudRate)
	attrs.Cflag |= goserial.CREAD | goserial.CLOCAL
	if err := port.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: set attr: %w", err)
	}
	return port, nil
}
