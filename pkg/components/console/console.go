// Package console bridges the serial console between the MCU and MQTT,
// chunking output to the frame payload limit and pausing transmission when
// the MCU signals XOFF.
package console

import (
	"context"
	"log/slog"
	"sync"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const mqttExpiryConsoleSeconds = uint32(60)

// Component encapsulates console handling, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/console.py.
type Component struct {
	ctx   components.Context
	state *state.RuntimeState
	log   *slog.Logger

	mu      sync.Mutex
	paused  bool
}

// New builds a Component.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger) *Component {
	if log == nil {
		log = slog.Default()
	}
	return &Component{ctx: ctx, state: st, log: log}
}

// HandleWrite processes CMD_CONSOLE_WRITE from the MCU, republishing the
// bytes on <prefix>/console/out.
func (c *Component) HandleWrite(ctx context.Context, payload []byte) (bool, error) {
	expiry := mqttExpiryConsoleSeconds
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "console", "out"), payload,
		components.PublishOptions{MessageExpiryInterval: &expiry})
	return true, nil
}

// HandleXOFF pauses serial transmission of queued console input.
func (c *Component) HandleXOFF(ctx context.Context, _ []byte) (bool, error) {
	c.log.WarnContext(ctx, "mcu requested xoff, pausing console output")
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return true, nil
}

// HandleXON resumes transmission and flushes anything queued while paused.
func (c *Component) HandleXON(ctx context.Context, _ []byte) (bool, error) {
	c.log.InfoContext(ctx, "mcu requested xon, resuming console output")
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.FlushQueue(ctx)
	return true, nil
}

// IsPaused reports whether serial console transmission is currently paused.
func (c *Component) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// HandleMQTTInput chunks an MQTT-originated console write to
// protocol.MaxPayloadSize and sends it to the MCU, queueing the remainder
// (or the whole payload, while paused) for later delivery.
func (c *Component) HandleMQTTInput(ctx context.Context, payload []byte) {
	chunks := components.ChunkBytes(payload, protocol.MaxPayloadSize)

	if c.IsPaused() {
		for _, chunk := range chunks {
			if len(chunk) > 0 {
				c.enqueueConsoleChunk(ctx, chunk)
			}
		}
		return
	}

	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if c.ctx.SendFrame(ctx, protocol.CmdConsoleWrite, chunk) {
			continue
		}
		remaining := joinChunks(chunks[i:])
		if len(remaining) > 0 {
			c.enqueueConsoleChunk(ctx, remaining)
		}
		c.log.WarnContext(ctx, "serial send failed for console input, payload queued for retry")
		return
	}
}

// enqueueConsoleChunk appends chunk to the outbound console queue and folds
// the returned QueueEvent into the console truncation/drop counters.
func (c *Component) enqueueConsoleChunk(ctx context.Context, chunk []byte) {
	evt := c.state.ConsoleQueue.Append(chunk)
	c.state.RecordConsoleQueueEvent(evt, len(chunk))
	if evt.TruncatedBytes > 0 {
		c.log.WarnContext(ctx, "console chunk truncated to respect limit", slog.Int("bytes", evt.TruncatedBytes))
	}
	if evt.DroppedChunks > 0 {
		c.log.WarnContext(ctx, "dropping oldest console chunk(s) to respect limit",
			slog.Int("chunks", evt.DroppedChunks), slog.Int("bytes", evt.DroppedBytes))
	}
	if !evt.Accepted {
		c.log.ErrorContext(ctx, "console queue overflow, rejected chunk", slog.Int("bytes", len(chunk)))
	}
}

// FlushQueue drains queued console bytes to the MCU while not paused,
// requeueing at the head on the first send failure.
func (c *Component) FlushQueue(ctx context.Context) {
	for c.state.ConsoleQueue.Len() > 0 && !c.IsPaused() {
		buffered := c.state.ConsoleQueue.PopLeft()
		chunks := components.ChunkBytes(buffered, protocol.MaxPayloadSize)
		for i, chunk := range chunks {
			if len(chunk) == 0 {
				continue
			}
			if c.ctx.SendFrame(ctx, protocol.CmdConsoleWrite, chunk) {
				continue
			}
			unsent := joinChunks(chunks[i:])
			if len(unsent) > 0 {
				c.requeueConsoleChunk(ctx, unsent)
			}
			c.log.WarnContext(ctx, "serial send failed while flushing console, chunk requeued")
			return
		}
	}
}

// requeueConsoleChunk pushes chunk back to the head of the outbound console
// queue after a failed send and folds the returned QueueEvent into the
// truncation/drop counters, mirroring context.py's
// requeue_console_chunk_front.
func (c *Component) requeueConsoleChunk(ctx context.Context, chunk []byte) {
	evt := c.state.ConsoleQueue.AppendLeft(chunk)
	c.state.RecordConsoleQueueEvent(evt, len(chunk))
	if evt.TruncatedBytes > 0 {
		c.log.WarnContext(ctx, "requeued console chunk truncated to respect limit", slog.Int("bytes", evt.TruncatedBytes))
	}
	if evt.DroppedChunks > 0 {
		c.log.WarnContext(ctx, "dropping oldest console chunk(s) while requeuing",
			slog.Int("chunks", evt.DroppedChunks), slog.Int("bytes", evt.DroppedBytes))
	}
}

// OnSerialDisconnected clears the pause flag; a freshly reconnected link
// starts unpaused until the MCU says otherwise.
func (c *Component) OnSerialDisconnected() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
