// Package mailbox implements the two bounded incoming/outgoing message
// queues bridging the MCU and MQTT. No standalone mailbox.py was retrieved
// from original_source/openwrt-mcu-bridge (only referenced from
// services/dispatcher.py and services/runtime.py); this component is built
// from spec.md §4.I.4's behavioral description, the command ids in
// mcubridge/protocol/protocol.py, the bounded-queue semantics already
// grounded in pkg/state/queue.go (queues.py), and
// original_source/openwrt-yun-bridge/yunbridge/services/components/mailbox.py's
// MailboxComponent, which is the sibling tree's full implementation of this
// same component (handle_processed, handle_push's overflow handling).
package mailbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const mqttExpiryMailboxSeconds = uint32(300)

// Component encapsulates mailbox push/read/available behavior.
type Component struct {
	ctx   components.Context
	state *state.RuntimeState
	log   *slog.Logger
}

// New builds a Component.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger) *Component {
	if log == nil {
		log = slog.Default()
	}
	return &Component{ctx: ctx, state: st, log: log}
}

// HandlePush deposits an MCU-originated message into the incoming queue and
// notifies MQTT that a new message is available. A push that the queue
// rejects outright for overflow is answered with a STATUS_ERROR frame
// instead, mirroring handle_push's mailbox_incoming_overflow reason.
func (c *Component) HandlePush(ctx context.Context, payload []byte) (bool, error) {
	evt := c.state.MailboxIncomingQueue.Append(payload)
	c.state.RecordMailboxIncomingQueueEvent(evt, len(payload))
	if evt.TruncatedBytes > 0 {
		c.log.WarnContext(ctx, "mailbox incoming message truncated to respect limit", slog.Int("bytes", evt.TruncatedBytes))
	}
	if evt.DroppedChunks > 0 {
		c.log.WarnContext(ctx, "dropping oldest mailbox incoming message(s) to respect limit",
			slog.Int("messages", evt.DroppedChunks), slog.Int("bytes", evt.DroppedBytes))
	}
	if !evt.Accepted {
		c.log.ErrorContext(ctx, "mailbox incoming queue overflow, rejecting message", slog.Int("bytes", len(payload)))
		return c.ctx.SendFrame(ctx, protocol.StatusError, []byte("mailbox_incoming_overflow")), nil
	}
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "mailbox", "incoming_available"), nil,
		components.PublishOptions{})
	return true, nil
}

// HandleAvailable answers CMD_MAILBOX_AVAILABLE with the outgoing queue's
// current depth.
func (c *Component) HandleAvailable(ctx context.Context, payload []byte) (bool, error) {
	depth := c.state.MailboxOutgoingQueue.Len()
	response := make([]byte, 2)
	binary.BigEndian.PutUint16(response, uint16(depth))
	return c.ctx.SendFrame(ctx, protocol.CmdMailboxAvailableResp, response), nil
}

// HandleRead pops one outgoing message and sends it to the MCU, truncated
// to fit a single frame.
func (c *Component) HandleRead(ctx context.Context, payload []byte) (bool, error) {
	if c.state.MailboxOutgoingQueue.Len() == 0 {
		response := make([]byte, 2)
		return c.ctx.SendFrame(ctx, protocol.CmdMailboxReadResp, response), nil
	}
	msg := c.state.MailboxOutgoingQueue.PopLeft()
	maxPayload := protocol.MaxPayloadSize - 2
	if len(msg) > maxPayload {
		c.log.WarnContext(ctx, "mailbox outgoing message truncated", slog.Int("bytes", len(msg)), slog.Int("max", maxPayload))
		msg = msg[:maxPayload]
	}
	response := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(response, uint16(len(msg)))
	copy(response[2:], msg)
	return c.ctx.SendFrame(ctx, protocol.CmdMailboxReadResp, response), nil
}

// HandleProcessed republishes an MCU-side processed notification on
// mailbox/processed, decoding the 2-byte big-endian message id the MCU
// echoes back when one is present.
func (c *Component) HandleProcessed(ctx context.Context, payload []byte) (bool, error) {
	topic := components.TopicPath(c.ctx.TopicPrefix(), "mailbox", "processed")
	if len(payload) < 2 {
		c.ctx.Publish(ctx, topic, payload, components.PublishOptions{})
		return true, nil
	}
	messageID := binary.BigEndian.Uint16(payload[:2])
	body, err := json.Marshal(map[string]uint16{"message_id": messageID})
	if err != nil {
		return false, err
	}
	c.ctx.Publish(ctx, topic, body, components.PublishOptions{ContentType: "application/json"})
	return true, nil
}

// HandleMQTT routes mailbox/write (enqueue outgoing) and mailbox/read (pop
// incoming, falling back to outgoing) MQTT actions.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	switch route.Identifier {
	case "write":
		c.enqueueOutgoing(ctx, msg.Payload)
		return true, nil
	case "read":
		c.handleMQTTRead(ctx, &msg)
		return true, nil
	default:
		return false, nil
	}
}

// enqueueOutgoing appends an MQTT-originated payload to the outgoing queue
// and folds the returned QueueEvent into the outgoing mailbox counters,
// mirroring enqueue_mailbox_message.
func (c *Component) enqueueOutgoing(ctx context.Context, payload []byte) {
	evt := c.state.MailboxOutgoingQueue.Append(payload)
	c.state.RecordMailboxOutgoingQueueEvent(evt, len(payload))
	if evt.TruncatedBytes > 0 {
		c.log.WarnContext(ctx, "mailbox outgoing message truncated to respect limit", slog.Int("bytes", evt.TruncatedBytes))
	}
	if evt.DroppedChunks > 0 {
		c.log.WarnContext(ctx, "dropping oldest mailbox outgoing message(s) to respect limit",
			slog.Int("messages", evt.DroppedChunks), slog.Int("bytes", evt.DroppedBytes))
	}
	if !evt.Accepted {
		c.log.ErrorContext(ctx, "mailbox outgoing queue overflow, rejecting message", slog.Int("bytes", len(payload)))
	}
}

func (c *Component) handleMQTTRead(ctx context.Context, replyTo *dispatcher.InboundMessage) {
	var payload []byte
	switch {
	case c.state.MailboxIncomingQueue.Len() > 0:
		payload = c.state.MailboxIncomingQueue.PopLeft()
	case c.state.MailboxOutgoingQueue.Len() > 0:
		payload = c.state.MailboxOutgoingQueue.PopLeft()
	}
	expiry := mqttExpiryMailboxSeconds
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "mailbox", "read"), payload,
		components.PublishOptions{MessageExpiryInterval: &expiry, ReplyTo: replyTo})
}
