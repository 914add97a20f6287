// Package pin implements digital/analog read/write bridging between MQTT
// and the MCU, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/pin.py.
package pin

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strconv"
	"strings"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const mqttExpiryPinSeconds = uint32(30)

// Component encapsulates pin read/write logic.
type Component struct {
	ctx                    components.Context
	state                  *state.RuntimeState
	log                    *slog.Logger
	pendingPinRequestLimit int
}

// New builds a Component. pendingPinRequestLimit bounds the number of
// outstanding MCU read requests queued per direction.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger, pendingPinRequestLimit int) *Component {
	if log == nil {
		log = slog.Default()
	}
	return &Component{ctx: ctx, state: st, log: log, pendingPinRequestLimit: pendingPinRequestLimit}
}

// HandleUnexpectedMCURequest rejects MCU-initiated digital/analog read
// requests: the Linux side never originates GPIO/ADC reads on its own.
func (c *Component) HandleUnexpectedMCURequest(ctx context.Context, commandID uint16, payload []byte) (bool, error) {
	c.log.WarnContext(ctx, "mcu requested unsupported pin command", slog.Uint64("command", uint64(commandID)))
	c.ctx.SendFrame(ctx, protocol.StatusNotImplemented, []byte("pin-read-origin-mcu:not_available"))
	return false, nil
}

// HandleDigitalReadResp dequeues the oldest pending digital read and
// publishes its value.
func (c *Component) HandleDigitalReadResp(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) != 1 {
		c.log.WarnContext(ctx, "malformed digital read response", slog.Int("bytes", len(payload)))
		return false, nil
	}
	c.publishPinReadResult(ctx, dispatcher.TopicDigital, int(payload[0]), c.state.DequeuePendingDigitalRead)
	return true, nil
}

// HandleAnalogReadResp dequeues the oldest pending analog read and
// publishes its value.
func (c *Component) HandleAnalogReadResp(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) != 2 {
		c.log.WarnContext(ctx, "malformed analog read response", slog.Int("bytes", len(payload)))
		return false, nil
	}
	value := int(binary.BigEndian.Uint16(payload))
	c.publishPinReadResult(ctx, dispatcher.TopicAnalog, value, c.state.DequeuePendingAnalogRead)
	return true, nil
}

func (c *Component) publishPinReadResult(ctx context.Context, topic dispatcher.Topic, value int, dequeue func() (state.PendingPinRequest, bool)) {
	request, ok := dequeue()
	if !ok {
		c.log.WarnContext(ctx, "received pin read response without pending request")
	}

	pinLabel := "unknown"
	var replyTo *dispatcher.InboundMessage
	var pinSegment string
	if ok {
		pinLabel = strconv.Itoa(request.Pin)
		pinSegment = pinLabel
		if rc, ok := request.ReplyContext.(*dispatcher.InboundMessage); ok {
			replyTo = rc
		}
	}

	segments := []string{}
	if pinSegment != "" {
		segments = append(segments, pinSegment)
	}
	segments = append(segments, "value")
	topicName := components.TopicPath(c.ctx.TopicPrefix(), append([]string{string(topic)}, segments...)...)
	expiry := mqttExpiryPinSeconds
	c.ctx.Publish(ctx, topicName, []byte(strconv.Itoa(value)), components.PublishOptions{
		MessageExpiryInterval: &expiry,
		Properties:            map[string]string{"bridge-pin": pinLabel},
		ReplyTo:               replyTo,
	})
}

// HandleMQTT routes d/<pin>[/mode|read] and a/<pin>[/read] topics.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	parts := append([]string{string(route.Topic), route.Identifier}, route.Remainder...)
	if len(parts) < 2 || parts[1] == "" {
		return false, nil
	}

	pin, ok := parsePinIdentifier(parts[1])
	if !ok {
		return false, nil
	}

	isAnalogRead := len(parts) == 3 && parts[2] == "read" && route.Topic == dispatcher.TopicAnalog
	if !c.validatePinAccess(pin, isAnalogRead) {
		return true, nil
	}

	if len(parts) == 3 {
		switch {
		case parts[2] == "mode" && route.Topic == dispatcher.TopicDigital:
			c.handleModeCommand(ctx, pin, msg.PayloadString())
		case parts[2] == "read":
			c.handleReadCommand(ctx, route.Topic, pin, &msg)
		default:
			c.log.DebugContext(ctx, "unknown pin subtopic", slog.String("topic", msg.Topic))
		}
		return true, nil
	}

	c.handleWriteCommand(ctx, route.Topic, pin, msg.PayloadString())
	return true, nil
}

func (c *Component) handleModeCommand(ctx context.Context, pin int, payloadStr string) {
	mode, err := strconv.Atoi(strings.TrimSpace(payloadStr))
	if err != nil || (mode != 0 && mode != 1 && mode != 2) {
		c.log.WarnContext(ctx, "invalid pin mode payload", slog.Int("pin", pin), slog.String("payload", payloadStr))
		return
	}
	c.ctx.SendFrame(ctx, protocol.CmdSetPinMode, []byte{byte(pin), byte(mode)})
}

func (c *Component) handleReadCommand(ctx context.Context, topic dispatcher.Topic, pin int, msg *dispatcher.InboundMessage) {
	commandID := protocol.CmdDigitalRead
	pendingCount := c.state.PendingDigitalReadCount
	enqueue := c.state.EnqueuePendingDigitalRead
	if topic == dispatcher.TopicAnalog {
		commandID = protocol.CmdAnalogRead
		pendingCount = c.state.PendingAnalogReadCount
		enqueue = c.state.EnqueuePendingAnalogRead
	}

	if pendingCount() >= c.pendingPinRequestLimit {
		c.log.WarnContext(ctx, "pending pin read queue saturated, dropping", slog.String("topic", string(topic)), slog.Int("pin", pin))
		c.notifyPinQueueOverflow(ctx, topic, pin, msg)
		return
	}

	enqueue(state.PendingPinRequest{Pin: pin, ReplyContext: msg})
	c.ctx.SendFrame(ctx, commandID, []byte{byte(pin)})
}

func (c *Component) handleWriteCommand(ctx context.Context, topic dispatcher.Topic, pin int, payloadStr string) {
	value, ok := parsePinValue(topic, payloadStr)
	if !ok {
		c.log.WarnContext(ctx, "invalid pin write value", slog.Int("pin", pin), slog.String("payload", payloadStr))
		return
	}
	if topic == dispatcher.TopicDigital {
		c.ctx.SendFrame(ctx, protocol.CmdDigitalWrite, []byte{byte(pin), byte(value)})
		return
	}
	c.ctx.SendFrame(ctx, protocol.CmdAnalogWrite, []byte{byte(pin), byte(value)})
}

func (c *Component) notifyPinQueueOverflow(ctx context.Context, topic dispatcher.Topic, pin int, msg *dispatcher.InboundMessage) {
	topicName := components.TopicPath(c.ctx.TopicPrefix(), string(topic), strconv.Itoa(pin), "value")
	c.ctx.Publish(ctx, topicName, nil, components.PublishOptions{
		Properties: map[string]string{"bridge-pin": strconv.Itoa(pin), "bridge-error": "pending-pin-overflow"},
		ReplyTo:    msg,
	})
}

func (c *Component) validatePinAccess(pin int, isAnalogInput bool) bool {
	caps := c.state.GetCapabilities()
	if !caps.Valid {
		return true
	}
	limit := int(caps.NumDigitalPins)
	if isAnalogInput {
		limit = int(caps.NumAnalogInputs)
	}
	if pin >= limit {
		c.log.Warn("pin exceeds hardware limit", slog.Int("pin", pin), slog.Int("limit", limit))
		return false
	}
	return true
}

func parsePinIdentifier(s string) (int, bool) {
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "A") {
		if v, err := strconv.Atoi(upper[1:]); err == nil {
			return v, true
		}
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parsePinValue(topic dispatcher.Topic, payloadStr string) (int, bool) {
	if payloadStr == "" {
		return 0, true
	}
	value, err := strconv.Atoi(strings.TrimSpace(payloadStr))
	if err != nil {
		return 0, false
	}
	if topic == dispatcher.TopicDigital && (value == 0 || value == 1) {
		return value, true
	}
	if topic == dispatcher.TopicAnalog && value >= 0 && value <= 255 {
		return value, true
	}
	return 0, false
}
