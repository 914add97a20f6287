// Package dispatcher routes decoded MCU frames to per-command handlers and
// incoming MQTT messages to per-topic handlers, enforcing the pre-sync MCU
// frame firewall and MQTT topic authorization along the way.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/protocol"
)

// Topic is the first path segment of a bridge MQTT topic.
type Topic string

const (
	TopicAnalog    Topic = "a"
	TopicConsole   Topic = "console"
	TopicDatastore Topic = "datastore"
	TopicDigital   Topic = "d"
	TopicFile      Topic = "file"
	TopicMailbox   Topic = "mailbox"
	TopicShell     Topic = "sh"
	TopicStatus    Topic = "status"
	TopicSystem    Topic = "system"
)

// InboundMessage is the subset of an MQTT 5 publish the dispatcher and its
// handlers need, decoupled from any particular MQTT client library type.
type InboundMessage struct {
	Topic           string
	Payload         []byte
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  map[string]string
}

// PayloadString returns the payload decoded as UTF-8, invalid sequences
// replaced rather than rejected (mirrors the original's errors="ignore").
func (m InboundMessage) PayloadString() string {
	return strings.ToValidUTF8(string(m.Payload), "")
}

// TopicRoute is a parsed MQTT topic: prefix stripped, first segment resolved
// to a Topic, the rest split into an identifier and any further segments.
type TopicRoute struct {
	Topic      Topic
	Identifier string
	Remainder  []string
	Segments   []string
	Raw        string
}

// ParseTopic strips prefix from full and splits the remainder into a route.
// Returns false if full does not start with prefix, mirroring the original's
// "ignore messages with an unexpected prefix" behavior.
func ParseTopic(prefix, full string) (TopicRoute, bool) {
	trimmedPrefix := strings.Trim(prefix, "/")
	rest := strings.TrimPrefix(strings.TrimPrefix(full, trimmedPrefix), "/")
	if rest == full && trimmedPrefix != "" {
		return TopicRoute{}, false
	}
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return TopicRoute{}, false
	}
	segments := strings.Split(rest, "/")
	route := TopicRoute{
		Topic:    Topic(segments[0]),
		Segments: segments[1:],
		Raw:      rest,
	}
	if len(segments) > 1 {
		route.Identifier = segments[1]
	}
	if len(segments) > 2 {
		route.Remainder = segments[2:]
	}
	return route, true
}

// MCUHandler processes a decoded MCU frame's payload. Returning false (with
// a nil error) suppresses the implicit STATUS_ACK the dispatcher would
// otherwise send; returning an error is treated as a handler crash.
type MCUHandler func(ctx context.Context, payload []byte) (bool, error)

// MQTTHandler processes a routed MQTT message. Returning false means the
// topic was structurally unhandled (e.g. missing identifier) so the
// dispatcher can log it as such.
type MQTTHandler func(ctx context.Context, route TopicRoute, msg InboundMessage) (bool, error)

// SendFrameFunc writes a reply frame to the MCU.
type SendFrameFunc func(ctx context.Context, commandID uint16, payload []byte) bool

// AcknowledgeFunc sends STATUS_ACK for a successfully handled command.
type AcknowledgeFunc func(ctx context.Context, commandID uint16)

// preSyncAllowed are the only MCU command ids accepted before the serial
// link has completed its handshake; status frames are always accepted.
var preSyncAllowed = map[uint16]struct{}{
	protocol.CmdLinkSyncResp:  {},
	protocol.CmdLinkResetResp: {},
}

// Dispatcher owns the MCU command handler table and the MQTT topic handler
// table, and applies the firewall/authorization gates in front of both.
type Dispatcher struct {
	log *slog.Logger

	mcuHandlers  map[uint16]MCUHandler
	mqttHandlers map[Topic]MQTTHandler

	sendFrame           SendFrameFunc
	acknowledge         AcknowledgeFunc
	isLinkSynchronized  func() bool
	isActionAllowed     func(topic Topic, action string) bool
	rejectAction        func(ctx context.Context, msg InboundMessage, topic Topic, action string)
	publishBridgeSnapshot func(ctx context.Context, kind string, msg *InboundMessage)

	topicPrefix string
}

// Config gathers the collaborators a Dispatcher needs. All fields are
// required except PublishBridgeSnapshot, which may be nil if bridge
// snapshot topics are not wired.
type Config struct {
	Log                   *slog.Logger
	TopicPrefix           string
	SendFrame             SendFrameFunc
	Acknowledge           AcknowledgeFunc
	IsLinkSynchronized    func() bool
	IsActionAllowed       func(topic Topic, action string) bool
	RejectAction          func(ctx context.Context, msg InboundMessage, topic Topic, action string)
	PublishBridgeSnapshot func(ctx context.Context, kind string, msg *InboundMessage)
}

// New builds a Dispatcher with empty handler tables; call RegisterMCU and
// RegisterMQTT (or a components package's registration helper) to populate
// them before serving traffic.
func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:                   log,
		mcuHandlers:           make(map[uint16]MCUHandler),
		mqttHandlers:          make(map[Topic]MQTTHandler),
		sendFrame:             cfg.SendFrame,
		acknowledge:           cfg.Acknowledge,
		isLinkSynchronized:    cfg.IsLinkSynchronized,
		isActionAllowed:       cfg.IsActionAllowed,
		rejectAction:          cfg.RejectAction,
		publishBridgeSnapshot: cfg.PublishBridgeSnapshot,
		topicPrefix:           cfg.TopicPrefix,
	}
}

// RegisterMCU installs the handler for an MCU command id, overwriting any
// previous registration.
func (d *Dispatcher) RegisterMCU(commandID uint16, handler MCUHandler) {
	d.mcuHandlers[commandID] = handler
}

// RegisterMQTT installs the handler for every MQTT message whose first
// topic segment resolves to topic.
func (d *Dispatcher) RegisterMQTT(topic Topic, handler MQTTHandler) {
	d.mqttHandlers[topic] = handler
}

// DispatchMCUFrame routes a decoded MCU frame to its registered handler,
// enforcing the pre-sync firewall, mapping handler crashes to a STATUS_ERROR
// reply, and sending the implicit STATUS_ACK on success.
func (d *Dispatcher) DispatchMCUFrame(ctx context.Context, commandID uint16, payload []byte) {
	if !d.isFrameAllowedPreSync(commandID) {
		d.log.WarnContext(ctx, "rejecting MCU frame before link synchronization",
			logger.CommandID(commandID))
		return
	}

	handler, registered := d.mcuHandlers[commandID]
	name := commandName(commandID)

	handledSuccessfully := false
	switch {
	case registered:
		d.log.DebugContext(ctx, "mcu frame received", slog.String("command", name), slog.Int("bytes", len(payload)))
		ok, err := d.invokeMCUHandler(ctx, handler, payload)
		if err != nil {
			d.log.ErrorContext(ctx, "exception in mcu frame handler", slog.String("command", name), logger.Err(err))
			if _, hasExpectedResp := protocol.ExpectedResponse(commandID); !hasExpectedResp {
				d.safeSendFrame(ctx, protocol.StatusError, []byte("Internal Error"))
			}
		} else {
			handledSuccessfully = ok
		}
	case isUnhandledRequest(commandID):
		d.log.WarnContext(ctx, "unhandled MCU command, no handler registered", slog.String("command", name))
		d.safeSendFrame(ctx, protocol.StatusNotImplemented, nil)
	default:
		d.log.DebugContext(ctx, "ignoring orphaned MCU response", slog.String("command", name))
	}

	if handledSuccessfully && d.shouldAcknowledge(commandID) && d.acknowledge != nil {
		d.acknowledge(ctx, commandID)
	}
}

// invokeMCUHandler runs handler, converting a panic into an error so one
// misbehaving component handler can never take down the dispatch loop.
func (d *Dispatcher) invokeMCUHandler(ctx context.Context, handler MCUHandler, payload []byte) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func (d *Dispatcher) safeSendFrame(ctx context.Context, commandID uint16, payload []byte) {
	if d.sendFrame != nil {
		d.sendFrame(ctx, commandID, payload)
	}
}

func (d *Dispatcher) shouldAcknowledge(commandID uint16) bool {
	return commandID < protocol.StatusCodeMin || commandID > protocol.StatusCodeMax
}

func (d *Dispatcher) isFrameAllowedPreSync(commandID uint16) bool {
	if d.isLinkSynchronized == nil || d.isLinkSynchronized() {
		return true
	}
	if commandID >= protocol.StatusCodeMin && commandID <= protocol.StatusCodeMax {
		return true
	}
	_, ok := preSyncAllowed[commandID]
	return ok
}

func isUnhandledRequest(commandID uint16) bool {
	_, hasExpectedResp := protocol.ExpectedResponse(commandID)
	return hasExpectedResp || protocol.IsAckOnly(commandID)
}

func commandName(commandID uint16) string {
	if commandID >= protocol.StatusCodeMin && commandID <= protocol.StatusCodeMax {
		return protocol.StatusName(commandID)
	}
	return fmt.Sprintf("CMD(0x%02X)", commandID)
}

// DispatchMQTTMessage routes an inbound MQTT message to the handler
// registered for its topic's leading segment, logging (not erroring on)
// unparsable topics, missing identifiers, and handler panics.
func (d *Dispatcher) DispatchMQTTMessage(ctx context.Context, msg InboundMessage) {
	route, ok := ParseTopic(d.topicPrefix, msg.Topic)
	if !ok {
		d.log.DebugContext(ctx, "ignoring mqtt message with unexpected prefix", slog.String("topic", msg.Topic))
		return
	}
	if len(route.Segments) == 0 && route.Identifier == "" {
		d.log.DebugContext(ctx, "mqtt topic missing identifier", slog.String("topic", msg.Topic))
		return
	}

	handler, registered := d.mqttHandlers[route.Topic]
	if !registered {
		d.log.DebugContext(ctx, "unhandled mqtt topic", slog.String("topic", msg.Topic))
		return
	}

	handled, err := d.invokeMQTTHandler(ctx, handler, route, msg)
	if err != nil {
		d.log.ErrorContext(ctx, "error processing mqtt topic", slog.String("topic", msg.Topic), logger.Err(err))
		return
	}
	if !handled {
		d.log.DebugContext(ctx, "unhandled mqtt topic", slog.String("topic", msg.Topic))
	}
}

func (d *Dispatcher) invokeMQTTHandler(ctx context.Context, handler MQTTHandler, route TopicRoute, msg InboundMessage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, route, msg)
}

// CheckAction consults the authorization callback for (topic, action); when
// denied it invokes RejectAction and returns false so the caller can stop
// processing the message.
func (d *Dispatcher) CheckAction(ctx context.Context, msg InboundMessage, topic Topic, action string) bool {
	if d.isActionAllowed == nil || d.isActionAllowed(topic, action) {
		return true
	}
	if d.rejectAction != nil {
		d.rejectAction(ctx, msg, topic, action)
	}
	return false
}

// PinActionFromSegments derives the pin action name from a digital/analog
// topic's path segments after the prefix (<d|a>/<pin>[/<action>]),
// defaulting to "write" for the bare 2-segment form used by GPIO writes.
func PinActionFromSegments(segments []string) string {
	if len(segments) < 2 {
		return ""
	}
	if len(segments) == 2 {
		return "write"
	}
	return strings.ToLower(strings.TrimSpace(segments[2]))
}

// PublishBridgeSnapshot triggers a bridge snapshot publish of the given
// kind ("handshake", "summary"), if a publisher was configured.
func (d *Dispatcher) PublishBridgeSnapshot(ctx context.Context, kind string, msg *InboundMessage) {
	if d.publishBridgeSnapshot != nil {
		d.publishBridgeSnapshot(ctx, kind, msg)
	}
}
