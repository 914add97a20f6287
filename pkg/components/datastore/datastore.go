// Package datastore implements the ≤255-byte key/value store shared between
// the MCU and MQTT, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/datastore.py.
package datastore

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strings"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const maxKeyValueBytes = 255
const mqttExpiryDatastoreSeconds = uint32(300)

// Component encapsulates datastore behavior.
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

// HandleGet returns the stored value for the key the MCU requests, as a
// uint16-length-prefixed frame, then echoes it to MQTT.
func (c *Component) HandleGet(ctx context.Context, payload []byte) (bool, error) {
	key, ok := parseKeyPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "malformed datastore get payload")
		c.ctx.SendFrame(ctx, protocol.StatusMalformed, []byte("data_get_malformed"))
		return false, nil
	}

	value := c.state.DatastoreGet(key)
	valueBytes := []byte(value)
	if len(valueBytes) > maxKeyValueBytes {
		c.log.WarnContext(ctx, "datastore value truncated", slog.String("key", key), slog.Int("bytes", len(valueBytes)))
		valueBytes = valueBytes[:maxKeyValueBytes]
	}

	response := make([]byte, 2+len(valueBytes))
	binary.BigEndian.PutUint16(response, uint16(len(valueBytes)))
	copy(response[2:], valueBytes)

	if !c.ctx.SendFrame(ctx, protocol.CmdDatastoreGetResp, response) {
		return false, nil
	}
	c.publishValue(ctx, key, valueBytes, nil, "")
	return true, nil
}

// HandlePut stores a key/value pair reported by the MCU and echoes it.
func (c *Component) HandlePut(ctx context.Context, payload []byte) (bool, error) {
	key, value, ok := parseKeyValuePacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "malformed datastore put payload")
		return false, nil
	}
	c.state.DatastorePut(key, string(value))
	c.publishValue(ctx, key, value, nil, "")
	return true, nil
}

// HandleMQTT routes put/<key> and get/<key>[/request] MQTT actions.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	segments := append([]string{}, route.Remainder...)
	isRequest := false
	if route.Identifier == "get" && len(segments) > 0 && segments[len(segments)-1] == "request" {
		segments = segments[:len(segments)-1]
		isRequest = true
	}
	key := strings.Join(segments, "/")

	switch route.Identifier {
	case "put":
		if key == "" {
			return false, nil
		}
		c.handleMQTTPut(ctx, key, msg)
		return true, nil
	case "get":
		if key == "" {
			return false, nil
		}
		c.handleMQTTGet(ctx, key, isRequest, msg)
		return true, nil
	default:
		return false, nil
	}
}

func (c *Component) handleMQTTPut(ctx context.Context, key string, msg dispatcher.InboundMessage) {
	value := msg.PayloadString()
	if len(key) > maxKeyValueBytes || len(value) > maxKeyValueBytes {
		c.log.WarnContext(ctx, "datastore mqtt payload too large", slog.Int("key_len", len(key)), slog.Int("value_len", len(value)))
		return
	}
	c.state.DatastorePut(key, value)
	c.publishValue(ctx, key, []byte(value), &msg, "")
}

func (c *Component) handleMQTTGet(ctx context.Context, key string, isRequest bool, msg dispatcher.InboundMessage) {
	if len(key) > maxKeyValueBytes {
		c.log.WarnContext(ctx, "datastore mqtt get key too large", slog.Int("key_len", len(key)))
		return
	}
	value, ok := c.state.DatastoreLookup(key)
	if !ok {
		if isRequest {
			c.publishValue(ctx, key, nil, &msg, "datastore-miss")
		}
		return
	}
	c.publishValue(ctx, key, []byte(value), &msg, "")
}

func (c *Component) publishValue(ctx context.Context, key string, value []byte, replyTo *dispatcher.InboundMessage, errorReason string) {
	keySegments := strings.FieldsFunc(key, func(r rune) bool { return r == '/' })
	topic := components.TopicPath(c.ctx.TopicPrefix(), append([]string{"datastore", "get"}, keySegments...)...)
	props := map[string]string{"bridge-datastore-key": key}
	if errorReason != "" {
		props["bridge-error"] = errorReason
	}
	expiry := mqttExpiryDatastoreSeconds
	rec := mqttspool.QueuedPublish{
		Topic:                 topic,
		Payload:               value,
		ContentType:           "text/plain; charset=utf-8",
		MessageExpiryInterval: &expiry,
		UserProperties:        propsToSlice(props),
	}
	c.ctx.EnqueueMQTT(ctx, rec, replyTo)
}

func propsToSlice(m map[string]string) []mqttspool.UserProperty {
	out := make([]mqttspool.UserProperty, 0, len(m))
	for k, v := range m {
		out = append(out, mqttspool.UserProperty{Key: k, Value: v})
	}
	return out
}

func parseKeyPacket(payload []byte) (string, bool) {
	if len(payload) < 1 {
		return "", false
	}
	keyLen := int(payload[0])
	if len(payload) < 1+keyLen {
		return "", false
	}
	return string(payload[1 : 1+keyLen]), true
}

func parseKeyValuePacket(payload []byte) (string, []byte, bool) {
	if len(payload) < 2 {
		return "", nil, false
	}
	keyLen := int(payload[0])
	if len(payload) < 1+keyLen+1 {
		return "", nil, false
	}
	key := string(payload[1 : 1+keyLen])
	valueLen := int(payload[1+keyLen])
	start := 1 + keyLen + 1
	if len(payload) < start+valueLen {
		return "", nil, false
	}
	return key, payload[start : start+valueLen], true
}
