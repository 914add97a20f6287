// Package components implements the seven MCU/MQTT-facing service
// components (console, datastore, file, mailbox, pin, process, system) that
// the bridge wires against the dispatcher's handler tables.
package components

import (
	"context"

	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
)

// PublishOptions mirrors the optional MQTT 5 properties a component may
// attach to an outbound message.
type PublishOptions struct {
	QoS                    byte
	Retain                 bool
	ContentType            string
	MessageExpiryInterval  *uint32
	Properties             map[string]string
	ReplyTo                *dispatcher.InboundMessage
}

// Context is the surface every component needs from the bridge: frame
// transmission, MQTT publish/enqueue, and the process allow-list check.
// Grounded on BridgeContext in
// original_source/openwrt-mcu-bridge/mcubridge/services/base.py.
type Context interface {
	SendFrame(ctx context.Context, commandID uint16, payload []byte) bool
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions)
	EnqueueMQTT(ctx context.Context, msg mqttspool.QueuedPublish, replyTo *dispatcher.InboundMessage)
	IsCommandAllowed(command string) bool
	TopicPrefix() string
}

// TopicPath joins prefix with segments, matching topic_path's behavior of
// skipping empty segments.
func TopicPath(prefix string, segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// ChunkBytes splits data into chunks of at most size bytes, matching
// util.chunk_bytes. Returns nil for empty input.
func ChunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for offset := 0; offset < len(data); offset += size {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks
}
