// Package system implements MCU firmware version and free-heap queries,
// grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/system.py.
package system

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strconv"
	"sync"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const mqttExpirySystemSeconds = uint32(30)

// BaudrateAckFunc is invoked after a CMD_SET_BAUDRATE round trip completes,
// mirroring the optional ctx.on_baudrate_change_ack hook the Python
// BridgeContext exposes.
type BaudrateAckFunc func(ctx context.Context, accepted bool)

// Component encapsulates firmware version and free-memory queries.
type Component struct {
	ctx   components.Context
	state *state.RuntimeState
	log   *slog.Logger

	mu                  sync.Mutex
	pendingVersion      []*dispatcher.InboundMessage
	pendingFreeMemory   []*dispatcher.InboundMessage
	onBaudrateChangeAck BaudrateAckFunc
}

// New builds a Component. onBaudrateChangeAck may be nil.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger, onBaudrateChangeAck BaudrateAckFunc) *Component {
	if log == nil {
		log = slog.Default()
	}
	return &Component{ctx: ctx, state: st, log: log, onBaudrateChangeAck: onBaudrateChangeAck}
}

// RequestMCUVersion sends CMD_GET_VERSION to refresh the cached firmware
// version.
func (c *Component) RequestMCUVersion(ctx context.Context) bool {
	return c.ctx.SendFrame(ctx, protocol.CmdGetVersion, nil)
}

// HandleSetBaudrateResp invokes the baudrate-change-ack callback, if any,
// with whether the MCU accepted the new rate.
func (c *Component) HandleSetBaudrateResp(ctx context.Context, payload []byte) (bool, error) {
	accepted := len(payload) == 1 && payload[0] != 0
	if c.onBaudrateChangeAck != nil {
		c.onBaudrateChangeAck(ctx, accepted)
	}
	return true, nil
}

// HandleGetFreeMemoryResp caches the MCU's reported free heap size and
// answers any MQTT request pending on it, then broadcasts the value.
func (c *Component) HandleGetFreeMemoryResp(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) != 2 {
		c.log.WarnContext(ctx, "malformed free memory response", slog.Int("bytes", len(payload)))
		return false, nil
	}
	free := binary.BigEndian.Uint16(payload)
	c.state.SetFreeMemory(free)

	c.mu.Lock()
	pending := c.pendingFreeMemory
	c.pendingFreeMemory = nil
	c.mu.Unlock()

	c.publishFreeMemory(ctx, free, nil)
	for _, replyTo := range pending {
		c.publishFreeMemory(ctx, free, replyTo)
	}
	return true, nil
}

// HandleGetVersionResp caches the MCU's reported firmware version and
// answers any MQTT request pending on it, then broadcasts the value.
func (c *Component) HandleGetVersionResp(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) < 2 {
		c.log.WarnContext(ctx, "malformed version response", slog.Int("bytes", len(payload)))
		return false, nil
	}
	version := versionString(payload)
	c.state.SetMCUVersion(version)

	c.mu.Lock()
	pending := c.pendingVersion
	c.pendingVersion = nil
	c.mu.Unlock()

	c.publishVersion(ctx, version, nil)
	for _, replyTo := range pending {
		c.publishVersion(ctx, version, replyTo)
	}
	return true, nil
}

// HandleMQTT routes system/free_memory/get and system/version/get, always
// issuing a refresh request; a version request is also answered from cache
// when one is available, a free-memory request is not.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	if len(route.Remainder) == 0 {
		return false, nil
	}
	switch {
	case route.Identifier == "free_memory" && route.Remainder[0] == "get":
		c.handleFreeMemoryGet(ctx, msg)
		return true, nil
	case route.Identifier == "version" && route.Remainder[0] == "get":
		c.handleVersionGet(ctx, msg)
		return true, nil
	default:
		return false, nil
	}
}

func (c *Component) handleFreeMemoryGet(ctx context.Context, msg dispatcher.InboundMessage) {
	c.mu.Lock()
	c.pendingFreeMemory = append(c.pendingFreeMemory, &msg)
	c.mu.Unlock()
	c.ctx.SendFrame(ctx, protocol.CmdGetFreeMemory, nil)
}

func (c *Component) handleVersionGet(ctx context.Context, msg dispatcher.InboundMessage) {
	if version, ok := c.state.MCUVersion(); ok {
		c.publishVersion(ctx, version, &msg)
	}
	c.mu.Lock()
	c.pendingVersion = append(c.pendingVersion, &msg)
	c.mu.Unlock()
	c.ctx.SendFrame(ctx, protocol.CmdGetVersion, nil)
}

func (c *Component) publishVersion(ctx context.Context, version string, replyTo *dispatcher.InboundMessage) {
	expiry := mqttExpirySystemSeconds
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "system", "version", "value"), []byte(version),
		components.PublishOptions{MessageExpiryInterval: &expiry, ReplyTo: replyTo})
}

func (c *Component) publishFreeMemory(ctx context.Context, free uint16, replyTo *dispatcher.InboundMessage) {
	expiry := mqttExpirySystemSeconds
	payload := []byte(strconv.Itoa(int(free)))
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "system", "free_memory", "value"), payload,
		components.PublishOptions{MessageExpiryInterval: &expiry, ReplyTo: replyTo})
}

func versionString(payload []byte) string {
	major, minor := payload[0], payload[1]
	return strconv.Itoa(int(major)) + "." + strconv.Itoa(int(minor))
}
