// Package bridge wires the serial transport, MQTT client, flow controller,
// handshake manager, and the seven service components into one supervised
// runtime, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/runtime.py's
// BridgeService.
package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/components/console"
	"github.com/isantolin/mcubridge/pkg/components/datastore"
	"github.com/isantolin/mcubridge/pkg/components/file"
	"github.com/isantolin/mcubridge/pkg/components/mailbox"
	"github.com/isantolin/mcubridge/pkg/components/pin"
	"github.com/isantolin/mcubridge/pkg/components/process"
	"github.com/isantolin/mcubridge/pkg/components/system"
	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/flow"
	"github.com/isantolin/mcubridge/pkg/handshake"
	"github.com/isantolin/mcubridge/pkg/mqttclient"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/policy"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
	"github.com/isantolin/mcubridge/pkg/transport/serial"
)

// handshakeMinSyncInterval rate-limits how often a duplicate LINK_SYNC_RESP
// is allowed to re-confirm synchronization, matching the handshake FSM's
// replay/flood guard. Not presently exposed as a config knob.
const handshakeMinSyncInterval = 1 * time.Second

// Service composes one bridge daemon instance: the serial link, the MQTT
// broker connection, and the seven MCU/MQTT-facing components, all sharing
// one RuntimeState. It implements components.Context so every component
// calls back into it for frame transmission and MQTT I/O.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	state     *state.RuntimeState
	spool     *mqttspool.Spool
	transport *serial.Transport
	flow      *flow.Controller
	handshake *handshake.Manager
	mqtt      *mqttclient.Client
	dispatch  *dispatcher.Dispatcher

	processPolicy policy.AllowedCommandPolicy
	topicAuth     policy.TopicAuthorization

	console   *console.Component
	datastore *datastore.Component
	file      *file.Component
	mailbox   *mailbox.Component
	pin       *pin.Component
	process   *process.Component
	system    *system.Component

	pipelineMu     sync.Mutex
	pipelineStarts map[uint16]time.Time
}

// flowMetrics adapts RuntimeState to flow.MetricsSink.
type flowMetrics struct{ state *state.RuntimeState }

func (f flowMetrics) Inc(event string) { f.state.RecordSerialFlowEvent(event) }

// New assembles a Service from validated configuration. It does not start
// any I/O; call Run to drive the serial and MQTT loops.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	rt := state.New(int(cfg.Console.QueueBytesLimit), cfg.Mailbox.QueueLimit, int(cfg.Mailbox.QueueBytesLimit))
	spool := mqttspool.New(cfg.MQTT.SpoolDir, cfg.MQTT.SpoolLimit, log)

	b := &Service{
		cfg:            cfg,
		log:            log,
		state:          rt,
		spool:          spool,
		processPolicy:  policy.NewAllowedCommandPolicy(cfg.Process.AllowedCommands),
		topicAuth:      policy.DefaultTopicAuthorization(),
		pipelineStarts: make(map[uint16]time.Time),
	}

	b.transport = serial.New(serial.Options{
		Device:   cfg.Serial.Port,
		BaudRate: uint32(cfg.Serial.Baud),
	}, log, rt)
	b.transport.SetFrameHandler(func(commandID uint16, payload []byte) {
		b.HandleMCUFrame(context.Background(), commandID, payload)
	})
	b.transport.SetConnectHandler(func() {
		b.OnSerialConnected(context.Background())
	})
	b.transport.SetDisconnectHandler(func(err error) {
		b.OnSerialDisconnected(context.Background(), err)
	})

	b.flow = flow.New(cfg.Serial.AckTimeout, cfg.Serial.ResponseTimeout, cfg.Serial.RetryLimit, log, flowMetrics{rt})
	b.flow.SetSender(func(commandID uint16, payload []byte) bool {
		frame, err := protocol.Build(commandID, payload)
		if err != nil {
			log.Warn("failed to build outbound frame", logger.Err(err), logger.CommandID(commandID))
			return false
		}
		return b.transport.Send(frame)
	})
	b.flow.SetObserver(b.observeFlowEvent)

	hs, err := handshake.New(handshake.Config{
		SharedSecret:    []byte(cfg.Serial.Secret),
		AckTimeoutMS:    uint16(cfg.Serial.AckTimeout.Milliseconds()),
		RetryLimit:      uint8(cfg.Serial.RetryLimit),
		ResponseTimeout: cfg.Serial.ResponseTimeout,
		FatalThreshold:  cfg.Serial.HandshakeFatalFailures,
		MinInterval:     handshakeMinSyncInterval,
	}, b.SendFrame, b.publishHandshakeEvent, log)
	if err != nil {
		return nil, err
	}
	b.handshake = hs

	b.mqtt = mqttclient.New(mqttclient.Options{
		BrokerURL:        cfg.MQTT.BrokerURL,
		ClientID:         cfg.MQTT.ClientID,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		TLS:              cfg.MQTT.TLS,
		KeepAlive:        cfg.MQTT.KeepAlive,
		TopicPrefix:      cfg.MQTT.Topic,
		PublishQueueSize: cfg.MQTT.PublishQueueSize,
	}, spool, rt, log)
	b.mqtt.SetInboundHandler(func(msg dispatcher.InboundMessage) {
		b.HandleMQTTMessage(context.Background(), msg)
	})

	b.console = console.New(b, rt, log)
	b.datastore = datastore.New(b, rt, log)
	b.file = file.New(b, rt, log, cfg.File)
	b.mailbox = mailbox.New(b, rt, log)
	b.pin = pin.New(b, rt, log, cfg.Serial.PendingPinRequestLimit)
	b.process = process.New(b, rt, log, cfg.Process)
	b.system = system.New(b, rt, log, nil)

	b.dispatch = dispatcher.New(dispatcher.Config{
		Log:                   log,
		TopicPrefix:           cfg.MQTT.Topic,
		SendFrame:             b.SendFrame,
		Acknowledge:           b.acknowledgeFrame,
		IsLinkSynchronized:    hs.IsSynchronized,
		IsActionAllowed:       func(topic dispatcher.Topic, action string) bool { return b.topicAuth.Allows(string(topic), action) },
		RejectAction:          b.rejectAction,
		PublishBridgeSnapshot: b.publishBridgeSnapshot,
	})
	b.registerHandlers()

	return b, nil
}

// registerHandlers installs every MCU command and MQTT topic handler.
func (b *Service) registerHandlers() {
	d := b.dispatch

	d.RegisterMCU(protocol.CmdLinkSyncResp, func(ctx context.Context, payload []byte) (bool, error) {
		return b.handshake.HandleLinkSyncResp(ctx, payload), nil
	})
	d.RegisterMCU(protocol.CmdGetCapabilitiesResp, func(_ context.Context, payload []byte) (bool, error) {
		err := b.handshake.HandleCapabilitiesResp(payload)
		return err == nil, err
	})

	d.RegisterMCU(protocol.CmdConsoleWrite, b.console.HandleWrite)
	d.RegisterMCU(protocol.CmdXoff, b.console.HandleXOFF)
	d.RegisterMCU(protocol.CmdXon, b.console.HandleXON)

	d.RegisterMCU(protocol.CmdDatastoreGet, b.datastore.HandleGet)
	d.RegisterMCU(protocol.CmdDatastorePut, b.datastore.HandlePut)

	d.RegisterMCU(protocol.CmdFileWrite, b.file.HandleWrite)
	d.RegisterMCU(protocol.CmdFileRead, b.file.HandleRead)
	d.RegisterMCU(protocol.CmdFileRemove, b.file.HandleRemove)

	d.RegisterMCU(protocol.CmdMailboxPush, b.mailbox.HandlePush)
	d.RegisterMCU(protocol.CmdMailboxAvailable, b.mailbox.HandleAvailable)
	d.RegisterMCU(protocol.CmdMailboxRead, b.mailbox.HandleRead)
	d.RegisterMCU(protocol.CmdMailboxProcessed, b.mailbox.HandleProcessed)

	d.RegisterMCU(protocol.CmdDigitalRead, func(ctx context.Context, payload []byte) (bool, error) {
		return b.pin.HandleUnexpectedMCURequest(ctx, protocol.CmdDigitalRead, payload)
	})
	d.RegisterMCU(protocol.CmdAnalogRead, func(ctx context.Context, payload []byte) (bool, error) {
		return b.pin.HandleUnexpectedMCURequest(ctx, protocol.CmdAnalogRead, payload)
	})
	d.RegisterMCU(protocol.CmdDigitalReadResp, b.pin.HandleDigitalReadResp)
	d.RegisterMCU(protocol.CmdAnalogReadResp, b.pin.HandleAnalogReadResp)

	d.RegisterMCU(protocol.CmdProcessRun, b.process.HandleRun)
	d.RegisterMCU(protocol.CmdProcessRunAsync, b.process.HandleRunAsync)
	d.RegisterMCU(protocol.CmdProcessPoll, b.process.HandlePoll)
	d.RegisterMCU(protocol.CmdProcessKill, b.process.HandleKill)

	d.RegisterMCU(protocol.CmdSetBaudrateResp, b.system.HandleSetBaudrateResp)
	d.RegisterMCU(protocol.CmdGetFreeMemoryResp, b.system.HandleGetFreeMemoryResp)
	d.RegisterMCU(protocol.CmdGetVersionResp, b.system.HandleGetVersionResp)

	d.RegisterMQTT(dispatcher.TopicConsole, func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		if !d.CheckAction(ctx, msg, dispatcher.TopicConsole, "input") {
			return false, nil
		}
		b.console.HandleMQTTInput(ctx, msg.Payload)
		return true, nil
	})
	d.RegisterMQTT(dispatcher.TopicDatastore, b.gatedMQTT(b.datastore.HandleMQTT, dispatcher.TopicDatastore))
	d.RegisterMQTT(dispatcher.TopicFile, b.gatedMQTT(b.file.HandleMQTT, dispatcher.TopicFile))
	d.RegisterMQTT(dispatcher.TopicMailbox, b.gatedMQTT(b.mailbox.HandleMQTT, dispatcher.TopicMailbox))
	d.RegisterMQTT(dispatcher.TopicShell, b.gatedMQTT(b.process.HandleMQTT, dispatcher.TopicShell))
	d.RegisterMQTT(dispatcher.TopicDigital, b.gatedPinMQTT(b.pin.HandleMQTT))
	d.RegisterMQTT(dispatcher.TopicAnalog, b.gatedPinMQTT(b.pin.HandleMQTT))
	d.RegisterMQTT(dispatcher.TopicSystem, b.system.HandleMQTT)
}

// gatedMQTT wraps a component handler whose action is simply the topic
// route's identifier (get/put, read/write/remove, run/poll/kill...), running
// the authorization check before delegating.
func (b *Service) gatedMQTT(handler dispatcher.MQTTHandler, topic dispatcher.Topic) dispatcher.MQTTHandler {
	return func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		if !b.dispatch.CheckAction(ctx, msg, topic, route.Identifier) {
			return false, nil
		}
		return handler(ctx, route, msg)
	}
}

// gatedPinMQTT wraps the pin component's handler, deriving the action from
// the full topic segment chain (mode/read/write) rather than the bare
// identifier, since a pin number alone is not an action.
func (b *Service) gatedPinMQTT(handler dispatcher.MQTTHandler) dispatcher.MQTTHandler {
	return func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		parts := append([]string{string(route.Topic), route.Identifier}, route.Remainder...)
		action := dispatcher.PinActionFromSegments(parts)
		if !b.dispatch.CheckAction(ctx, msg, route.Topic, action) {
			return false, nil
		}
		return handler(ctx, route, msg)
	}
}

// --- components.Context ---

// SendFrame routes commandID/payload through the flow controller, which
// sequences, retries, and correlates the response for tracked commands.
func (b *Service) SendFrame(ctx context.Context, commandID uint16, payload []byte) bool {
	ok, err := b.flow.Send(ctx, commandID, payload)
	if err != nil {
		b.log.WarnContext(ctx, "send frame failed", logger.Err(err), logger.CommandID(commandID))
		return false
	}
	return ok
}

// Publish converts a component's publish request into a spooled MQTT 5
// envelope and hands it to the client, applying any reply-context rewrite.
func (b *Service) Publish(ctx context.Context, topic string, payload []byte, opts components.PublishOptions) {
	rec := mqttspool.QueuedPublish{
		Topic:                 topic,
		Payload:               payload,
		QoS:                   opts.QoS,
		Retain:                opts.Retain,
		ContentType:           opts.ContentType,
		MessageExpiryInterval: opts.MessageExpiryInterval,
	}
	for k, v := range opts.Properties {
		rec.UserProperties = append(rec.UserProperties, mqttspool.UserProperty{Key: k, Value: v})
	}
	b.mqtt.EnqueueMQTT(ctx, rec, opts.ReplyTo)
}

// EnqueueMQTT forwards a fully-built publish envelope straight to the
// client, applying the same reply-context rewrite as Publish.
func (b *Service) EnqueueMQTT(ctx context.Context, msg mqttspool.QueuedPublish, replyTo *dispatcher.InboundMessage) {
	b.mqtt.EnqueueMQTT(ctx, msg, replyTo)
}

// IsCommandAllowed reports whether command's leading token is on the
// process allow-list.
func (b *Service) IsCommandAllowed(command string) bool {
	return b.processPolicy.IsAllowed(command)
}

// TopicPrefix returns the configured MQTT topic root.
func (b *Service) TopicPrefix() string {
	return b.cfg.MQTT.Topic
}

// --- lifecycle ---

// HandleMCUFrame correlates the frame against any in-flight flow-controller
// command, then dispatches it to its registered handler. Panics inside
// either step are contained so one malformed frame can never take the
// runtime down.
func (b *Service) HandleMCUFrame(ctx context.Context, commandID uint16, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.ErrorContext(ctx, "panic handling mcu frame", logger.CommandID(commandID), slog.Any("panic", r))
		}
	}()
	b.flow.OnFrameReceived(commandID, payload)
	b.dispatch.DispatchMCUFrame(ctx, commandID, payload)
}

// HandleMQTTMessage dispatches an inbound MQTT publish to its routed topic
// handler, containing panics the same way HandleMCUFrame does.
func (b *Service) HandleMQTTMessage(ctx context.Context, msg dispatcher.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.ErrorContext(ctx, "panic handling mqtt message", logger.Topic(msg.Topic), slog.Any("panic", r))
		}
	}()
	b.dispatch.DispatchMQTTMessage(ctx, msg)
}

// OnSerialConnected drives link synchronization once the port opens, then
// refreshes the firmware version and flushes any console output queued
// while disconnected.
func (b *Service) OnSerialConnected(ctx context.Context) {
	ok, err := b.handshake.Synchronize(ctx)
	if err != nil {
		if errors.Is(err, handshake.ErrFatal) {
			b.log.ErrorContext(ctx, "handshake permanently failed", logger.Err(err))
		} else {
			b.log.WarnContext(ctx, "handshake synchronization error", logger.Err(err))
		}
		return
	}
	if !ok {
		b.log.ErrorContext(ctx, "handshake did not synchronize, skipping post-connect init")
		return
	}
	if !b.system.RequestMCUVersion(ctx) {
		b.log.WarnContext(ctx, "failed to request mcu version after handshake")
	}
	b.console.FlushQueue(ctx)
}

// OnSerialDisconnected clears pin-request state that can never be answered
// by the MCU that just vanished, and resets the flow controller and
// handshake FSM so the next connection starts clean.
func (b *Service) OnSerialDisconnected(ctx context.Context, err error) {
	b.log.WarnContext(ctx, "serial link disconnected", logger.Err(err))
	for {
		if _, ok := b.state.DequeuePendingDigitalRead(); !ok {
			break
		}
	}
	for {
		if _, ok := b.state.DequeuePendingAnalogRead(); !ok {
			break
		}
	}
	b.console.OnSerialDisconnected()
	b.flow.Reset()
	b.handshake.Reset()
}

// Run drives the serial transport and MQTT client reconnect loops until ctx
// is cancelled, then waits for both to exit before returning.
func (b *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	results := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- b.transport.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		results <- b.mqtt.Run(ctx)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for err := range results {
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// State exposes the shared runtime state for status/metrics reporting.
func (b *Service) State() *state.RuntimeState { return b.state }

// --- internal collaborators ---

func (b *Service) acknowledgeFrame(ctx context.Context, commandID uint16) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, commandID)
	b.SendFrame(ctx, protocol.StatusACK, payload)
}

// observeFlowEvent tracks each tracked command's start timestamp so a
// terminal event can record its round-trip latency, and always bumps the
// named pipeline counter.
func (b *Service) observeFlowEvent(e flow.Event) {
	b.state.RecordSerialPipelineEvent(e.Name)

	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()
	switch e.Name {
	case "start":
		b.pipelineStarts[e.CommandID] = e.Timestamp
	case "success", "failure", "abandoned":
		if start, ok := b.pipelineStarts[e.CommandID]; ok {
			b.state.RecordLatency(e.Timestamp.Sub(start))
			delete(b.pipelineStarts, e.CommandID)
		}
	}
}

func (b *Service) publishHandshakeEvent(event string, fields map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("failed to marshal handshake event", logger.Err(err))
		return
	}
	b.Publish(context.Background(), components.TopicPath(b.cfg.MQTT.Topic, "system", "handshake"), data,
		components.PublishOptions{ContentType: "application/json"})
}

func (b *Service) rejectAction(ctx context.Context, msg dispatcher.InboundMessage, topic dispatcher.Topic, action string) {
	b.log.WarnContext(ctx, "mqtt action rejected by policy", logger.Topic(msg.Topic), slog.String("action", action))
	payload, err := json.Marshal(map[string]string{"status": "forbidden", "topic": string(topic), "action": action})
	if err != nil {
		return
	}
	b.Publish(ctx, components.TopicPath(b.cfg.MQTT.Topic, "system", "status"), payload,
		components.PublishOptions{ContentType: "application/json", ReplyTo: &msg})
}

func (b *Service) publishBridgeSnapshot(ctx context.Context, kind string, msg *dispatcher.InboundMessage) {
	snapshot := map[string]any{
		"kind":            kind,
		"handshake_state": b.handshake.State().String(),
		"mqtt_connected":  b.mqtt.IsConnected(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		b.log.WarnContext(ctx, "failed to marshal bridge snapshot", logger.Err(err))
		return
	}
	b.Publish(ctx, components.TopicPath(b.cfg.MQTT.Topic, "status", kind), data,
		components.PublishOptions{ContentType: "application/json", ReplyTo: msg})
}
