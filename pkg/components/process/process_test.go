package process

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/isantolin/mcubridge/internal/bytesize"
	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

type fakeCtx struct {
	mu          sync.Mutex
	sentCommand uint16
	sentPayload []byte
	sendResult  bool
	published   []struct {
		topic   string
		payload []byte
	}
	enqueued []mqttspool.QueuedPublish
	allowed  map[string]bool
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{sendResult: true, allowed: map[string]bool{"echo": true, "false": true, "sleep": true}}
}

func (f *fakeCtx) SendFrame(ctx context.Context, commandID uint16, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCommand = commandID
	f.sentPayload = payload
	return f.sendResult
}

func (f *fakeCtx) Publish(ctx context.Context, topic string, payload []byte, opts components.PublishOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		topic   string
		payload []byte
	}{topic, payload})
}

func (f *fakeCtx) EnqueueMQTT(ctx context.Context, msg mqttspool.QueuedPublish, replyTo *dispatcher.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, msg)
}

func (f *fakeCtx) IsCommandAllowed(command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[command]
}

func (f *fakeCtx) TopicPrefix() string { return "bridge" }

func (f *fakeCtx) snapshotSent() (uint16, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentCommand, f.sentPayload
}

func (f *fakeCtx) snapshotEnqueued() []mqttspool.QueuedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mqttspool.QueuedPublish, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

func testCfg() config.ProcessConfig {
	return config.ProcessConfig{
		MaxConcurrent:   2,
		Timeout:         2 * time.Second,
		OutputLimit:     bytesize.ByteSize(4096),
		MaxOutputBytes:  bytesize.ByteSize(4096),
		AllowedCommands: []string{"echo", "false", "sleep"},
	}
}

func commandPacket(cmd string) []byte {
	return append([]byte{byte(len(cmd))}, cmd...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestHandleRunRejectsDisallowedCommand(t *testing.T) {
	fc := newFakeCtx()
	fc.allowed = map[string]bool{}
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	handled, err := c.HandleRun(context.Background(), commandPacket("echo hi"))
	if err != nil || handled {
		t.Fatalf("expected rejection, got handled=%v err=%v", handled, err)
	}
	cmd, _ := fc.snapshotSent()
	if cmd != protocol.StatusError {
		t.Fatalf("expected StatusError, got %d", cmd)
	}
}

func TestHandleRunExecutesAndReplies(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	handled, err := c.HandleRun(context.Background(), commandPacket("echo hello"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	waitFor(t, time.Second, func() bool {
		cmd, _ := fc.snapshotSent()
		return cmd == protocol.CmdProcessRunResp
	})

	_, payload := fc.snapshotSent()
	if len(payload) < 2 {
		t.Fatalf("response too short: %v", payload)
	}
	if payload[0] != byte(protocol.StatusOK) {
		t.Fatalf("expected StatusOK, got %d", payload[0])
	}
	stdoutLen := binary.BigEndian.Uint16(payload[2:4])
	stdout := string(payload[4 : 4+stdoutLen])
	if strings.TrimSpace(stdout) != "hello" {
		t.Fatalf("expected hello in stdout, got %q", stdout)
	}
}

func TestHandleRunNonZeroExitReportsStatusOK(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	handled, err := c.HandleRun(context.Background(), commandPacket("false"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	waitFor(t, time.Second, func() bool {
		cmd, _ := fc.snapshotSent()
		return cmd == protocol.CmdProcessRunResp
	})

	_, payload := fc.snapshotSent()
	if payload[0] != byte(protocol.StatusOK) {
		t.Fatalf("expected StatusOK even for nonzero exit, got %d", payload[0])
	}
	if payload[1] == 0 {
		t.Fatalf("expected nonzero exit code byte, got %d", payload[1])
	}
}

func TestHandleRunAsyncThenPollReturnsOutput(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	handled, err := c.HandleRunAsync(context.Background(), commandPacket("echo async"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	_, payload := fc.snapshotSent()
	if len(payload) != 2 {
		t.Fatalf("expected 2-byte pid response, got %v", payload)
	}
	pid := binary.BigEndian.Uint16(payload)

	pidPkt := make([]byte, 2)
	binary.BigEndian.PutUint16(pidPkt, pid)

	waitFor(t, time.Second, func() bool {
		managed, exists := c.state.Process(int(pid))
		return exists && managed.State != state.ProcessRunning
	})

	handled, err = c.HandlePoll(context.Background(), pidPkt)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	_, payload = fc.snapshotSent()
	if payload[0] != byte(protocol.StatusOK) {
		t.Fatalf("expected StatusOK poll response, got %d", payload[0])
	}
	stdoutLen := binary.BigEndian.Uint16(payload[2:4])
	stdout := string(payload[4 : 4+stdoutLen])
	if strings.TrimSpace(stdout) != "async" {
		t.Fatalf("expected async in stdout, got %q", stdout)
	}
}

func TestHandleMQTTRunPublishesTranscript(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	route, ok := dispatcher.ParseTopic("bridge", "bridge/sh/run")
	if !ok {
		t.Fatal("expected route to parse")
	}
	msg := dispatcher.InboundMessage{Payload: []byte("echo mqtt-hello")}

	handled, err := c.HandleMQTT(context.Background(), route, msg)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	waitFor(t, time.Second, func() bool {
		return len(fc.snapshotEnqueued()) == 1
	})

	enqueued := fc.snapshotEnqueued()
	if !strings.Contains(string(enqueued[0].Payload), "mqtt-hello") {
		t.Fatalf("expected transcript to contain command output, got %q", enqueued[0].Payload)
	}
}

func TestHandleMQTTRunAsyncPublishesPID(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	route, ok := dispatcher.ParseTopic("bridge", "bridge/sh/run_async")
	if !ok {
		t.Fatal("expected route to parse")
	}
	msg := dispatcher.InboundMessage{Payload: []byte("sleep 1")}

	handled, err := c.HandleMQTT(context.Background(), route, msg)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	enqueued := fc.snapshotEnqueued()
	if len(enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(enqueued))
	}
	if _, err := strconv.Atoi(string(enqueued[0].Payload)); err != nil {
		t.Fatalf("expected numeric pid payload, got %q", enqueued[0].Payload)
	}
}

func TestHandleKillMissingPIDReportsError(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	pidPkt := make([]byte, 2)
	binary.BigEndian.PutUint16(pidPkt, 9999)

	handled, err := c.HandleKill(context.Background(), pidPkt)
	if err != nil || handled {
		t.Fatalf("expected unhandled result for missing pid, got handled=%v err=%v", handled, err)
	}
	cmd, _ := fc.snapshotSent()
	if cmd != protocol.StatusError {
		t.Fatalf("expected StatusError, got %d", cmd)
	}
}

func TestHandlePollInvalidPayloadIsMalformed(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	handled, err := c.HandlePoll(context.Background(), []byte{0x01})
	if err != nil || handled {
		t.Fatalf("expected malformed rejection, got handled=%v err=%v", handled, err)
	}
	_, payload := fc.snapshotSent()
	if payload[0] != byte(protocol.StatusMalformed) {
		t.Fatalf("expected StatusMalformed, got %d", payload[0])
	}
}

func TestPublishPollResultEncodesBase64(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, state.New(4096, 16, 4096), nil, testCfg())

	c.publishPollResult(context.Background(), 7, protocol.StatusOK, 0, []byte("out"), []byte("err"), true)

	if len(fc.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(fc.published))
	}
	var decoded map[string]any
	if err := json.Unmarshal(fc.published[0].payload, &decoded); err != nil {
		t.Fatalf("expected valid json: %v", err)
	}
	if decoded["stdout"] != "out" {
		t.Fatalf("unexpected stdout field: %v", decoded["stdout"])
	}
}

