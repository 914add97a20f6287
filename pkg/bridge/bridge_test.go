package bridge

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/flow"
	"github.com/isantolin/mcubridge/pkg/policy"
	"github.com/isantolin/mcubridge/pkg/state"
)

func newTestService() *Service {
	return &Service{
		cfg:            &config.Config{},
		state:          state.New(4096, 16, 4096),
		topicAuth:      policy.DefaultTopicAuthorization(),
		pipelineStarts: make(map[uint16]time.Time),
	}
}

func TestFlowMetricsAdapterDelegatesToRuntimeState(t *testing.T) {
	rt := state.New(4096, 16, 4096)
	adapter := flowMetrics{state: rt}

	adapter.Inc("retry")
	adapter.Inc("retry")

	counter := rt.FlowEvents().WithLabelValues("retry")
	if got := testutil.ToFloat64(counter); got != 2 {
		t.Fatalf("expected 2 retry events, got %v", got)
	}
}

func TestObserveFlowEventTracksLatencyAcrossStartAndSuccess(t *testing.T) {
	b := newTestService()
	start := time.Now()

	b.observeFlowEvent(flow.Event{Name: "start", CommandID: 42, Timestamp: start})
	if _, ok := b.pipelineStarts[42]; !ok {
		t.Fatalf("expected start timestamp to be tracked for commandID 42")
	}

	success := start.Add(15 * time.Millisecond)
	b.observeFlowEvent(flow.Event{Name: "success", CommandID: 42, Timestamp: success})
	if _, ok := b.pipelineStarts[42]; ok {
		t.Fatalf("expected start timestamp to be cleared after success")
	}
}

func TestObserveFlowEventIgnoresUnknownCommandOnTerminalEvent(t *testing.T) {
	b := newTestService()

	b.observeFlowEvent(flow.Event{Name: "failure", CommandID: 99, Timestamp: time.Now()})
	if _, ok := b.pipelineStarts[99]; ok {
		t.Fatalf("an untracked commandID must never be inserted by a terminal event")
	}
}

func TestAcknowledgeFramePayloadEncodesCommandIDBigEndian(t *testing.T) {
	b := newTestService()
	var captured []byte
	b.flow = flow.New(time.Second, time.Second, 1, nil, flowMetrics{state: b.state})
	b.flow.SetSender(func(commandID uint16, payload []byte) bool {
		captured = payload
		return true
	})

	b.acknowledgeFrame(context.Background(), 0x1234)

	if len(captured) != 2 {
		t.Fatalf("expected 2-byte payload, got %d bytes", len(captured))
	}
	if got := binary.BigEndian.Uint16(captured); got != 0x1234 {
		t.Fatalf("expected commandID 0x1234, got 0x%x", got)
	}
}

func TestGatedMQTTRejectsDisallowedAction(t *testing.T) {
	b := newTestService()
	b.dispatch = dispatcher.New(dispatcher.Config{
		IsActionAllowed: func(topic dispatcher.Topic, action string) bool { return false },
		RejectAction:    func(ctx context.Context, msg dispatcher.InboundMessage, topic dispatcher.Topic, action string) {},
	})

	called := false
	handler := b.gatedMQTT(func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		called = true
		return true, nil
	}, dispatcher.TopicFile)

	ok, err := handler(context.Background(), dispatcher.TopicRoute{Topic: dispatcher.TopicFile, Identifier: "write"}, dispatcher.InboundMessage{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || called {
		t.Fatalf("expected disallowed action to short-circuit before reaching the handler")
	}
}

func TestGatedMQTTAllowsPermittedAction(t *testing.T) {
	b := newTestService()
	b.dispatch = dispatcher.New(dispatcher.Config{
		IsActionAllowed: func(topic dispatcher.Topic, action string) bool { return true },
	})

	called := false
	handler := b.gatedMQTT(func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		called = true
		return true, nil
	}, dispatcher.TopicFile)

	ok, err := handler(context.Background(), dispatcher.TopicRoute{Topic: dispatcher.TopicFile, Identifier: "read"}, dispatcher.InboundMessage{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || !called {
		t.Fatalf("expected permitted action to reach the underlying handler")
	}
}

func TestGatedPinMQTTDerivesActionFromFullSegmentChain(t *testing.T) {
	b := newTestService()
	var seenAction string
	b.dispatch = dispatcher.New(dispatcher.Config{
		IsActionAllowed: func(topic dispatcher.Topic, action string) bool {
			seenAction = action
			return true
		},
	})

	handler := b.gatedPinMQTT(func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		return true, nil
	})

	route := dispatcher.TopicRoute{Topic: dispatcher.TopicDigital, Identifier: "13", Remainder: []string{"mode"}}
	if _, err := handler(context.Background(), route, dispatcher.InboundMessage{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenAction != "mode" {
		t.Fatalf("expected derived action %q, got %q", "mode", seenAction)
	}
}

func TestGatedPinMQTTDefaultsToWriteForBareWriteSegment(t *testing.T) {
	b := newTestService()
	var seenAction string
	b.dispatch = dispatcher.New(dispatcher.Config{
		IsActionAllowed: func(topic dispatcher.Topic, action string) bool {
			seenAction = action
			return true
		},
	})

	handler := b.gatedPinMQTT(func(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
		return true, nil
	})

	route := dispatcher.TopicRoute{Topic: dispatcher.TopicDigital, Identifier: "13"}
	if _, err := handler(context.Background(), route, dispatcher.InboundMessage{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenAction != "write" {
		t.Fatalf("expected default action %q, got %q", "write", seenAction)
	}
}
