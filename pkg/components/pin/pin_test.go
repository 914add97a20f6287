package pin

import (
	"context"
	"testing"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

type fakeCtx struct {
	sentCommand uint16
	sentPayload []byte
	sendResult  bool
	published   []struct {
		topic   string
		payload []byte
		opts    components.PublishOptions
	}
}

func newFakeCtx() *fakeCtx { return &fakeCtx{sendResult: true} }

func (f *fakeCtx) SendFrame(ctx context.Context, commandID uint16, payload []byte) bool {
	f.sentCommand = commandID
	f.sentPayload = payload
	return f.sendResult
}

func (f *fakeCtx) Publish(ctx context.Context, topic string, payload []byte, opts components.PublishOptions) {
	f.published = append(f.published, struct {
		topic   string
		payload []byte
		opts    components.PublishOptions
	}{topic, payload, opts})
}

func (f *fakeCtx) EnqueueMQTT(ctx context.Context, msg mqttspool.QueuedPublish, replyTo *dispatcher.InboundMessage) {
}

func (f *fakeCtx) IsCommandAllowed(command string) bool { return true }

func (f *fakeCtx) TopicPrefix() string { return "bridge" }

func newState() *state.RuntimeState { return state.New(4096, 16, 4096) }

func TestParsePinIdentifier(t *testing.T) {
	if v, ok := parsePinIdentifier("13"); !ok || v != 13 {
		t.Fatalf("got %d %v", v, ok)
	}
	if v, ok := parsePinIdentifier("A0"); !ok || v != 0 {
		t.Fatalf("got %d %v", v, ok)
	}
	if _, ok := parsePinIdentifier("bogus"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestHandleMQTTWriteSendsDigitalWrite(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, newState(), nil, 4)
	route, ok := dispatcher.ParseTopic("bridge", "bridge/d/13")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{Payload: []byte("1")})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if fc.sentCommand != protocol.CmdDigitalWrite {
		t.Fatalf("expected digital write, got %d", fc.sentCommand)
	}
	if len(fc.sentPayload) != 2 || fc.sentPayload[0] != 13 || fc.sentPayload[1] != 1 {
		t.Fatalf("unexpected payload %v", fc.sentPayload)
	}
}

func TestHandleMQTTReadEnqueuesPendingRequest(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	c := New(fc, st, nil, 4)
	route, ok := dispatcher.ParseTopic("bridge", "bridge/d/7/read")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if fc.sentCommand != protocol.CmdDigitalRead {
		t.Fatalf("expected digital read command sent, got %d", fc.sentCommand)
	}
	if st.PendingDigitalReadCount() != 1 {
		t.Fatalf("expected one pending digital read, got %d", st.PendingDigitalReadCount())
	}
}

func TestHandleMQTTReadQueueOverflowPublishesError(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	c := New(fc, st, nil, 1)
	st.EnqueuePendingDigitalRead(state.PendingPinRequest{Pin: 1})

	route, ok := dispatcher.ParseTopic("bridge", "bridge/d/7/read")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("expected overflow notification published, got %d", len(fc.published))
	}
	if fc.published[0].opts.Properties["bridge-error"] != "pending-pin-overflow" {
		t.Fatalf("unexpected properties %v", fc.published[0].opts.Properties)
	}
}

func TestHandleDigitalReadRespPublishesValue(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	c := New(fc, st, nil, 4)
	st.EnqueuePendingDigitalRead(state.PendingPinRequest{Pin: 5})

	handled, err := c.HandleDigitalReadResp(context.Background(), []byte{1})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(fc.published) != 1 || fc.published[0].topic != "bridge/d/5/value" {
		t.Fatalf("unexpected publish %+v", fc.published)
	}
	if string(fc.published[0].payload) != "1" {
		t.Fatalf("expected value 1, got %q", fc.published[0].payload)
	}
}

func TestValidatePinAccessRejectsOutOfRange(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	st.SetCapabilities(protocol.Capabilities{NumDigitalPins: 4, NumAnalogInputs: 2})
	c := New(fc, st, nil, 4)

	route, ok := dispatcher.ParseTopic("bridge", "bridge/d/99")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{Payload: []byte("1")})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if fc.sentCommand != 0 {
		t.Fatalf("expected out-of-range pin write to be dropped, got command %d", fc.sentCommand)
	}
}
