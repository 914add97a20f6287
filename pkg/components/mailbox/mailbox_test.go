package mailbox

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/state"
)

type fakeCtx struct {
	sentCommand uint16
	sentPayload []byte
	sendResult  bool
	published   []struct {
		topic   string
		payload []byte
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
	}{topic, payload})
}

func (f *fakeCtx) EnqueueMQTT(ctx context.Context, msg mqttspool.QueuedPublish, replyTo *dispatcher.InboundMessage) {
}

func (f *fakeCtx) IsCommandAllowed(command string) bool { return true }

func (f *fakeCtx) TopicPrefix() string { return "bridge" }

func newState() *state.RuntimeState { return state.New(4096, 16, 4096) }

func TestHandlePushNotifiesIncomingAvailable(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	c := New(fc, st, nil)
	handled, err := c.HandlePush(context.Background(), []byte("hi"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if st.MailboxIncomingQueue.Len() != 1 {
		t.Fatalf("expected message queued, got len=%d", st.MailboxIncomingQueue.Len())
	}
	if len(fc.published) != 1 || fc.published[0].topic != "bridge/mailbox/incoming_available" {
		t.Fatalf("unexpected publish %+v", fc.published)
	}
}

func TestHandleAvailableReportsOutgoingDepth(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	st.MailboxOutgoingQueue.Append([]byte("a"))
	st.MailboxOutgoingQueue.Append([]byte("b"))
	c := New(fc, st, nil)

	handled, err := c.HandleAvailable(context.Background(), nil)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if binary.BigEndian.Uint16(fc.sentPayload) != 2 {
		t.Fatalf("expected depth 2, got %v", fc.sentPayload)
	}
}

func TestHandleReadPopsOutgoingMessage(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	st.MailboxOutgoingQueue.Append([]byte("hello"))
	c := New(fc, st, nil)

	handled, err := c.HandleRead(context.Background(), nil)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if binary.BigEndian.Uint16(fc.sentPayload) != 5 || string(fc.sentPayload[2:]) != "hello" {
		t.Fatalf("unexpected response %v", fc.sentPayload)
	}
	if st.MailboxOutgoingQueue.Len() != 0 {
		t.Fatal("expected message popped")
	}
}

func TestHandleReadEmptyQueueReturnsZeroLength(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, newState(), nil)
	handled, err := c.HandleRead(context.Background(), nil)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if binary.BigEndian.Uint16(fc.sentPayload) != 0 {
		t.Fatalf("expected zero length response, got %v", fc.sentPayload)
	}
}

func TestHandleMQTTWriteAppendsOutgoing(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	c := New(fc, st, nil)
	route, ok := dispatcher.ParseTopic("bridge", "bridge/mailbox/write")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{Payload: []byte("out")})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if st.MailboxOutgoingQueue.Len() != 1 {
		t.Fatal("expected message queued outgoing")
	}
}

func TestHandleProcessedPublishesDecodedMessageID(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, newState(), nil)

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, 7)
	handled, err := c.HandleProcessed(context.Background(), payload)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(fc.published) != 1 || fc.published[0].topic != "bridge/mailbox/processed" {
		t.Fatalf("unexpected publish %+v", fc.published)
	}
	if string(fc.published[0].payload) != `{"message_id":7}` {
		t.Fatalf("unexpected body %s", fc.published[0].payload)
	}
}

func TestHandleProcessedRepublishesRawPayloadWithoutMessageID(t *testing.T) {
	fc := newFakeCtx()
	c := New(fc, newState(), nil)

	handled, err := c.HandleProcessed(context.Background(), []byte("x"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(fc.published) != 1 || string(fc.published[0].payload) != "x" {
		t.Fatalf("expected raw payload republished, got %+v", fc.published)
	}
}

func TestHandlePushDropsOldestMessageOnItemLimit(t *testing.T) {
	fc := newFakeCtx()
	st := state.New(4096, 1, 4096)
	c := New(fc, st, nil)

	handled, err := c.HandlePush(context.Background(), []byte("first"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	handled, err = c.HandlePush(context.Background(), []byte("second"))
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	if st.MailboxIncomingQueue.Len() != 1 {
		t.Fatalf("expected item limit enforced, got len=%d", st.MailboxIncomingQueue.Len())
	}
	if fc.sentCommand != 0 {
		t.Fatalf("expected no status frame sent, got command %d", fc.sentCommand)
	}
	if len(fc.published) != 2 {
		t.Fatalf("expected both pushes to publish incoming_available, got %d", len(fc.published))
	}
	_, _, droppedMessages, droppedBytes, overflowEvents := st.MailboxIncomingQueueCounters()
	if droppedMessages == 0 || droppedBytes == 0 {
		t.Fatalf("expected drop counters bumped, got dropped=%d bytes=%d", droppedMessages, droppedBytes)
	}
	if overflowEvents != 0 {
		t.Fatalf("expected no outright overflow, only an eviction, got overflowEvents=%d", overflowEvents)
	}
}

func TestHandleMQTTReadPrefersIncomingOverOutgoing(t *testing.T) {
	fc := newFakeCtx()
	st := newState()
	st.MailboxIncomingQueue.Append([]byte("in"))
	st.MailboxOutgoingQueue.Append([]byte("out"))
	c := New(fc, st, nil)

	route, ok := dispatcher.ParseTopic("bridge", "bridge/mailbox/read")
	if !ok {
		t.Fatal("expected route to parse")
	}
	handled, err := c.HandleMQTT(context.Background(), route, dispatcher.InboundMessage{})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(fc.published) != 1 || string(fc.published[0].payload) != "in" {
		t.Fatalf("expected incoming message preferred, got %+v", fc.published)
	}
	if st.MailboxIncomingQueue.Len() != 0 || st.MailboxOutgoingQueue.Len() != 1 {
		t.Fatal("expected only incoming popped")
	}
}
