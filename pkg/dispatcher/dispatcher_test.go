package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/isantolin/mcubridge/pkg/protocol"
)

func TestParseTopicSplitsPrefixTopicIdentifierRemainder(t *testing.T) {
	route, ok := ParseTopic("bridge", "bridge/file/write/etc/motd")
	if !ok {
		t.Fatal("expected route to parse")
	}
	if route.Topic != TopicFile {
		t.Fatalf("got topic %q", route.Topic)
	}
	if route.Identifier != "write" {
		t.Fatalf("got identifier %q", route.Identifier)
	}
	if len(route.Remainder) != 2 || route.Remainder[0] != "etc" || route.Remainder[1] != "motd" {
		t.Fatalf("got remainder %v", route.Remainder)
	}
}

func TestParseTopicRejectsWrongPrefix(t *testing.T) {
	if _, ok := ParseTopic("bridge", "other/file/write"); ok {
		t.Fatal("expected prefix mismatch to be rejected")
	}
}

func TestParseTopicRejectsEmptyRemainder(t *testing.T) {
	if _, ok := ParseTopic("bridge", "bridge"); ok {
		t.Fatal("expected topic with nothing past the prefix to be rejected")
	}
}

func TestPinActionFromSegmentsDefaultsToWrite(t *testing.T) {
	if got := PinActionFromSegments([]string{"d", "13"}); got != "write" {
		t.Fatalf("got %q", got)
	}
	if got := PinActionFromSegments([]string{"d", "13", "read"}); got != "read" {
		t.Fatalf("got %q", got)
	}
	if got := PinActionFromSegments(nil); got != "" {
		t.Fatalf("expected empty for too few segments, got %q", got)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *[]uint16, *[]uint16) {
	t.Helper()
	var sent []uint16
	var acked []uint16
	d := New(Config{
		TopicPrefix: "bridge",
		SendFrame: func(ctx context.Context, commandID uint16, payload []byte) bool {
			sent = append(sent, commandID)
			return true
		},
		Acknowledge: func(ctx context.Context, commandID uint16) {
			acked = append(acked, commandID)
		},
		IsLinkSynchronized: func() bool { return true },
	})
	return d, &sent, &acked
}

func TestDispatchMCUFrameAcknowledgesOnSuccess(t *testing.T) {
	d, _, acked := newTestDispatcher(t)
	d.RegisterMCU(protocol.CmdDatastorePut, func(ctx context.Context, payload []byte) (bool, error) {
		return true, nil
	})
	d.DispatchMCUFrame(context.Background(), protocol.CmdDatastorePut, []byte("k=v"))
	if len(*acked) != 1 || (*acked)[0] != protocol.CmdDatastorePut {
		t.Fatalf("expected ack for CmdDatastorePut, got %v", *acked)
	}
}

func TestDispatchMCUFrameDoesNotAcknowledgeOnExplicitFalse(t *testing.T) {
	d, _, acked := newTestDispatcher(t)
	d.RegisterMCU(protocol.CmdDatastorePut, func(ctx context.Context, payload []byte) (bool, error) {
		return false, nil
	})
	d.DispatchMCUFrame(context.Background(), protocol.CmdDatastorePut, []byte("k=v"))
	if len(*acked) != 0 {
		t.Fatalf("expected no ack, got %v", *acked)
	}
}

func TestDispatchMCUFrameSendsErrorStatusOnHandlerError(t *testing.T) {
	d, sent, _ := newTestDispatcher(t)
	d.RegisterMCU(protocol.CmdDatastorePut, func(ctx context.Context, payload []byte) (bool, error) {
		return false, errors.New("boom")
	})
	d.DispatchMCUFrame(context.Background(), protocol.CmdDatastorePut, []byte("k=v"))
	if len(*sent) != 1 || (*sent)[0] != protocol.StatusError {
		t.Fatalf("expected STATUS_ERROR reply, got %v", *sent)
	}
}

func TestDispatchMCUFrameSendsNotImplementedForUnregisteredRequest(t *testing.T) {
	d, sent, _ := newTestDispatcher(t)
	d.DispatchMCUFrame(context.Background(), protocol.CmdDigitalRead, nil)
	if len(*sent) != 1 || (*sent)[0] != protocol.StatusNotImplemented {
		t.Fatalf("expected STATUS_NOT_IMPLEMENTED reply, got %v", *sent)
	}
}

func TestDispatchMCUFrameIgnoresOrphanedResponse(t *testing.T) {
	d, sent, acked := newTestDispatcher(t)
	d.DispatchMCUFrame(context.Background(), protocol.CmdDigitalReadResp, []byte{1})
	if len(*sent) != 0 || len(*acked) != 0 {
		t.Fatalf("expected orphaned response to be silently ignored, got sent=%v acked=%v", *sent, *acked)
	}
}

func TestDispatchMCUFrameFirewallsPreSyncCommands(t *testing.T) {
	var sent []uint16
	d := New(Config{
		TopicPrefix:        "bridge",
		SendFrame:          func(ctx context.Context, commandID uint16, payload []byte) bool { sent = append(sent, commandID); return true },
		Acknowledge:        func(ctx context.Context, commandID uint16) {},
		IsLinkSynchronized: func() bool { return false },
	})
	called := false
	d.RegisterMCU(protocol.CmdDatastorePut, func(ctx context.Context, payload []byte) (bool, error) {
		called = true
		return true, nil
	})
	d.DispatchMCUFrame(context.Background(), protocol.CmdDatastorePut, []byte("k=v"))
	if called {
		t.Fatal("expected handler to be firewalled before link sync")
	}
	if len(sent) != 0 {
		t.Fatal("expected no reply frames while not synchronized")
	}
}

func TestDispatchMCUFrameAllowsPreSyncLinkFrames(t *testing.T) {
	var sent []uint16
	d := New(Config{
		TopicPrefix:        "bridge",
		SendFrame:          func(ctx context.Context, commandID uint16, payload []byte) bool { sent = append(sent, commandID); return true },
		Acknowledge:        func(ctx context.Context, commandID uint16) {},
		IsLinkSynchronized: func() bool { return false },
	})
	called := false
	d.RegisterMCU(protocol.CmdLinkSyncResp, func(ctx context.Context, payload []byte) (bool, error) {
		called = true
		return true, nil
	})
	d.DispatchMCUFrame(context.Background(), protocol.CmdLinkSyncResp, nil)
	if !called {
		t.Fatal("expected CMD_LINK_SYNC_RESP to pass the pre-sync firewall")
	}
}

func TestDispatchMQTTMessageRoutesToRegisteredTopic(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var gotRoute TopicRoute
	var gotMsg InboundMessage
	d.RegisterMQTT(TopicFile, func(ctx context.Context, route TopicRoute, msg InboundMessage) (bool, error) {
		gotRoute = route
		gotMsg = msg
		return true, nil
	})
	d.DispatchMQTTMessage(context.Background(), InboundMessage{Topic: "bridge/file/write/etc/motd", Payload: []byte("x")})
	if gotRoute.Identifier != "write" {
		t.Fatalf("got route %+v", gotRoute)
	}
	if string(gotMsg.Payload) != "x" {
		t.Fatalf("got payload %q", gotMsg.Payload)
	}
}

func TestDispatchMQTTMessageIgnoresUnregisteredTopic(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	// No panics, no handler invoked; this exercises the "unhandled" path.
	d.DispatchMQTTMessage(context.Background(), InboundMessage{Topic: "bridge/system/version/get"})
}

func TestCheckActionRejectsDeniedPair(t *testing.T) {
	var rejectedTopic Topic
	var rejectedAction string
	d := New(Config{
		TopicPrefix:     "bridge",
		IsActionAllowed: func(topic Topic, action string) bool { return false },
		RejectAction: func(ctx context.Context, msg InboundMessage, topic Topic, action string) {
			rejectedTopic = topic
			rejectedAction = action
		},
	})
	ok := d.CheckAction(context.Background(), InboundMessage{}, TopicShell, "run")
	if ok {
		t.Fatal("expected CheckAction to return false")
	}
	if rejectedTopic != TopicShell || rejectedAction != "run" {
		t.Fatalf("got reject(%q, %q)", rejectedTopic, rejectedAction)
	}
}

func TestCheckActionAllowsWhenNoPolicyConfigured(t *testing.T) {
	d := New(Config{TopicPrefix: "bridge"})
	if !d.CheckAction(context.Background(), InboundMessage{}, TopicShell, "run") {
		t.Fatal("expected unconfigured authorization to default-allow")
	}
}
