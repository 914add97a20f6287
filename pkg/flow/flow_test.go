package flow

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/isantolin/mcubridge/pkg/protocol"
)

type fakeSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeSink() *fakeSink { return &fakeSink{counts: make(map[string]int)} }

func (f *fakeSink) Inc(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[event]++
}

func (f *fakeSink) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[event]
}

func TestSendUntrackedCommandWritesThroughImmediately(t *testing.T) {
	c := New(50*time.Millisecond, 50*time.Millisecond, 2, nil, nil)
	var sent uint16
	c.SetSender(func(commandID uint16, payload []byte) bool {
		sent = commandID
		return true
	})

	ok, err := c.Send(context.Background(), protocol.StatusACK, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected untracked send to report success")
	}
	if sent != protocol.StatusACK {
		t.Fatalf("expected the untracked command to be written through unchanged")
	}
}

func TestSendAckOnlyCommandSucceedsOnMatchingAck(t *testing.T) {
	c := New(200*time.Millisecond, 200*time.Millisecond, 2, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	go func() {
		time.Sleep(10 * time.Millisecond)
		ackPayload := make([]byte, 2)
		binary.BigEndian.PutUint16(ackPayload, protocol.CmdDatastorePut)
		c.OnFrameReceived(protocol.StatusACK, ackPayload)
	}()

	ok, err := c.Send(context.Background(), protocol.CmdDatastorePut, []byte("key=1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ack-only command to succeed once its ack arrives")
	}
}

func TestSendResponseOnlyCommandSucceedsOnResponseFrame(t *testing.T) {
	c := New(200*time.Millisecond, 200*time.Millisecond, 2, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.OnFrameReceived(protocol.CmdGetVersionResp, []byte("1.0.0"))
	}()

	ok, err := c.Send(context.Background(), protocol.CmdGetVersion, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected response-only command to succeed once its response arrives")
	}
}

func TestSendFailsImmediatelyWhenSenderWriteFails(t *testing.T) {
	c := New(50*time.Millisecond, 50*time.Millisecond, 3, nil, nil)
	attempts := 0
	c.SetSender(func(commandID uint16, payload []byte) bool {
		attempts++
		return false
	})

	ok, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected a write failure to fail the send")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt when the sender itself fails, got %d", attempts)
	}
}

func TestSendRetriesOnAckTimeoutThenSucceeds(t *testing.T) {
	c := New(20*time.Millisecond, 200*time.Millisecond, 3, nil, nil)
	var attempts int
	var mu sync.Mutex
	c.SetSender(func(commandID uint16, payload []byte) bool {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 2 {
			go func() {
				time.Sleep(5 * time.Millisecond)
				ackPayload := make([]byte, 2)
				binary.BigEndian.PutUint16(ackPayload, protocol.CmdDatastorePut)
				c.OnFrameReceived(protocol.StatusACK, ackPayload)
			}()
		}
		return true
	})

	ok, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected the second attempt's ack to succeed")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestSendFailsAfterExhaustingRetries(t *testing.T) {
	c := New(10*time.Millisecond, 10*time.Millisecond, 2, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	ok, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected failure once every retry times out with no ack")
	}
}

func TestSendEmitsMetricsForSentAckAndSuccess(t *testing.T) {
	sink := newFakeSink()
	c := New(200*time.Millisecond, 200*time.Millisecond, 2, nil, sink)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	go func() {
		time.Sleep(10 * time.Millisecond)
		ackPayload := make([]byte, 2)
		binary.BigEndian.PutUint16(ackPayload, protocol.CmdDatastorePut)
		c.OnFrameReceived(protocol.StatusACK, ackPayload)
	}()

	if _, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.count("sent") != 1 {
		t.Fatalf("expected one sent event, got %d", sink.count("sent"))
	}
	if sink.count("ack") != 1 {
		t.Fatalf("expected one ack event, got %d", sink.count("ack"))
	}
}

func TestOnFrameReceivedIgnoresAckAddressedToAnotherCommand(t *testing.T) {
	c := New(30*time.Millisecond, 30*time.Millisecond, 1, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	go func() {
		time.Sleep(5 * time.Millisecond)
		unrelated := make([]byte, 2)
		binary.BigEndian.PutUint16(unrelated, protocol.CmdMailboxPush)
		c.OnFrameReceived(protocol.StatusACK, unrelated)
	}()

	ok, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("an ack addressed to a different command must not complete this one")
	}
}

func TestSendObservesStartSuccessEvents(t *testing.T) {
	c := New(200*time.Millisecond, 200*time.Millisecond, 2, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	var mu sync.Mutex
	var names []string
	c.SetObserver(func(e Event) {
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		ackPayload := make([]byte, 2)
		binary.BigEndian.PutUint16(ackPayload, protocol.CmdDatastorePut)
		c.OnFrameReceived(protocol.StatusACK, ackPayload)
	}()

	if _, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) < 3 || names[0] != "start" || names[1] != "ack" || names[2] != "success" {
		t.Fatalf("expected start, ack, success events in order, got %v", names)
	}
}

func TestResetAbandonsInFlightCommandAndUnblocksSend(t *testing.T) {
	c := New(time.Second, time.Second, 1, nil, nil)
	c.SetSender(func(commandID uint16, payload []byte) bool { return true })

	done := make(chan bool, 1)
	go func() {
		ok, _ := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	c.Reset()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Reset to abandon the in-flight command as a failure")
		}
	case <-time.After(time.Second):
		t.Fatalf("Reset did not unblock the pending Send within the deadline")
	}
}

func TestSendReturnsErrorWhenNoSenderConfigured(t *testing.T) {
	c := New(10*time.Millisecond, 10*time.Millisecond, 1, nil, nil)

	_, err := c.Send(context.Background(), protocol.CmdDatastorePut, nil)
	if err == nil {
		t.Fatalf("expected an error when no sender has been configured")
	}
}

func TestSendSequentializesConcurrentCommands(t *testing.T) {
	c := New(200*time.Millisecond, 200*time.Millisecond, 2, nil, nil)

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	c.SetSender(func(commandID uint16, payload []byte) bool {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		go func(id uint16) {
			time.Sleep(5 * time.Millisecond)
			ackPayload := make([]byte, 2)
			binary.BigEndian.PutUint16(ackPayload, id)
			c.OnFrameReceived(protocol.StatusACK, ackPayload)
			mu.Lock()
			inFlight--
			mu.Unlock()
		}(commandID)
		return true
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Send(context.Background(), protocol.CmdDatastorePut, nil)
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected at most one command in flight at a time, observed %d", maxInFlight)
	}
}
