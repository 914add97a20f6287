package mqttclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/state"
)

func tmpSpoolDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "mcubridge-mqttclient-test-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func newTestClient(t *testing.T, queueSize int) (*Client, *mqttspool.Spool, *state.RuntimeState) {
	t.Helper()
	spool := mqttspool.New(tmpSpoolDir(t), 0, nil)
	rt := state.New(4096, 16, 4096)
	c := New(Options{
		BrokerURL:        "tcp://127.0.0.1:1883",
		ClientID:         "test",
		TopicPrefix:      "bridge",
		PublishQueueSize: queueSize,
	}, spool, rt, nil)
	return c, spool, rt
}

func TestPublishFillsQueueBeforeSpooling(t *testing.T) {
	c, spool, _ := newTestClient(t, 2)

	c.Publish(mqttspool.QueuedPublish{Topic: "a", Payload: []byte("1")})
	c.Publish(mqttspool.QueuedPublish{Topic: "b", Payload: []byte("2")})

	assert.Equal(t, 0, spool.Pending())
	assert.Len(t, c.outbox, 2)
}

func TestPublishEvictsOldestToSpoolWhenSaturated(t *testing.T) {
	c, spool, rt := newTestClient(t, 1)

	c.Publish(mqttspool.QueuedPublish{Topic: "oldest", Payload: []byte("1")})
	c.Publish(mqttspool.QueuedPublish{Topic: "newest", Payload: []byte("2")})

	require.Equal(t, 1, spool.Pending())
	spooled, ok := spool.PopNext()
	require.True(t, ok)
	assert.Equal(t, "oldest", spooled.Topic)

	require.Len(t, c.outbox, 1)
	assert.Equal(t, "newest", (<-c.outbox).Topic)

	assert.Equal(t, uint64(1), rt.MQTTDropCounts["oldest"])
}

func TestEnqueueMQTTRewritesReplyTopicAndCorrelation(t *testing.T) {
	c, _, _ := newTestClient(t, 4)

	replyTo := &dispatcher.InboundMessage{
		Topic:           "bridge/sh/run",
		ResponseTopic:   "bridge/sh/response/123",
		CorrelationData: []byte("corr"),
	}

	c.EnqueueMQTT(context.Background(), mqttspool.QueuedPublish{
		Topic:   "bridge/sh/response",
		Payload: []byte("ok"),
	}, replyTo)

	require.Len(t, c.outbox, 1)
	rec := <-c.outbox
	assert.Equal(t, "bridge/sh/response/123", rec.Topic)
	assert.Equal(t, []byte("corr"), rec.CorrelationData)
	require.Len(t, rec.UserProperties, 1)
	assert.Equal(t, bridgeRequestTopicProperty, rec.UserProperties[0].Key)
	assert.Equal(t, "bridge/sh/run", rec.UserProperties[0].Value)
}

func TestEnqueueMQTTWithoutReplyLeavesTopicUnchanged(t *testing.T) {
	c, _, _ := newTestClient(t, 4)

	c.EnqueueMQTT(context.Background(), mqttspool.QueuedPublish{
		Topic:   "bridge/status/heartbeat",
		Payload: []byte("up"),
	}, nil)

	rec := <-c.outbox
	assert.Equal(t, "bridge/status/heartbeat", rec.Topic)
	assert.Empty(t, rec.UserProperties)
}

func TestBuildTLSConfigInsecureSkipVerify(t *testing.T) {
	tlsCfg, err := buildTLSConfig(config.TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)
	assert.Nil(t, tlsCfg.RootCAs)
}

func TestBuildTLSConfigRejectsMissingCAFile(t *testing.T) {
	_, err := buildTLSConfig(config.TLSConfig{CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, nextBackoff(250*time.Millisecond, 10000*time.Millisecond))
	assert.Equal(t, 10000*time.Millisecond, nextBackoff(9000*time.Millisecond, 10000*time.Millisecond))
}

func TestConnectedStateDefaultsFalse(t *testing.T) {
	c, _, _ := newTestClient(t, 1)
	assert.False(t, c.IsConnected())
}
