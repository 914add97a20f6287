package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagedProcessAppendOutputTruncatesOldestBytes(t *testing.T) {
	p := NewManagedProcess(1, "echo hi", 4)
	truncOut, truncErr := p.AppendOutput([]byte("abcdef"), nil)
	assert.True(t, truncOut)
	assert.False(t, truncErr)

	stdout, _, moreOut, _ := p.PopPayload(10)
	assert.Equal(t, []byte("cdef"), stdout)
	assert.False(t, moreOut)
}

func TestManagedProcessPopPayloadDrainsStdoutBeforeStderr(t *testing.T) {
	p := NewManagedProcess(2, "sh", 0)
	p.AppendOutput([]byte("out"), []byte("err"))

	stdout, stderr, moreOut, moreErr := p.PopPayload(4)
	assert.Equal(t, []byte("out"), stdout)
	assert.Equal(t, []byte("e"), stderr)
	assert.False(t, moreOut)
	assert.True(t, moreErr)
	assert.False(t, p.IsDrained())

	stdout2, stderr2, moreOut2, moreErr2 := p.PopPayload(10)
	assert.Empty(t, stdout2)
	assert.Equal(t, []byte("rr"), stderr2)
	assert.False(t, moreOut2)
	assert.False(t, moreErr2)
	assert.True(t, p.IsDrained())
}

func TestRuntimeStateSpawnAndRemoveProcess(t *testing.T) {
	s := New(1024, 16, 4096)
	p1 := s.SpawnProcess("cmd1", 1024)
	p2 := s.SpawnProcess("cmd2", 1024)
	assert.NotEqual(t, p1.PID, p2.PID)
	assert.Equal(t, 2, s.ProcessCount())

	got, ok := s.Process(p1.PID)
	require.True(t, ok)
	assert.Equal(t, p1, got)

	s.RemoveProcess(p1.PID)
	assert.Equal(t, 1, s.ProcessCount())
	_, ok = s.Process(p1.PID)
	assert.False(t, ok)
}

func TestRuntimeStatePendingPinReadsFIFO(t *testing.T) {
	s := New(1024, 16, 4096)
	s.EnqueuePendingDigitalRead(PendingPinRequest{Pin: 1})
	s.EnqueuePendingDigitalRead(PendingPinRequest{Pin: 2})
	assert.Equal(t, 2, s.PendingDigitalReadCount())

	first, ok := s.DequeuePendingDigitalRead()
	require.True(t, ok)
	assert.Equal(t, 1, first.Pin)

	second, ok := s.DequeuePendingDigitalRead()
	require.True(t, ok)
	assert.Equal(t, 2, second.Pin)

	_, ok = s.DequeuePendingDigitalRead()
	assert.False(t, ok)
}

func TestRuntimeStateRecordsMQTTDropsPerTopic(t *testing.T) {
	s := New(1024, 16, 4096)
	s.RecordMQTTDrop("bridge/mailbox/out")
	s.RecordMQTTDrop("bridge/mailbox/out")
	s.RecordMQTTDrop("bridge/console")
	assert.Equal(t, uint64(2), s.MQTTDropCounts["bridge/mailbox/out"])
	assert.Equal(t, uint64(1), s.MQTTDropCounts["bridge/console"])
}
