package state

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isantolin/mcubridge/pkg/protocol"
)

// latencyBucketsMS are the fixed histogram boundaries for tracked-command
// round-trip latency, matching the MCU-side firmware's own bucketing so
// dashboards built against either side agree.
var latencyBucketsMS = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// ProcessState is the lifecycle of a managed subprocess.
type ProcessState int

const (
	ProcessRunning ProcessState = iota
	ProcessFinished
	ProcessZombie
)

func (s ProcessState) String() string {
	switch s {
	case ProcessRunning:
		return "running"
	case ProcessFinished:
		return "finished"
	case ProcessZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// ManagedProcess tracks one spawned child process. ioMu guards the output
// buffers independently of the registry lock so readers draining output
// don't block a concurrent spawn/reap elsewhere in the registry.
type ManagedProcess struct {
	PID      int
	Command  string
	ExitCode *int
	State    ProcessState

	ioMu          sync.Mutex
	stdoutBuffer  []byte
	stderrBuffer  []byte
	outputLimit   int
}

// NewManagedProcess constructs a registry entry bounded to outputLimit bytes
// per stream (oldest bytes dropped once exceeded).
func NewManagedProcess(pid int, command string, outputLimit int) *ManagedProcess {
	return &ManagedProcess{
		PID:         pid,
		Command:     command,
		State:       ProcessRunning,
		outputLimit: outputLimit,
	}
}

// AppendOutput appends chunks to the stdout/stderr buffers, trimming the
// oldest bytes once outputLimit is exceeded. Returns whether either stream
// was truncated.
func (p *ManagedProcess) AppendOutput(stdout, stderr []byte) (truncatedStdout, truncatedStderr bool) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	p.stdoutBuffer, truncatedStdout = appendWithLimit(p.stdoutBuffer, stdout, p.outputLimit)
	p.stderrBuffer, truncatedStderr = appendWithLimit(p.stderrBuffer, stderr, p.outputLimit)
	return truncatedStdout, truncatedStderr
}

func appendWithLimit(buf, chunk []byte, limit int) ([]byte, bool) {
	if len(chunk) == 0 {
		return buf, false
	}
	buf = append(buf, chunk...)
	if limit <= 0 || len(buf) <= limit {
		return buf, false
	}
	excess := len(buf) - limit
	return buf[excess:], true
}

// PopPayload drains up to budget bytes from stdout then stderr (stdout
// drains first), returning the extracted chunks and whether either stream
// still has undrained bytes remaining.
func (p *ManagedProcess) PopPayload(budget int) (stdout, stderr []byte, moreStdout, moreStderr bool) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	stdoutLen := min(len(p.stdoutBuffer), budget)
	stdout = append([]byte(nil), p.stdoutBuffer[:stdoutLen]...)
	p.stdoutBuffer = p.stdoutBuffer[stdoutLen:]

	remaining := budget - len(stdout)
	stderrLen := min(len(p.stderrBuffer), remaining)
	stderr = append([]byte(nil), p.stderrBuffer[:stderrLen]...)
	p.stderrBuffer = p.stderrBuffer[stderrLen:]

	return stdout, stderr, len(p.stdoutBuffer) > 0, len(p.stderrBuffer) > 0
}

// IsDrained reports whether both output buffers are empty.
func (p *ManagedProcess) IsDrained() bool {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	return len(p.stdoutBuffer) == 0 && len(p.stderrBuffer) == 0
}

// PendingPinRequest pairs a requested pin with an opaque reply context
// (the MQTT reply-topic/correlation-data needed to answer once the MCU's
// response frame arrives).
type PendingPinRequest struct {
	Pin          int
	ReplyContext any
}

// pendingPinDeque is a plain FIFO; unlike BoundedByteDeque it has no size
// cap of its own (callers bound it via pending_pin_request_limit before
// enqueuing).
type pendingPinDeque struct {
	mu    sync.Mutex
	items []PendingPinRequest
}

func (d *pendingPinDeque) push(r PendingPinRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, r)
}

func (d *pendingPinDeque) popFront() (PendingPinRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return PendingPinRequest{}, false
	}
	r := d.items[0]
	d.items = d.items[1:]
	return r, true
}

func (d *pendingPinDeque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// ThroughputStats counts serial bytes/frames transferred.
type ThroughputStats struct {
	BytesSent       uint64
	BytesReceived   uint64
	FramesSent      uint64
	FramesReceived  uint64
	LastTXUnix      int64
	LastRXUnix      int64
}

// FlowStats mirrors the flow controller's coarse pipeline counters.
type FlowStats struct {
	CommandsSent   uint64
	CommandsAcked  uint64
	Retries        uint64
	Failures       uint64
	LastEventUnix  int64
}

// MCUCapabilities is the cached result of the handshake manager's
// CMD_GET_CAPABILITIES round trip.
type MCUCapabilities struct {
	protocol.Capabilities
	FirmwareMajor int
	FirmwareMinor int
	Valid         bool
}

// RuntimeState is the BridgeService's single aggregate of mutable runtime
// data: bounded queues, the datastore map, pending pin/process tables,
// spool snapshot, and every counter surfaced on the metrics/status topics.
// It is owned by the runtime goroutine group and every exported method
// takes its own lock, so it is safe to share across the serial reader,
// MQTT I/O, and dispatcher goroutines.
type RuntimeState struct {
	mu sync.Mutex

	Datastore map[string]string

	ConsoleQueue         *BoundedByteDeque
	MailboxOutgoingQueue *BoundedByteDeque
	MailboxIncomingQueue *BoundedByteDeque

	pendingDigitalReads pendingPinDeque
	pendingAnalogReads  pendingPinDeque

	processes map[int]*ManagedProcess
	nextPID   int

	MQTTDropCounts map[string]uint64

	Throughput ThroughputStats
	Flow       FlowStats

	Capabilities MCUCapabilities

	mcuVersion      string
	mcuVersionValid bool
	freeMemoryBytes uint16
	freeMemoryValid bool

	latencyHistogram prometheus.Histogram
	latencyDropCount uint64

	flowEvents     *prometheus.CounterVec
	pipelineEvents *prometheus.CounterVec

	SerialDecodeErrors uint64
	SerialCRCErrors    uint64

	fileStorageBytesUsed        uint64
	fileWriteLimitRejections    uint64
	fileStorageLimitRejections  uint64

	consoleTruncatedChunks uint64
	consoleTruncatedBytes  uint64
	consoleDroppedChunks   uint64
	consoleDroppedBytes    uint64

	mailboxTruncatedMessages      uint64
	mailboxTruncatedBytes         uint64
	mailboxDroppedMessages        uint64
	mailboxDroppedBytes           uint64
	mailboxOutgoingOverflowEvents uint64

	mailboxIncomingTruncatedMessages uint64
	mailboxIncomingTruncatedBytes    uint64
	mailboxIncomingDroppedMessages   uint64
	mailboxIncomingDroppedBytes      uint64
	mailboxIncomingOverflowEvents    uint64
}

// New constructs a RuntimeState with queues bounded per the resolved config.
func New(consoleBytesLimit, mailboxItemLimit, mailboxBytesLimit int) *RuntimeState {
	return &RuntimeState{
		Datastore:            make(map[string]string),
		ConsoleQueue:         NewBoundedByteDeque(0, consoleBytesLimit),
		MailboxOutgoingQueue: NewBoundedByteDeque(mailboxItemLimit, mailboxBytesLimit),
		MailboxIncomingQueue: NewBoundedByteDeque(mailboxItemLimit, mailboxBytesLimit),
		processes:            make(map[int]*ManagedProcess),
		nextPID:              1,
		MQTTDropCounts:       make(map[string]uint64),
		latencyHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcubridge_serial_command_latency_milliseconds",
			Help:    "Round-trip latency of tracked serial commands.",
			Buckets: latencyBucketsMS,
		}),
		flowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcubridge_serial_flow_events_total",
			Help: "Coarse flow controller events (sent, ack, retry, failure).",
		}, []string{"event"}),
		pipelineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcubridge_serial_pipeline_events_total",
			Help: "Named pipeline transitions emitted per tracked command (start, ack, success, failure, abandoned).",
		}, []string{"event"}),
	}
}

// DatastoreGet returns the stored value for key, or "" if absent.
func (s *RuntimeState) DatastoreGet(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Datastore[key]
}

// DatastoreLookup returns the stored value for key and whether it exists.
func (s *RuntimeState) DatastoreLookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.Datastore[key]
	return value, ok
}

// DatastorePut stores value under key, overwriting any previous value.
func (s *RuntimeState) DatastorePut(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Datastore[key] = value
}

// FileStorageBytesUsed returns the tracked byte count currently occupying
// the MCU-addressable file store.
func (s *RuntimeState) FileStorageBytesUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileStorageBytesUsed
}

// SetFileStorageBytesUsed overwrites the tracked storage usage, used both
// when a write/remove changes it and when a quota scan refreshes it from
// disk.
func (s *RuntimeState) SetFileStorageBytesUsed(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileStorageBytesUsed = bytes
}

// IncrementFileWriteLimitRejections counts a write rejected for exceeding
// the per-write byte limit.
func (s *RuntimeState) IncrementFileWriteLimitRejections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileWriteLimitRejections++
}

// IncrementFileStorageLimitRejections counts a write rejected for exceeding
// the total storage quota.
func (s *RuntimeState) IncrementFileStorageLimitRejections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileStorageLimitRejections++
}

// FileRejectionCounts returns the write-limit and storage-quota rejection
// counters.
func (s *RuntimeState) FileRejectionCounts() (writeLimit, storageQuota uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileWriteLimitRejections, s.fileStorageLimitRejections
}

// RecordConsoleQueueEvent folds a ConsoleQueue mutation outcome into the
// console truncation/drop counters, mirroring context.py's
// enqueue_console_chunk bookkeeping. chunkLen is the length of the chunk that
// was offered to Append/AppendLeft, used to size the drop count when the
// queue rejects it outright. Callers still own their own logging.
func (s *RuntimeState) RecordConsoleQueueEvent(evt QueueEvent, chunkLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.TruncatedBytes > 0 {
		s.consoleTruncatedChunks++
		s.consoleTruncatedBytes += uint64(evt.TruncatedBytes)
	}
	if evt.DroppedChunks > 0 {
		s.consoleDroppedChunks += uint64(evt.DroppedChunks)
		s.consoleDroppedBytes += uint64(evt.DroppedBytes)
	}
	if !evt.Accepted {
		s.consoleDroppedChunks++
		s.consoleDroppedBytes += uint64(chunkLen)
	}
}

// ConsoleQueueCounters returns the current console truncation/drop counters.
func (s *RuntimeState) ConsoleQueueCounters() (truncatedChunks, truncatedBytes, droppedChunks, droppedBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consoleTruncatedChunks, s.consoleTruncatedBytes, s.consoleDroppedChunks, s.consoleDroppedBytes
}

// RecordMailboxOutgoingQueueEvent folds a MailboxOutgoingQueue mutation
// outcome into the outgoing mailbox truncation/drop/overflow counters.
// payloadLen is the length of the message that was offered to the queue.
func (s *RuntimeState) RecordMailboxOutgoingQueueEvent(evt QueueEvent, payloadLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.TruncatedBytes > 0 {
		s.mailboxTruncatedMessages++
		s.mailboxTruncatedBytes += uint64(evt.TruncatedBytes)
	}
	if evt.DroppedChunks > 0 {
		s.mailboxDroppedMessages += uint64(evt.DroppedChunks)
		s.mailboxDroppedBytes += uint64(evt.DroppedBytes)
	}
	if !evt.Accepted {
		s.mailboxDroppedMessages++
		s.mailboxDroppedBytes += uint64(payloadLen)
		s.mailboxOutgoingOverflowEvents++
	}
}

// MailboxOutgoingQueueCounters returns the outgoing mailbox truncation/drop
// counters, plus the count of pushes rejected outright by queue overflow.
func (s *RuntimeState) MailboxOutgoingQueueCounters() (truncatedMessages, truncatedBytes, droppedMessages, droppedBytes, overflowEvents uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxTruncatedMessages, s.mailboxTruncatedBytes, s.mailboxDroppedMessages, s.mailboxDroppedBytes, s.mailboxOutgoingOverflowEvents
}

// RecordMailboxIncomingQueueEvent folds a MailboxIncomingQueue mutation
// outcome into the incoming mailbox truncation/drop/overflow counters.
// payloadLen is the length of the message that was offered to the queue.
func (s *RuntimeState) RecordMailboxIncomingQueueEvent(evt QueueEvent, payloadLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.TruncatedBytes > 0 {
		s.mailboxIncomingTruncatedMessages++
		s.mailboxIncomingTruncatedBytes += uint64(evt.TruncatedBytes)
	}
	if evt.DroppedChunks > 0 {
		s.mailboxIncomingDroppedMessages += uint64(evt.DroppedChunks)
		s.mailboxIncomingDroppedBytes += uint64(evt.DroppedBytes)
	}
	if !evt.Accepted {
		s.mailboxIncomingDroppedMessages++
		s.mailboxIncomingDroppedBytes += uint64(payloadLen)
		s.mailboxIncomingOverflowEvents++
	}
}

// MailboxIncomingQueueCounters returns the incoming mailbox truncation/drop
// counters, plus the count of pushes rejected outright by queue overflow.
func (s *RuntimeState) MailboxIncomingQueueCounters() (truncatedMessages, truncatedBytes, droppedMessages, droppedBytes, overflowEvents uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxIncomingTruncatedMessages, s.mailboxIncomingTruncatedBytes, s.mailboxIncomingDroppedMessages, s.mailboxIncomingDroppedBytes, s.mailboxIncomingOverflowEvents
}

// RecordLatency observes a command round-trip latency into the histogram.
func (s *RuntimeState) RecordLatency(d time.Duration) {
	s.latencyHistogram.Observe(float64(d.Milliseconds()))
}

// LatencyHistogram exposes the underlying collector so a caller that does
// run a metrics exporter (out of scope for this daemon itself) can register
// it; normal operation never registers it with any HTTP surface.
func (s *RuntimeState) LatencyHistogram() prometheus.Histogram {
	return s.latencyHistogram
}

// RecordSerialFlowEvent increments the named flow-controller counter
// (sent, ack, retry, failure), implementing flow.MetricsSink.
func (s *RuntimeState) RecordSerialFlowEvent(event string) {
	s.flowEvents.WithLabelValues(event).Inc()
}

// FlowEvents exposes the underlying collector so a caller that does run a
// metrics exporter (out of scope for this daemon itself) can register it.
func (s *RuntimeState) FlowEvents() *prometheus.CounterVec {
	return s.flowEvents
}

// RecordSerialPipelineEvent increments the named pipeline-transition
// counter, mirroring runtime.py's record_serial_pipeline_event observer.
func (s *RuntimeState) RecordSerialPipelineEvent(event string) {
	s.pipelineEvents.WithLabelValues(event).Inc()
}

// PipelineEvents exposes the underlying collector so a caller that does run
// a metrics exporter (out of scope for this daemon itself) can register it.
func (s *RuntimeState) PipelineEvents() *prometheus.CounterVec {
	return s.pipelineEvents
}

// RecordMQTTDrop increments the per-topic drop counter.
func (s *RuntimeState) RecordMQTTDrop(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MQTTDropCounts[topic]++
}

// EnqueuePendingDigitalRead records a pin read awaiting the MCU's response.
func (s *RuntimeState) EnqueuePendingDigitalRead(r PendingPinRequest) {
	s.pendingDigitalReads.push(r)
}

// DequeuePendingDigitalRead removes and returns the oldest pending digital read.
func (s *RuntimeState) DequeuePendingDigitalRead() (PendingPinRequest, bool) {
	return s.pendingDigitalReads.popFront()
}

// PendingDigitalReadCount reports the queue depth, used to enforce
// pending_pin_request_limit before accepting a new read.
func (s *RuntimeState) PendingDigitalReadCount() int { return s.pendingDigitalReads.len() }

// EnqueuePendingAnalogRead records a pin read awaiting the MCU's response.
func (s *RuntimeState) EnqueuePendingAnalogRead(r PendingPinRequest) {
	s.pendingAnalogReads.push(r)
}

// DequeuePendingAnalogRead removes and returns the oldest pending analog read.
func (s *RuntimeState) DequeuePendingAnalogRead() (PendingPinRequest, bool) {
	return s.pendingAnalogReads.popFront()
}

// PendingAnalogReadCount reports the queue depth.
func (s *RuntimeState) PendingAnalogReadCount() int { return s.pendingAnalogReads.len() }

// SpawnProcess allocates the next pid and registers a new ManagedProcess.
func (s *RuntimeState) SpawnProcess(command string, outputLimit int) *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := s.nextPID
	s.nextPID++
	p := NewManagedProcess(pid, command, outputLimit)
	s.processes[pid] = p
	return p
}

// Process looks up a managed process by pid.
func (s *RuntimeState) Process(pid int) (*ManagedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// ProcessCount reports the number of processes currently registered,
// used to enforce process_max_concurrent.
func (s *RuntimeState) ProcessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// RemoveProcess drops a process from the registry. Callers must ensure its
// output buffers are already drained (IsDrained) and it is not running.
func (s *RuntimeState) RemoveProcess(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, pid)
}

// Processes returns a snapshot slice of all registered processes, for
// status reporting.
func (s *RuntimeState) Processes() []*ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// SetCapabilities records the MCU's advertised capabilities after a
// successful CMD_GET_CAPABILITIES round trip.
func (s *RuntimeState) SetCapabilities(c protocol.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Capabilities = MCUCapabilities{Capabilities: c, Valid: true}
}

// GetCapabilities returns the MCU's last reported capabilities and whether
// a successful handshake has ever populated them.
func (s *RuntimeState) GetCapabilities() MCUCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Capabilities
}

// SetMCUVersion caches the firmware version string reported by
// CMD_GET_VERSION_RESP.
func (s *RuntimeState) SetMCUVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcuVersion = version
	s.mcuVersionValid = true
}

// MCUVersion returns the cached firmware version and whether one has ever
// been reported.
func (s *RuntimeState) MCUVersion() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcuVersion, s.mcuVersionValid
}

// SetFreeMemory caches the MCU's last reported free heap size in bytes.
func (s *RuntimeState) SetFreeMemory(bytes uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeMemoryBytes = bytes
	s.freeMemoryValid = true
}

// FreeMemory returns the cached free heap size and whether one has ever
// been reported.
func (s *RuntimeState) FreeMemory() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeMemoryBytes, s.freeMemoryValid
}
