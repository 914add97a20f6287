package mqttspool

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/isantolin/mcubridge/internal/logger"
)

// Snapshot is the spool's telemetry payload, reported on the bridge's
// status/metrics topics.
type Snapshot struct {
	Pending            int
	Limit              int
	DroppedDueToLimit  int
	TrimEvents         int
	LastTrimUnix       int64
	CorruptDropped     int
	FallbackActive     bool
}

// Spool is a FIFO of QueuedPublish records that prefers a file-backed
// implementation and degrades to an in-memory deque after any disk I/O
// failure. The in-memory fallback is permanent for the life of the process
// (matching the Python original: no background retry reactivates disk).
type Spool struct {
	mu sync.Mutex

	limit int
	log   *slog.Logger

	memory []QueuedPublish
	disk   *fileSpoolDeque
	useDisk bool

	droppedDueToLimit int
	trimEvents        int
	lastTrimUnix      int64
	corruptDropped    int
	fallbackActive    bool
}

// New constructs a Spool rooted at dir with at most limit pending records
// (0 means unlimited). dir must already have been validated to resolve
// under /tmp by the caller; as a defense in depth this also refuses any
// directory outside /tmp and starts memory-only instead.
func New(dir string, limit int, log *slog.Logger) *Spool {
	if log == nil {
		log = slog.Default()
	}
	if limit < 0 {
		limit = 0
	}
	s := &Spool{limit: limit, log: log, useDisk: true}

	if dir != "/tmp" && !strings.HasPrefix(dir, "/tmp/") {
		s.log.Warn("mqtt spool directory is not under /tmp; forcing memory-only mode", logger.Path(dir))
		s.activateFallback("non_tmp_directory")
	}

	if s.useDisk {
		disk, err := newFileSpoolDeque(dir)
		if err != nil {
			s.log.Warn("failed to initialize disk spool, falling back to memory", logger.Err(err))
			s.activateFallback("initialization_failed")
		} else {
			s.disk = disk
		}
	}

	if s.limit > 0 {
		s.mu.Lock()
		s.trimLocked()
		s.mu.Unlock()
	}
	return s
}

// Append enqueues rec at the tail.
func (s *Spool) Append(rec QueuedPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.useDisk && s.disk != nil {
		if err := s.disk.append(rec); err != nil {
			s.handleDiskError(err, "append")
			s.memory = append(s.memory, rec)
		}
	} else {
		s.memory = append(s.memory, rec)
	}

	if s.limit > 0 {
		s.trimLocked()
	}
}

// Requeue puts rec back at the head, used when a publish attempt fails and
// must be retried before newer spooled records.
func (s *Spool) Requeue(rec QueuedPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.useDisk && s.disk != nil {
		if err := s.disk.appendLeft(rec); err != nil {
			s.handleDiskError(err, "requeue")
			s.memory = append([]QueuedPublish{rec}, s.memory...)
		}
		return
	}
	s.memory = append([]QueuedPublish{rec}, s.memory...)
}

// PopNext dequeues the oldest record, skipping (and counting) any entries
// that fail to decode. Returns false when the spool is empty.
func (s *Spool) PopNext() (QueuedPublish, bool) {
	for {
		s.mu.Lock()
		if s.useDisk && s.disk != nil && s.disk.len() > 0 {
			rec, err := s.disk.popLeft()
			if err != nil {
				if isCorruptionError(err) {
					s.corruptDropped++
					s.mu.Unlock()
					continue
				}
				s.handleDiskError(err, "pop")
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			return rec, true
		}

		if len(s.memory) > 0 {
			rec := s.memory[0]
			s.memory = s.memory[1:]
			s.mu.Unlock()
			return rec, true
		}

		s.mu.Unlock()
		return QueuedPublish{}, false
	}
}

// Pending reports the total queued record count across both backends.
func (s *Spool) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Spool) pendingLocked() int {
	n := len(s.memory)
	if s.disk != nil {
		n += s.disk.len()
	}
	return n
}

// IsDegraded reports whether the spool has fallen back to memory-only mode.
func (s *Spool) IsDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackActive
}

// TakeSnapshot returns the spool's current telemetry counters.
func (s *Spool) TakeSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Pending:           s.pendingLocked(),
		Limit:             s.limit,
		DroppedDueToLimit: s.droppedDueToLimit,
		TrimEvents:        s.trimEvents,
		LastTrimUnix:      s.lastTrimUnix,
		CorruptDropped:    s.corruptDropped,
		FallbackActive:    s.fallbackActive,
	}
}

// Close releases the spool's in-memory state. The file-backed deque holds
// no open descriptors between calls, so there is nothing to close on disk.
func (s *Spool) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disk = nil
	s.memory = nil
}

func (s *Spool) activateFallback(reason string) {
	s.useDisk = false
	s.fallbackActive = true
	s.disk = nil
	s.log.Warn("mqtt spool degraded to memory-only mode", logger.SpoolReason(reason))
}

func (s *Spool) handleDiskError(err error, op string) {
	reason := "io_error"
	if errors.Is(err, syscall.ENOSPC) {
		reason = "disk_full"
	}
	s.log.Error("mqtt spool disk error, switching to memory-only mode",
		logger.Err(fmt.Errorf("%s: %w", op, err)), logger.SpoolReason(reason))
	s.activateFallback(reason)
}

func isCorruptionError(err error) bool {
	return strings.Contains(err.Error(), "decode record")
}

func (s *Spool) trimLocked() {
	if s.limit <= 0 {
		return
	}
	dropped := 0
	for s.pendingLocked() > s.limit {
		if s.disk != nil && s.disk.len() > 0 {
			if _, err := s.disk.popLeft(); err != nil {
				s.log.Error("disk failure during spool trim", logger.Err(err))
				s.activateFallback("trim_failed")
				continue
			}
			dropped++
			continue
		}
		if len(s.memory) > 0 {
			s.memory = s.memory[1:]
			dropped++
			continue
		}
		break
	}
	if dropped > 0 {
		s.droppedDueToLimit += dropped
		s.trimEvents++
		s.lastTrimUnix = time.Now().Unix()
		s.log.Warn("mqtt spool limit exceeded, dropped oldest entries",
			slog.Int("limit", s.limit), slog.Int("dropped", dropped))
	}
}
