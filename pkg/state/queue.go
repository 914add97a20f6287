// Package state owns the bridge's shared mutable runtime state: the bounded
// byte queues backing console/mailbox traffic, the datastore map, pending
// pin-read tables, the managed-process registry, and the counters the
// handshake/flow/MQTT layers report into.
package state

import "container/list"

// QueueEvent is the outcome of a single BoundedByteDeque mutation. It is the
// only source of truth for truncation/drop counters upstream of the queue.
type QueueEvent struct {
	TruncatedBytes int
	DroppedChunks  int
	DroppedBytes   int
	Accepted       bool
}

// BoundedByteDeque is a FIFO of byte chunks that simultaneously enforces a
// maximum item count and a maximum cumulative byte count. A single chunk
// longer than MaxBytes is truncated to its last MaxBytes bytes (tail kept);
// making room for a new chunk drops the oldest entries first.
type BoundedByteDeque struct {
	MaxItems int // 0 means unlimited
	MaxBytes int // 0 means unlimited

	queue     *list.List
	bytesUsed int
}

// NewBoundedByteDeque constructs a deque bounded by maxItems and maxBytes.
// Zero means unlimited for either bound.
func NewBoundedByteDeque(maxItems, maxBytes int) *BoundedByteDeque {
	return &BoundedByteDeque{
		MaxItems: maxItems,
		MaxBytes: maxBytes,
		queue:    list.New(),
	}
}

// Len returns the number of chunks currently queued.
func (d *BoundedByteDeque) Len() int { return d.queue.Len() }

// BytesUsed returns the cumulative byte count of all queued chunks.
func (d *BoundedByteDeque) BytesUsed() int { return d.bytesUsed }

// Clear empties the deque.
func (d *BoundedByteDeque) Clear() {
	d.queue.Init()
	d.bytesUsed = 0
}

// Append pushes chunk to the tail (the normal enqueue direction).
func (d *BoundedByteDeque) Append(chunk []byte) QueueEvent {
	return d.push(chunk, false)
}

// AppendLeft pushes chunk to the head, used to requeue a chunk that failed
// to send so it is retried first.
func (d *BoundedByteDeque) AppendLeft(chunk []byte) QueueEvent {
	return d.push(chunk, true)
}

// PopLeft removes and returns the oldest chunk. Panics if empty; callers
// must check Len() first.
func (d *BoundedByteDeque) PopLeft() []byte {
	front := d.queue.Front()
	d.queue.Remove(front)
	chunk := front.Value.([]byte)
	d.bytesUsed -= len(chunk)
	return chunk
}

func (d *BoundedByteDeque) push(chunk []byte, left bool) QueueEvent {
	data := append([]byte(nil), chunk...)
	event := QueueEvent{}

	if d.MaxBytes > 0 && len(data) > d.MaxBytes {
		trimmed := data[len(data)-d.MaxBytes:]
		event.TruncatedBytes = len(data) - len(trimmed)
		data = trimmed
	}

	droppedChunks, droppedBytes := d.makeRoomFor(len(data), 1)
	event.DroppedChunks += droppedChunks
	event.DroppedBytes += droppedBytes

	if !d.canFit(len(data), 1) {
		return event
	}

	if left {
		d.queue.PushFront(data)
	} else {
		d.queue.PushBack(data)
	}
	d.bytesUsed += len(data)
	event.Accepted = true
	return event
}

func (d *BoundedByteDeque) makeRoomFor(incomingBytes, incomingCount int) (droppedChunks, droppedBytes int) {
	for d.MaxItems > 0 && d.queue.Len()+incomingCount > d.MaxItems && d.queue.Len() > 0 {
		removed := d.queue.Remove(d.queue.Front()).([]byte)
		d.bytesUsed -= len(removed)
		droppedChunks++
		droppedBytes += len(removed)
	}

	if d.MaxBytes > 0 && incomingBytes > d.MaxBytes {
		return droppedChunks, droppedBytes
	}

	for d.MaxBytes > 0 && d.bytesUsed+incomingBytes > d.MaxBytes && d.queue.Len() > 0 {
		removed := d.queue.Remove(d.queue.Front()).([]byte)
		d.bytesUsed -= len(removed)
		droppedChunks++
		droppedBytes += len(removed)
	}
	return droppedChunks, droppedBytes
}

func (d *BoundedByteDeque) canFit(incomingBytes, incomingCount int) bool {
	if d.MaxBytes > 0 && incomingBytes > d.MaxBytes {
		return false
	}
	if d.MaxItems > 0 && incomingCount > d.MaxItems {
		return false
	}
	if d.MaxItems > 0 && d.queue.Len()+incomingCount > d.MaxItems {
		return false
	}
	if d.MaxBytes > 0 && d.bytesUsed+incomingBytes > d.MaxBytes {
		return false
	}
	return true
}
