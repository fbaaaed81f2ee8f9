package session

import "sync"

// RingBuffer keeps the most recent OutputEvents, bounded both by event count
// and by total payload bytes, so late subscribers can replay recent output.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputEvent
	start    int // index of the oldest event
	n        int
	bytes    int
	maxBytes int
}

// NewRingBuffer creates a ring buffer holding up to capacity events and
// maxBytes payload bytes. maxBytes <= 0 disables the byte bound.
func NewRingBuffer(capacity, maxBytes int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]OutputEvent, capacity),
		maxBytes: maxBytes,
	}
}

// Write appends an event, evicting the oldest events to stay within bounds.
// The newest event is always kept.
func (rb *RingBuffer) Write(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(event.Data)
	for rb.n > 0 && (rb.n == len(rb.buf) || (rb.maxBytes > 0 && rb.bytes+size > rb.maxBytes)) {
		rb.bytes -= len(rb.buf[rb.start].Data)
		rb.buf[rb.start] = OutputEvent{}
		rb.start = (rb.start + 1) % len(rb.buf)
		rb.n--
	}

	rb.buf[(rb.start+rb.n)%len(rb.buf)] = event
	rb.n++
	rb.bytes += size
}

// ReadAll returns all events in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]OutputEvent, rb.n)
	for i := 0; i < rb.n; i++ {
		result[i] = rb.buf[(rb.start+i)%len(rb.buf)]
	}
	return result
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}
