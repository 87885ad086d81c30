package pty

import "sync"

// RingBuffer keeps the most recent terminal output in a bounded byte buffer
// so a late-attaching observer can be shown recent scrollback. Oldest bytes
// are discarded once capacity is reached.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	size  int // bytes currently stored
}

// NewRingBuffer allocates a buffer with the given capacity in bytes.
// Non-positive capacities use a 256 KiB default.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 256 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes on overflow. Implements
// io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	capacity := len(rb.buf)
	if n == 0 {
		return 0, nil
	}

	// Oversized writes keep only the trailing capacity bytes.
	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	first := copy(rb.buf[end:], p)
	copy(rb.buf, p[first:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// Bytes returns a chronological copy of the buffered output.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.size-first])
	return out
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Reset discards all buffered output.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.start, rb.size = 0, 0
	rb.mu.Unlock()
}
