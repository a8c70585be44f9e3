// Package rtqueue implements the cross-thread primitives spec §5 calls for:
// a single-producer-single-consumer ring for encoder<->decoder data slots,
// a multi-producer-single-consumer unbounded queue for control requests and
// events, and the process-wide RT memory pool.
package rtqueue

import "sync/atomic"

// SPSC is a single-producer-single-consumer lock-free ring buffer of byte
// slices, sized to a power-of-two slot count (spec §5). One goroutine may
// call Push, a different goroutine may call Pop, concurrently and without
// locks.
type SPSC struct {
	mask  uint64
	slots []spscSlot
	head  atomic.Uint64 // next slot to pop
	tail  atomic.Uint64 // next slot to push
}

type spscSlot struct {
	ready atomic.Bool
	data  []byte
}

// NewSPSC creates a ring with capacity rounded up to the next power of two.
func NewSPSC(capacity int) *SPSC {
	n := nextPow2(capacity)
	return &SPSC{
		mask:  uint64(n - 1),
		slots: make([]spscSlot, n),
	}
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push stores data (copied) into the next slot. Returns false (overflow) if
// the ring is full.
func (q *SPSC) Push(data []byte) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= uint64(len(q.slots)) {
		return false
	}
	slot := &q.slots[tail&q.mask]
	buf := make([]byte, len(data))
	copy(buf, data)
	slot.data = buf
	slot.ready.Store(true)
	q.tail.Store(tail + 1)
	return true
}

// Pop retrieves the oldest pushed slot. Returns (nil, false) if empty.
func (q *SPSC) Pop() ([]byte, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head >= tail {
		return nil, false
	}
	slot := &q.slots[head&q.mask]
	if !slot.ready.Load() {
		return nil, false
	}
	data := slot.data
	slot.data = nil
	slot.ready.Store(false)
	q.head.Store(head + 1)
	return data, true
}

// Len reports the number of slots currently occupied.
func (q *SPSC) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the ring's slot count (a power of two).
func (q *SPSC) Cap() int { return len(q.slots) }
