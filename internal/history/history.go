// Package history implements the Source-side history buffer (spec §4.2): a
// fixed-capacity ring of recently encoded blocks, available for
// retransmission, looked up by binary search across the ring's two
// contiguous (by insertion order) halves.
package history

import "sort"

// Block is one encoded block of audio retained for resend (spec §3).
type Block struct {
	Sequence     int64
	ChannelOnset int
	SampleRate   int
	TotalBytes   int
	FrameSize    int
	Payload      []byte // length == TotalBytes; last frame may be shorter when fragmented
}

// Buffer is a fixed-capacity ring of Block, keyed by Sequence. Not safe for
// concurrent use — the Source writes it from Send and reads it from Send and
// HandleMessage, always under the Source's exclusive lock (spec §5).
type Buffer struct {
	entries    []Block
	write      int  // next slot to overwrite
	count      int  // number of valid entries (<= capacity)
	oldestSeq  int64
	haveOldest bool
}

// New creates a history buffer with the given capacity (in blocks).
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{entries: make([]Block, capacity)}
}

// Capacity returns the configured ring size.
func (b *Buffer) Capacity() int { return len(b.entries) }

// Resize changes the capacity, discarding all current entries (spec §4.2
// resize(capacity)). Capacity is derived by the caller from
// resend_buffer_size * sample_rate / block_size, rounded up.
func (b *Buffer) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.entries = make([]Block, capacity)
	b.write = 0
	b.count = 0
	b.haveOldest = false
}

// Clear empties the buffer without changing capacity.
func (b *Buffer) Clear() {
	b.write = 0
	b.count = 0
	b.haveOldest = false
	for i := range b.entries {
		b.entries[i] = Block{}
	}
}

// Push inserts blk, overwriting the oldest entry if the ring is full, and
// advances the oldest-sequence watermark. The Source calls this for every
// successfully encoded block before it goes out on the wire. When Push
// overwrites a live entry it returns that entry as evicted (hadEvicted
// true) so the caller can return its payload buffer to the RT memory pool
// (spec §5) instead of letting it be collected as ordinary garbage.
func (b *Buffer) Push(blk Block) (evicted Block, hadEvicted bool) {
	cap := len(b.entries)
	if b.count >= cap {
		evicted = b.entries[b.write]
		hadEvicted = evicted.Payload != nil
	}
	b.entries[b.write] = blk
	b.write = (b.write + 1) % cap
	if b.count < cap {
		b.count++
	} else {
		// overwriting makes the new oldest the one right after write.
	}
	if !b.haveOldest || b.count == cap {
		b.oldestSeq = b.entries[b.oldestPos()].Sequence
		b.haveOldest = true
	}
	return evicted, hadEvicted
}

// oldestPos returns the ring index of the logically oldest entry.
func (b *Buffer) oldestPos() int {
	cap := len(b.entries)
	if b.count < cap {
		return 0
	}
	return b.write // write now points at the slot about to be (or just was) the oldest
}

// OldestSequence returns the sequence number of the oldest retained block.
// The second return is false if the buffer is empty.
func (b *Buffer) OldestSequence() (int64, bool) {
	if b.count == 0 {
		return 0, false
	}
	return b.oldestSeqValue(), true
}

func (b *Buffer) oldestSeqValue() int64 {
	return b.entries[b.oldestPos()].Sequence
}

// Find looks up a block by sequence number using binary search across the
// two sorted-by-insertion-order halves of the ring (spec §4.2). Returns
// (Block{}, false) if seq predates the oldest retained block ("too old") or
// was never pushed.
func (b *Buffer) Find(seq int64) (Block, bool) {
	if b.count == 0 {
		return Block{}, false
	}
	oldest := b.oldestSeqValue()
	if seq < oldest {
		return Block{}, false
	}
	cap := len(b.entries)
	var order []int
	if b.count < cap {
		// Single contiguous run [0, count).
		order = makeRange(0, b.count)
	} else {
		// Two halves: [write, cap) is older, [0, write) is newer, each
		// individually sorted by insertion (and thus by sequence, since
		// sequences are monotonic within a stream).
		order = append(makeRange(b.write, cap), makeRange(0, b.write)...)
	}
	idx := sort.Search(len(order), func(i int) bool {
		return b.entries[order[i]].Sequence >= seq
	})
	if idx < len(order) && b.entries[order[idx]].Sequence == seq {
		return b.entries[order[idx]], true
	}
	return Block{}, false
}

func makeRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
