// Package jitter implements the Sink-side jitter buffer (spec §4.3): a
// fixed-capacity ring of ReceivedBlock, ordered by strictly increasing
// sequence number, that reorders frames arriving out of order and exposes
// complete blocks to the block dispatcher (spec §4.6).
package jitter

import (
	"math/bits"

	"github.com/aoo-audio/aoo-go/internal/rtqueue"
)

// Block is one frame-fragmented audio block as received over the wire,
// augmented with the bookkeeping spec §3's ReceivedBlock calls for: a
// bitmap of received frames, a dropped flag, a last-request timestamp, and
// a retransmission-attempt counter.
type Block struct {
	Sequence     int64
	ChannelOnset int
	SampleRate   int
	TotalBytes   int
	FrameSize    int
	FrameCount   int // 0 means "not yet known" (placeholder)
	Payload      []byte

	received        uint64 // bitmap of frames received, bit i == frame i
	Dropped         bool
	LastRequestTime float64 // seconds (NTP-derived elapsed time)
	RetryCount      int
	placeholder     bool // allocated as a gap-filler, no real data yet
	valid           bool // slot holds a real entry for Sequence (vs. empty ring slot)
}

// Complete reports whether every frame of the block has been received.
func (b *Block) Complete() bool {
	if b.FrameCount == 0 {
		return false
	}
	return popcount(b.received) >= b.FrameCount
}

// MissingFrames returns the indices of frames not yet received. If the
// block is a placeholder (FrameCount == 0, nothing arrived yet) it returns
// nil — the caller should request the whole block (frame = -1) instead.
func (b *Block) MissingFrames() []int {
	if b.FrameCount == 0 {
		return nil
	}
	var out []int
	for i := 0; i < b.FrameCount; i++ {
		if b.received&(1<<uint(i)) == 0 {
			out = append(out, i)
		}
	}
	return out
}

func (b *Block) setFrame(idx int) {
	if idx >= 0 && idx < 64 {
		b.received |= 1 << uint(idx)
	}
}

func (b *Block) frameSet(idx int) bool {
	if idx < 0 || idx >= 64 {
		return false
	}
	return b.received&(1<<uint(idx)) != 0
}

func popcount(mask uint64) int { return bits.OnesCount64(mask) }

// PushOutcome classifies what handling an incoming packet did, for event
// reporting (spec §6 event types: block_dropped/resent, reordered, etc.).
type PushOutcome struct {
	Duplicate  bool
	Reordered  bool
	Resent     bool // this frame had previously been the subject of a retry
	Discarded  bool // seq was below the window, or frame index invalid
	Flushed    bool // large gap forced a flush
	LostOnPush int   // blocks counted lost as a side effect of this push
}

// Buffer is the fixed-capacity ring of Block described in spec §4.3.
// Not safe for concurrent use — the Sink's single mutex (one per Sink, not
// per source; see DESIGN.md) serializes access between the network thread
// and the audio thread.
type Buffer struct {
	capacity   int
	ring       []Block
	lastPushed int64
	hasPushed  bool
	lastPopped int64
	hasPopped  bool
	pool       *rtqueue.Pool
}

// New creates a jitter buffer ring of the given capacity (in blocks).
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{capacity: capacity, ring: make([]Block, capacity)}
}

// SetPool attaches the process-wide RT memory pool (spec §5): block payload
// buffers are drawn from it on arrival and returned to it when an entry is
// discarded before ever reaching a caller. A nil pool (the default) falls
// back to plain make().
func (b *Buffer) SetPool(p *rtqueue.Pool) { b.pool = p }

// release returns entry's payload buffer to the pool, if one is attached.
// Only call this for entries being discarded outright (flushed, evicted as
// lost, overwritten by a placeholder) — never for entries handed to a
// caller via PopFront, which still owns the slice afterward.
func (b *Buffer) release(entry *Block) {
	if b.pool != nil && entry.Payload != nil {
		b.pool.Put(entry.Payload)
	}
}

// Capacity returns the ring size.
func (b *Buffer) Capacity() int { return b.capacity }

func (b *Buffer) indexOf(seq int64) int {
	m := seq % int64(b.capacity)
	if m < 0 {
		m += int64(b.capacity)
	}
	return int(m)
}

// Reset clears all buffered state (e.g. on salt change).
func (b *Buffer) Reset() {
	for i := range b.ring {
		b.release(&b.ring[i])
	}
	b.ring = make([]Block, b.capacity)
	b.hasPushed = false
	b.hasPopped = false
}

// Len returns the count of valid (non-empty) entries currently in the ring.
func (b *Buffer) Len() int {
	n := 0
	for i := range b.ring {
		if b.ring[i].valid {
			n++
		}
	}
	return n
}

func (b *Buffer) allocatePlaceholder(seq int64) {
	idx := b.indexOf(seq)
	b.release(&b.ring[idx])
	b.ring[idx] = Block{Sequence: seq, valid: true, placeholder: true}
}

// popOldestAsLost discards the oldest in-window entry and reports it lost.
func (b *Buffer) popOldestAsLost() {
	seq, ok := b.oldestInWindow()
	if !ok {
		return
	}
	idx := b.indexOf(seq)
	b.release(&b.ring[idx])
	b.ring[idx] = Block{}
	b.lastPopped = seq
	b.hasPopped = true
}

// oldestInWindow returns the lowest sequence still logically retained
// (lastPopped+1, or the lowest valid sequence if nothing has been popped
// yet).
func (b *Buffer) oldestInWindow() (int64, bool) {
	if b.hasPopped {
		return b.lastPopped + 1, true
	}
	if !b.hasPushed {
		return 0, false
	}
	var oldest int64
	found := false
	for i := range b.ring {
		if b.ring[i].valid && (!found || b.ring[i].Sequence < oldest) {
			oldest = b.ring[i].Sequence
			found = true
		}
	}
	return oldest, found
}

// Push handles one incoming data fragment, following the branching policy
// of spec §4.3 exactly.
func (b *Buffer) Push(seq int64, frameIndex, frameCount, channelOnset, sampleRate, totalBytes, frameSize int, payload []byte) PushOutcome {
	var out PushOutcome

	if oldest, ok := b.oldestInWindow(); ok && seq < oldest {
		out.Discarded = true
		return out
	}

	if b.hasPushed && seq > b.lastPushed+int64(b.capacity) {
		// Large gap: flush and reseed.
		lost := b.Len()
		b.Reset()
		out.Flushed = true
		out.LostOnPush = lost
		b.lastPushed = seq
		b.hasPushed = true
		b.allocatePlaceholder(seq)
		b.writeFrame(seq, frameIndex, frameCount, channelOnset, sampleRate, totalBytes, frameSize, payload, &out)
		return out
	}

	if !b.hasPushed || seq > b.lastPushed {
		start := seq
		if b.hasPushed {
			start = b.lastPushed + 1
		}
		for s := start; s < seq; s++ {
			idx := b.indexOf(s)
			if b.ring[idx].valid && b.ring[idx].Sequence == s {
				continue
			}
			if b.wouldOverflowFor(s) {
				b.popOldestAsLost()
				out.LostOnPush++
			}
			b.allocatePlaceholder(s)
		}
		if b.wouldOverflowFor(seq) {
			b.popOldestAsLost()
			out.LostOnPush++
		}
		idx := b.indexOf(seq)
		if !b.ring[idx].valid || b.ring[idx].Sequence != seq {
			b.allocatePlaceholder(seq)
		}
		b.lastPushed = seq
		b.hasPushed = true
		b.writeFrame(seq, frameIndex, frameCount, channelOnset, sampleRate, totalBytes, frameSize, payload, &out)
		return out
	}

	// In-window: locate existing entry.
	idx := b.indexOf(seq)
	entry := &b.ring[idx]
	if !entry.valid || entry.Sequence != seq {
		// Within [oldest, lastPushed] but never allocated or already
		// popped (e.g. after a reset raced with a stale packet).
		out.Discarded = true
		return out
	}
	if entry.frameSet(frameIndex) {
		out.Duplicate = true
		return out
	}
	if entry.placeholder {
		entry.placeholder = false
	}
	if seq < b.lastPushed {
		out.Reordered = true
	}
	if entry.RetryCount > 0 {
		out.Resent = true
	}
	b.writeFrame(seq, frameIndex, frameCount, channelOnset, sampleRate, totalBytes, frameSize, payload, &out)
	return out
}

func (b *Buffer) wouldOverflowFor(seq int64) bool {
	idx := b.indexOf(seq)
	if b.ring[idx].valid && b.ring[idx].Sequence == seq {
		return false // overwriting its own slot, not growing the set
	}
	return b.Len() >= b.capacity
}

// writeFrame installs frame frameIndex's payload into the block at seq,
// initializing block-level metadata the first time real data for that
// sequence arrives. Frame insertion writes the payload at
// frameIndex*frameSize in the block's byte buffer; the last frame may be
// shorter and goes to the block's tail region (spec §4.3).
func (b *Buffer) writeFrame(seq int64, frameIndex, frameCount, channelOnset, sampleRate, totalBytes, frameSize int, payload []byte, out *PushOutcome) {
	idx := b.indexOf(seq)
	entry := &b.ring[idx]
	if entry.FrameCount == 0 {
		entry.FrameCount = frameCount
		entry.ChannelOnset = channelOnset
		entry.SampleRate = sampleRate
		entry.TotalBytes = totalBytes
		entry.FrameSize = frameSize
		if b.pool != nil {
			entry.Payload = b.pool.Get(totalBytes)
		} else {
			entry.Payload = make([]byte, totalBytes)
		}
	}
	if frameIndex < 0 {
		return // whole-block metadata-only arrival, no payload to place
	}
	off := frameIndex * frameSize
	if off < 0 || off > len(entry.Payload) {
		out.Discarded = true
		return
	}
	copy(entry.Payload[off:], payload)
	entry.setFrame(frameIndex)
}

// Find locates an in-window block by sequence.
func (b *Buffer) Find(seq int64) (*Block, bool) {
	idx := b.indexOf(seq)
	if b.ring[idx].valid && b.ring[idx].Sequence == seq {
		return &b.ring[idx], true
	}
	return nil, false
}

// Front returns the oldest block still pending dispatch.
func (b *Buffer) Front() (*Block, bool) {
	seq, ok := b.oldestInWindow()
	if !ok {
		return nil, false
	}
	return b.Find(seq)
}

// PopFront releases the oldest block (whether complete, dropped, or still
// a placeholder) and advances the dispatch cursor.
func (b *Buffer) PopFront() (Block, bool) {
	seq, ok := b.oldestInWindow()
	if !ok {
		return Block{}, false
	}
	idx := b.indexOf(seq)
	entry := b.ring[idx]
	b.ring[idx] = Block{}
	b.lastPopped = seq
	b.hasPopped = true
	if !entry.valid || entry.Sequence != seq {
		return Block{Sequence: seq, Dropped: true}, true
	}
	return entry, true
}

// Depth reports how far ahead of the dispatch cursor the most recently
// pushed sequence is — used by the block dispatcher's "more than one block
// ahead" check (spec §4.6).
func (b *Buffer) Depth() int {
	if !b.hasPushed {
		return 0
	}
	oldest, ok := b.oldestInWindow()
	if !ok {
		return 0
	}
	d := int(b.lastPushed - oldest + 1)
	if d < 0 {
		return 0
	}
	return d
}

// LastPushed returns the most recently pushed sequence number.
func (b *Buffer) LastPushed() (int64, bool) { return b.lastPushed, b.hasPushed }

// IncompleteBlocks returns every in-window block that is not yet complete,
// excluding the most recently pushed sequence (spec §4.4: "for each
// incomplete block except the most recent, which is expected to still be
// arriving"), in ascending sequence order.
func (b *Buffer) IncompleteBlocks() []*Block {
	oldest, ok := b.oldestInWindow()
	if !ok || !b.hasPushed {
		return nil
	}
	var out []*Block
	for seq := oldest; seq < b.lastPushed; seq++ {
		idx := b.indexOf(seq)
		entry := &b.ring[idx]
		if entry.valid && entry.Sequence == seq && !entry.Complete() {
			out = append(out, entry)
		}
	}
	return out
}
