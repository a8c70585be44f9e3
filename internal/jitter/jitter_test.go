package jitter

import "testing"

func push(b *Buffer, seq int64, frameIdx, frameCount int, payload []byte) PushOutcome {
	return b.Push(seq, frameIdx, frameCount, 0, 48000, len(payload)*frameCount, len(payload), payload)
}

func TestNewClampsCapacity(t *testing.T) {
	b := New(0)
	if b.Capacity() != 2 {
		t.Errorf("capacity 0 should clamp to 2, got %d", b.Capacity())
	}
}

func TestInOrderSingleFrameBlocks(t *testing.T) {
	b := New(8)
	for seq := int64(0); seq < 4; seq++ {
		out := push(b, seq, 0, 1, []byte{byte(seq)})
		if out.Discarded || out.Duplicate {
			t.Fatalf("seq %d: unexpected outcome %+v", seq, out)
		}
	}
	for seq := int64(0); seq < 4; seq++ {
		blk, ok := b.PopFront()
		if !ok {
			t.Fatalf("pop %d: expected a block", seq)
		}
		if !blk.Complete() {
			t.Fatalf("pop %d: expected complete, got %+v", seq, blk)
		}
		if blk.Payload[0] != byte(seq) {
			t.Fatalf("pop %d: payload mismatch, got %v", seq, blk.Payload)
		}
	}
}

func TestDuplicateFrameDiscarded(t *testing.T) {
	b := New(8)
	push(b, 0, 0, 1, []byte{1})
	out := push(b, 0, 0, 1, []byte{9})
	if !out.Duplicate {
		t.Fatalf("expected duplicate outcome, got %+v", out)
	}
}

func TestGapFillsPlaceholders(t *testing.T) {
	b := New(8)
	push(b, 0, 0, 1, []byte{1})
	push(b, 3, 0, 1, []byte{4}) // seq 1, 2 missing
	for seq := int64(0); seq < 4; seq++ {
		blk, ok := b.PopFront()
		if !ok {
			t.Fatalf("pop %d: expected an entry", seq)
		}
		if blk.Sequence != seq {
			t.Fatalf("pop %d: expected sequence %d, got %d", seq, seq, blk.Sequence)
		}
		if seq == 1 || seq == 2 {
			if blk.Complete() {
				t.Fatalf("pop %d: expected incomplete placeholder", seq)
			}
		} else if !blk.Complete() {
			t.Fatalf("pop %d: expected complete", seq)
		}
	}
}

func TestLateArrivalBelowWindowDiscarded(t *testing.T) {
	b := New(8)
	push(b, 5, 0, 1, []byte{1})
	b.PopFront() // advances lastPopped to 5
	out := push(b, 3, 0, 1, []byte{1})
	if !out.Discarded {
		t.Fatalf("expected discarded, got %+v", out)
	}
}

func TestLargeGapFlushesAndCountsLost(t *testing.T) {
	b := New(4)
	push(b, 0, 0, 1, []byte{1})
	push(b, 1, 0, 1, []byte{1})
	out := push(b, 100, 0, 1, []byte{1})
	if !out.Flushed {
		t.Fatalf("expected flush on large gap, got %+v", out)
	}
	if out.LostOnPush != 2 {
		t.Fatalf("expected 2 lost blocks, got %d", out.LostOnPush)
	}
	last, ok := b.LastPushed()
	if !ok || last != 100 {
		t.Fatalf("expected lastPushed 100, got %d (%v)", last, ok)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(4)
	for seq := int64(0); seq < 6; seq++ {
		push(b, seq, 0, 1, []byte{byte(seq)})
	}
	// capacity is 4; pushing 6 sequential blocks should have evicted the
	// two oldest as lost, leaving the window anchored near the newest.
	if b.Len() > b.Capacity() {
		t.Fatalf("ring exceeded capacity: len=%d cap=%d", b.Len(), b.Capacity())
	}
	front, ok := b.Front()
	if !ok || front.Sequence != 2 {
		t.Fatalf("expected oldest surviving block 2 at the front, got %d (%v)", front.Sequence, ok)
	}
}

func TestReorderedWithinWindow(t *testing.T) {
	b := New(8)
	push(b, 0, 0, 1, []byte{1})
	push(b, 2, 0, 1, []byte{1}) // creates placeholder at 1
	out := push(b, 1, 0, 1, []byte{1})
	if !out.Reordered {
		t.Fatalf("expected reordered, got %+v", out)
	}
}

func TestMultiFrameBlockCompletesAfterAllFrames(t *testing.T) {
	b := New(8)
	// 5-byte block in 2-byte frames: the last frame carries the one byte left.
	b.Push(0, 0, 3, 0, 48000, 5, 2, []byte{0xA, 0xB})
	blk, _ := b.Find(0)
	if blk.Complete() {
		t.Fatalf("expected incomplete after 1/3 frames")
	}
	b.Push(0, 1, 3, 0, 48000, 5, 2, []byte{0xC, 0xD})
	b.Push(0, 2, 3, 0, 48000, 5, 2, []byte{0xE})
	blk, _ = b.Find(0)
	if !blk.Complete() {
		t.Fatalf("expected complete after all frames, got %+v", blk)
	}
	want := []byte{0xA, 0xB, 0xC, 0xD, 0xE}
	if len(blk.Payload) != len(want) {
		t.Fatalf("payload length mismatch: got %d want %d", len(blk.Payload), len(want))
	}
}

func TestInvariantSequencesStrictlyIncreasingInWindow(t *testing.T) {
	b := New(16)
	for seq := int64(0); seq < 10; seq++ {
		push(b, seq, 0, 1, []byte{1})
	}
	oldest, ok := b.oldestInWindow()
	if !ok {
		t.Fatal("expected a window")
	}
	last, _ := b.LastPushed()
	if oldest > last {
		t.Fatalf("invariant violated: oldest %d > newest %d", oldest, last)
	}
	seen := map[int64]bool{}
	for s := oldest; s <= last; s++ {
		if blk, ok := b.Find(s); ok {
			if seen[blk.Sequence] {
				t.Fatalf("duplicate sequence %d in window", blk.Sequence)
			}
			seen[blk.Sequence] = true
		}
	}
}
