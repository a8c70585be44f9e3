package jitter

import (
	"testing"

	"pgregory.net/rapid"
)

// TestInvariantNoDuplicateOrOutOfWindowSequences generates random sequences
// of pushes (in order and with gaps, interleaved with pops) and checks the core
// invariant from spec §8: "for all i in the jitter buffer, oldest <= i.seq
// <= newest and no two entries share a sequence."
func TestInvariantNoDuplicateOrOutOfWindowSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(2, 16).Draw(rt, "capacity")
		b := New(capacity)

		nOps := rapid.IntRange(1, 200).Draw(rt, "nOps")
		var nextSeq int64
		for i := 0; i < nOps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0: // in-order push
				push(b, nextSeq, 0, 1, []byte{1})
				nextSeq++
			case 1: // skip ahead (gap)
				jump := rapid.IntRange(1, capacity*2).Draw(rt, "jump")
				nextSeq += int64(jump)
				push(b, nextSeq, 0, 1, []byte{1})
				nextSeq++
			case 2: // occasionally pop
				b.PopFront()
			}

			oldest, ok := b.oldestInWindow()
			if !ok {
				continue
			}
			last, hasLast := b.LastPushed()
			if !hasLast {
				continue
			}
			seen := map[int64]bool{}
			for s := oldest; s <= last; s++ {
				blk, found := b.Find(s)
				if !found {
					continue
				}
				if blk.Sequence < oldest || blk.Sequence > last {
					rt.Fatalf("entry %d outside window [%d, %d]", blk.Sequence, oldest, last)
				}
				if seen[blk.Sequence] {
					rt.Fatalf("duplicate sequence %d in window", blk.Sequence)
				}
				seen[blk.Sequence] = true
			}
		}
	})
}
