package aoo

import (
	"encoding/binary"
	"math"
)

// Interleave converts a host's per-channel (non-interleaved) input into a
// single interleaved float32 slice, per spec §4.5 step 1. in must have at
// least `channels` slices, each with at least n samples.
func Interleave(in [][]float32, n, channels int) []float32 {
	out := make([]float32, n*channels)
	for ch := 0; ch < channels; ch++ {
		src := in[ch]
		for i := 0; i < n; i++ {
			out[i*channels+ch] = src[i]
		}
	}
	return out
}

// Deinterleave mixes an interleaved float32 slice into the host's
// per-channel output layout, adding into out[onset+ch] rather than
// overwriting it (spec §4.6 step 2d: "mix into out[channel_onset+i]"), so
// multiple sources landing on overlapping channels sum instead of clobber.
// Channels that land outside out's range are silently skipped.
func Deinterleave(out [][]float32, interleaved []float32, n, channels, onset int) {
	for ch := 0; ch < channels; ch++ {
		outCh := onset + ch
		if outCh < 0 || outCh >= len(out) {
			continue
		}
		dst := out[outCh]
		for i := 0; i < n; i++ {
			dst[i] += interleaved[i*channels+ch]
		}
	}
}

// floatsToBytes/bytesToFloats serialize interleaved float32 samples for the
// SPSC handoff ring (spec §5: "sized in power-of-two frames" of codec-sized
// byte blocks) between the audio thread and the network pump.
func floatsToBytes(fs []float32) []byte {
	out := make([]byte, len(fs)*4)
	for i, f := range fs {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return out
}
