// Package resample implements the Sink-side dynamic, variable-ratio
// resampler (spec §4.7). Design note: the original C++ resampler tracks
// "balance" in two different units depending on which code path is taken
// (integer-stride decimation vs. linear interpolation), which the spec's
// design notes flag as a latent bug. This port unifies on a single
// representation — balance is always the number of buffered source frames,
// as a float64 — and derives both the fast integer-stride path and the
// interpolating path from it.
package resample

// spaceFactor is extra ring headroom to tolerate samplerate fluctuations
// and non-power-of-two block sizes (spec §4.7: "~2.5x the larger of input
// and output block sizes").
const spaceFactor = 2.5

// Resampler is a streaming, variable-ratio resampler over interleaved
// float32 samples. Not safe for concurrent use; the Sink's audio thread is
// the sole caller for a given source's resampler.
type Resampler struct {
	channels int
	capacity int // frames

	buffer []float32 // capacity * channels, interleaved

	writePos int     // frames, integer (write is always frame-aligned)
	readPos  float64 // frames, fractional
	balance  float64 // buffered frames available to read, unified unit

	ratio      float64 // ideal srto/srfrom
	curRatio   float64 // possibly-adjusted ratio after Update()
}

// New returns a zero Resampler; call Setup before use.
func New() *Resampler { return &Resampler{} }

// Setup configures the resampler for a given in/out block size and sample
// rate pair, and allocates its ring buffer. It discards any buffered data.
func (r *Resampler) Setup(inBlock, outBlock, inRate, outRate, channels int) {
	r.channels = channels
	ratio := float64(outRate) / float64(inRate)
	var blockFrames float64
	if ratio < 1.0 {
		blockFrames = maxF(float64(inBlock), float64(outBlock)/ratio+0.5)
	} else {
		blockFrames = maxF(float64(inBlock), float64(outBlock))
	}
	r.capacity = int(blockFrames * spaceFactor)
	if r.capacity < 1 {
		r.capacity = 1
	}
	r.buffer = make([]float32, r.capacity*channels)
	r.writePos = 0
	r.readPos = 0
	r.balance = 0
	r.Update(float64(inRate), float64(outRate))
}

// Update recomputes the resampling ratio without flushing buffered data —
// used when the Sink's measured sample rate drifts (spec §4.6: "advancing
// it by source_rate / sink_rate_measured").
func (r *Resampler) Update(srFrom, srTo float64) {
	if srFrom == srTo {
		r.curRatio = 1
	} else {
		r.curRatio = srTo / srFrom
	}
	r.ratio = r.curRatio
}

// Ratio returns the current (possibly drift-adjusted) resampling ratio, a
// read-only diagnostic (SPEC_FULL.md supplemented feature 5). The Sink's
// dynamic_resampling option changes the ratio through Update; the Sink does
// not read it back through Ratio.
func (r *Resampler) Ratio() float64 { return r.curRatio }

// Clear discards all buffered data without reconfiguring channels/capacity.
func (r *Resampler) Clear() {
	r.writePos = 0
	r.readPos = 0
	r.balance = 0
}

// Write appends n frames (n*channels samples) of interleaved input. Fails
// if there isn't enough free space (spec §4.7).
func (r *Resampler) Write(data []float32, n int) bool {
	if float64(r.capacity)-r.balance < float64(n) {
		return false
	}
	size := r.capacity
	end := r.writePos + n
	split := n
	if end > size {
		split = size - r.writePos
	}
	copy(r.buffer[r.writePos*r.channels:], data[:split*r.channels])
	if split < n {
		copy(r.buffer[0:], data[split*r.channels:n*r.channels])
	}
	r.writePos += n
	if r.writePos >= size {
		r.writePos -= size
	}
	r.balance += float64(n)
	return true
}

// Read fills n output frames by resampling from the buffered input.
// Interpolation policy (spec §4.7):
//   - advance == 1 and read position integral: straight copy.
//   - advance is an integer > 1 and position integral: decimate by stride.
//   - otherwise: linear interpolation between adjacent samples, addressed
//     as pos*channels + ch.
//
// All three are the same formula with advance = 1/curRatio (input frames per
// output frame); the integral
// cases are just where that formula happens to land on exact samples.
func (r *Resampler) Read(data []float32, n int) bool {
	if r.channels == 0 || r.capacity == 0 {
		return false
	}
	advance := 1.0 / r.curRatio
	required := float64(n) * advance
	if r.balance < required {
		return false
	}
	limit := r.capacity
	pos := r.readPos
	for i := 0; i < n; i++ {
		index := int(pos)
		frac := pos - float64(index)
		for ch := 0; ch < r.channels; ch++ {
			idx1 := (index%limit)*r.channels + ch
			if frac == 0 {
				data[i*r.channels+ch] = r.buffer[idx1]
				continue
			}
			idx2 := ((index+1)%limit)*r.channels + ch
			a := r.buffer[idx1]
			b := r.buffer[idx2]
			data[i*r.channels+ch] = a + float32(frac)*(b-a)
		}
		pos += advance
		if pos >= float64(limit) {
			pos -= float64(limit)
		}
	}
	r.readPos = pos
	r.balance -= required
	return true
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
