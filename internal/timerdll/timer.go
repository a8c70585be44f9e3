// Package timerdll implements the timer + DLL filter described in spec
// §4.8: an absolute-time/elapsed-time tracker plus a digital locked-loop
// (Fons Adriaensen, "Using a DLL to filter time") that estimates the
// effective sample rate from block arrival timestamps, with a moving-average
// outlier check that signals xruns.
package timerdll

import "math"

// State is the timer's three-state machine (spec §4.8).
type State int

const (
	StateReset State = iota
	StateOK
	StateError
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateOK:
		return "ok"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// movingAverageSize is the outlier-check window (spec §4.8: "A moving
// average window of recent deltas smooths the outlier test").
const movingAverageSize = 64

// Timer tracks absolute NTP time per process call, elapsed seconds since
// setup, and drives a DLL filter to estimate the effective sample rate.
// Not safe for concurrent use; guarded by the owning Source/Sink's
// shared-mutex (spec §5).
type Timer struct {
	state State

	sampleRate int
	blockSize  int
	tolerance  float64 // fraction of nominal block period

	nominalPeriod float64 // blockSize / sampleRate
	lastAbsolute  float64 // last absolute time fed to Update, as seconds
	elapsed       float64 // running elapsed-seconds total

	dll dll

	avgBuf   [movingAverageSize]float64
	avgHead  int
	avgSum   float64
	avgCount int

	checkEnabled bool
}

// Setup (re)configures the timer for a given nominal format and enables (or
// disables) the deviation check.
func (t *Timer) Setup(sampleRate, blockSize int, tolerance float64, check bool) {
	t.state = StateReset
	t.sampleRate = sampleRate
	t.blockSize = blockSize
	t.tolerance = tolerance
	if sampleRate > 0 {
		t.nominalPeriod = float64(blockSize) / float64(sampleRate)
	}
	t.elapsed = 0
	t.avgHead = 0
	t.avgSum = 0
	t.avgCount = 0
	t.checkEnabled = check
	t.dll.reset()
}

// Reset transitions back to the un-initialized state; the next Update call
// re-anchors the timer.
func (t *Timer) Reset() {
	t.state = StateReset
	t.elapsed = 0
	t.avgHead = 0
	t.avgSum = 0
	t.avgCount = 0
	t.dll.reset()
}

// GetElapsed returns the elapsed-seconds scalar since the timer was last
// reset/anchored.
func (t *Timer) GetElapsed() float64 { return t.elapsed }

// Update advances the timer with the absolute time (seconds) of the current
// process call and reports the resulting state plus the deviation (seconds)
// from the nominal block period, if any.
func (t *Timer) Update(nowSeconds float64) (State, float64) {
	if t.state == StateReset {
		t.lastAbsolute = nowSeconds
		t.elapsed = 0
		t.dll.setup(t.sampleRate, t.blockSize)
		t.state = StateOK
		return t.state, 0
	}

	delta := nowSeconds - t.lastAbsolute
	t.lastAbsolute = nowSeconds
	t.elapsed += delta

	if t.checkEnabled && t.nominalPeriod > 0 {
		avg := t.pushAverage(delta)
		dev := avg - t.nominalPeriod
		if math.Abs(dev) > t.tolerance*t.nominalPeriod {
			t.state = StateError
			return t.state, dev
		}
	}

	t.dll.update(t.elapsed)
	t.state = StateOK
	return t.state, 0
}

// pushAverage folds delta into the moving-average window and returns the
// window's current mean, smoothing single-block outliers out of the
// deviation test (spec §4.8).
func (t *Timer) pushAverage(delta float64) float64 {
	if t.avgCount < movingAverageSize {
		t.avgCount++
	} else {
		t.avgSum -= t.avgBuf[t.avgHead]
	}
	t.avgBuf[t.avgHead] = delta
	t.avgSum += delta
	t.avgHead = (t.avgHead + 1) % movingAverageSize
	return t.avgSum / float64(t.avgCount)
}

// Period returns the DLL's current estimate of the block period (seconds).
func (t *Timer) Period() float64 { return t.dll.period }

// SampleRate returns the DLL's current estimate of the effective sample
// rate (samples per second) given the configured block size.
func (t *Timer) SampleRate() float64 {
	if t.dll.period <= 0 {
		return float64(t.sampleRate)
	}
	return float64(t.blockSize) / t.dll.period
}

// dll implements the two-pole digital locked loop.
type dll struct {
	bandwidth float64
	period    float64
	b, c      float64
	e2        float64
}

const defaultBandwidth = 0.01 // AOO_DLL_BANDWIDTH default

func (d *dll) setup(sampleRate, blockSize int) {
	if d.bandwidth == 0 {
		d.bandwidth = defaultBandwidth
	}
	if sampleRate <= 0 {
		d.period = 0
		return
	}
	period := float64(blockSize) / float64(sampleRate)
	omega := 2 * math.Pi * d.bandwidth * period
	d.b = math.Sqrt2 * omega
	d.c = omega * omega
	d.period = period
	d.e2 = period
}

func (d *dll) reset() {
	d.period = 0
	d.e2 = 0
}

// update takes the time elapsed since the anchor (seconds); e2 is the
// predicted elapsed time of the next update.
func (d *dll) update(elapsed float64) {
	if d.period == 0 {
		d.period = elapsed
		d.e2 = elapsed + d.period
		return
	}
	e := elapsed - d.e2
	d.e2 += d.b*e + d.period
	d.period += d.c * e
}

// SetBandwidth sets the DLL loop bandwidth (spec control option
// dll_bandwidth, 0-1).
func (t *Timer) SetBandwidth(bw float64) { t.dll.bandwidth = bw }
