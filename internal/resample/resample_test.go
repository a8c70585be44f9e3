package resample

import "testing"

func TestUnityRatioRoundTrip(t *testing.T) {
	r := New()
	r.Setup(64, 64, 48000, 48000, 2)
	in := make([]float32, 64*2)
	for i := range in {
		in[i] = float32(i)
	}
	if !r.Write(in, 64) {
		t.Fatal("write failed")
	}
	out := make([]float32, 64*2)
	if !r.Read(out, 64) {
		t.Fatal("read failed")
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("unity resample mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestWriteFailsWhenFull(t *testing.T) {
	r := New()
	r.Setup(16, 16, 48000, 48000, 1)
	big := make([]float32, 1<<20)
	if r.Write(big, len(big)) {
		t.Fatal("expected write to fail when exceeding capacity")
	}
}

func TestReadFailsWhenInsufficientData(t *testing.T) {
	r := New()
	r.Setup(16, 16, 48000, 48000, 1)
	out := make([]float32, 16)
	if r.Read(out, 16) {
		t.Fatal("expected read to fail on empty buffer")
	}
}

func TestDownsampleByHalf(t *testing.T) {
	r := New()
	r.Setup(64, 32, 48000, 24000, 1)
	in := make([]float32, 64)
	for i := range in {
		in[i] = float32(i)
	}
	if !r.Write(in, 64) {
		t.Fatal("write failed")
	}
	out := make([]float32, 32)
	if !r.Read(out, 32) {
		t.Fatal("read failed")
	}
	// Every other input sample should appear, in order.
	if out[0] != 0 || out[1] != 2 {
		t.Fatalf("unexpected decimation: %v", out[:4])
	}
}

func TestRatioReflectsUpdate(t *testing.T) {
	r := New()
	r.Setup(16, 16, 48000, 48000, 1)
	if r.Ratio() != 1 {
		t.Fatalf("expected ratio 1, got %v", r.Ratio())
	}
	r.Update(48000, 47990) // sink running slightly slow
	if r.Ratio() == 1 {
		t.Fatal("expected ratio to reflect drift after Update")
	}
}
