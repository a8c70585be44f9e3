package aoo

import (
	"testing"
	"time"
)

// loopbackSend feeds every outbound datagram straight into the matching
// peer's HandleMessage, modeling a perfect local network for the
// lossless-loopback scenario (spec.md §8 scenario 1).
func loopbackSend(srcAddr, sinkAddr Address, src *Source, sink *Sink) SendFunc {
	return func(user any, data []byte, addr Address) error {
		if addr.Equal(sinkAddr) {
			return sink.HandleMessage(data, srcAddr)
		}
		if addr.Equal(srcAddr) {
			return src.HandleMessage(data, sinkAddr)
		}
		return nil
	}
}

func pumpOnce(t *testing.T, src *Source, sink *Sink, srcAddr, sinkAddr Address, in [][]float32, out [][]float32, n int, now NtpTime) {
	t.Helper()
	send := loopbackSend(srcAddr, sinkAddr, src, sink)
	if err := src.Process(in, n, now); err != nil {
		t.Fatalf("source process: %v", err)
	}
	if err := src.Send(send, nil); err != nil {
		t.Fatalf("source send: %v", err)
	}
	if err := sink.Process(out, n, now); err != nil {
		t.Fatalf("sink process: %v", err)
	}
	if err := sink.Send(send, nil); err != nil {
		t.Fatalf("sink send: %v", err)
	}
}

// blockTime returns the NTP time of the i-th block after start, so every
// process call is exactly one block period after the previous one, as a
// real audio callback would be. Feeding wall-clock time from a tight loop
// would make the timer check report an xrun on every other call.
func blockTime(start time.Time, i, blockSize, sampleRate int) NtpTime {
	return NewNtpTime(start.Add(time.Duration(i) * time.Duration(blockSize) * time.Second / time.Duration(sampleRate)))
}

func TestSourceSinkLoopbackPCM(t *testing.T) {
	if err := Initialize(Settings{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer Terminate()

	const (
		sampleRate = 48000
		blockSize  = 64
		channels   = 1
	)
	srcAddr := Address("src")
	sinkAddr := Address("sink")

	src := New(1)
	sink := NewSink(2)
	if err := src.Setup(sampleRate, blockSize, channels); err != nil {
		t.Fatalf("source setup: %v", err)
	}
	if err := sink.Setup(sampleRate, blockSize, channels); err != nil {
		t.Fatalf("sink setup: %v", err)
	}
	if err := src.SetFormat(Format{Codec: "pcm", Channels: channels, SampleRate: sampleRate, BlockSize: blockSize}); err != nil {
		t.Fatalf("set format: %v", err)
	}
	if err := src.AddSink(Endpoint{Addr: sinkAddr, ID: 2}, 0); err != nil {
		t.Fatalf("add sink: %v", err)
	}
	if err := src.StartStream(nil); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	in := [][]float32{make([]float32, blockSize)}
	for i := range in[0] {
		in[0][i] = 0.5
	}
	out := [][]float32{make([]float32, blockSize)}

	var sawStreamStart, sawSourceAdded bool
	start := time.Now()
	for i := 0; i < 8; i++ {
		pumpOnce(t, src, sink, srcAddr, sinkAddr, in, out, blockSize, blockTime(start, i, blockSize, sampleRate))
		for _, ev := range sink.PollEvents() {
			switch ev.Kind {
			case EventSourceAdded:
				sawSourceAdded = true
			case EventStreamStart:
				sawStreamStart = true
			}
		}
		for range src.PollEvents() {
		}
	}

	if !sawSourceAdded {
		t.Fatal("expected sink to observe source_added")
	}
	if !sawStreamStart {
		t.Fatal("expected sink to observe stream_start")
	}

	var gotSignal bool
	for _, s := range out[0] {
		if s > 0.1 {
			gotSignal = true
			break
		}
	}
	if !gotSignal {
		t.Fatal("expected decoded output to carry the captured signal after buffering fills")
	}
}

func TestSourceSinkLoopbackFormatChangeResetsSink(t *testing.T) {
	if err := Initialize(Settings{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer Terminate()

	const (
		sampleRate = 48000
		blockSize  = 64
		channels   = 1
	)
	srcAddr := Address("src")
	sinkAddr := Address("sink")

	src := New(1)
	sink := NewSink(2)
	src.Setup(sampleRate, blockSize, channels)
	sink.Setup(sampleRate, blockSize, channels)
	src.SetFormat(Format{Codec: "pcm", Channels: channels, SampleRate: sampleRate, BlockSize: blockSize})
	src.AddSink(Endpoint{Addr: sinkAddr, ID: 2}, 0)
	src.StartStream(nil)

	in := [][]float32{make([]float32, blockSize)}
	out := [][]float32{make([]float32, blockSize)}
	start := time.Now()
	for i := 0; i < 4; i++ {
		pumpOnce(t, src, sink, srcAddr, sinkAddr, in, out, blockSize, blockTime(start, i, blockSize, sampleRate))
		sink.PollEvents()
		src.PollEvents()
	}

	// Reissue the format (new salt) and confirm the sink treats it as a
	// fresh stream start rather than a no-op.
	if err := src.SetFormat(Format{Codec: "pcm", Channels: channels, SampleRate: sampleRate, BlockSize: blockSize}); err != nil {
		t.Fatalf("set format again: %v", err)
	}
	src.StartStream(nil)

	var sawRestart bool
	for i := 4; i < 8; i++ {
		pumpOnce(t, src, sink, srcAddr, sinkAddr, in, out, blockSize, blockTime(start, i, blockSize, sampleRate))
		for _, ev := range sink.PollEvents() {
			if ev.Kind == EventStreamStart {
				sawRestart = true
			}
		}
		src.PollEvents()
	}
	if !sawRestart {
		t.Fatal("expected a second stream_start after salt change")
	}
}
