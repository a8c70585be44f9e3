package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestFormatAnnounceRoundTrip(t *testing.T) {
	want := FormatAnnounce{
		SinkID: 3, SourceID: 7, VMajor: 2, VMinor: 0, VPatch: 0, Salt: 42,
		Channels: 2, SampleRate: 48000, BlockSize: 256,
		CodecName: "pcm", CodecTail: []byte{1, 2, 3}, Metadata: []byte("hi"),
	}
	dec, err := ParseIncoming(want.Marshal())
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec.FormatAnnounce == nil {
		t.Fatal("expected FormatAnnounce")
	}
	got := *dec.FormatAnnounce
	if got.SinkID != want.SinkID || got.SourceID != want.SourceID || got.Salt != want.Salt ||
		got.Channels != want.Channels || got.SampleRate != want.SampleRate ||
		got.BlockSize != want.BlockSize || got.CodecName != want.CodecName ||
		!bytes.Equal(got.CodecTail, want.CodecTail) || !bytes.Equal(got.Metadata, want.Metadata) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDataFrameOSCRoundTrip(t *testing.T) {
	want := DataFrame{
		SinkID: 1, SourceID: 5, Salt: 9, Sequence: 123456789,
		SampleRate: 44100, ChannelOnset: 0, TotalSize: 1024, FrameCount: 4, FrameIndex: 2,
		Payload: []byte("payload-bytes"),
	}
	dec, err := ParseIncoming(want.Marshal())
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec.DataFrame == nil {
		t.Fatal("expected DataFrame")
	}
	got := *dec.DataFrame
	if got.SinkID != want.SinkID || got.SourceID != want.SourceID ||
		got.Salt != want.Salt || got.Sequence != want.Sequence || got.SampleRate != want.SampleRate ||
		got.ChannelOnset != want.ChannelOnset || got.TotalSize != want.TotalSize ||
		got.FrameCount != want.FrameCount || got.FrameIndex != want.FrameIndex ||
		!bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDataFrameBinaryRoundTrip(t *testing.T) {
	want := DataFrame{
		SinkID: 200, SourceID: 300, Salt: 9, Sequence: 123456789,
		SampleRate: 44100, ChannelOnset: 0, TotalSize: 1024, FrameCount: 4, FrameIndex: 2,
		Payload: []byte("payload-bytes"),
	}
	raw := MarshalBinaryDataFrame(want)
	if raw[0]&0x80 == 0 {
		t.Fatal("expected binary frame high bit set")
	}
	dec, err := ParseIncoming(raw)
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec.DataFrame == nil {
		t.Fatal("expected DataFrame")
	}
	got := *dec.DataFrame
	if got.SinkID != want.SinkID || got.SourceID != want.SourceID || got.Salt != want.Salt ||
		got.Sequence != want.Sequence || got.SampleRate != want.SampleRate ||
		got.ChannelOnset != want.ChannelOnset || got.TotalSize != want.TotalSize ||
		got.FrameCount != want.FrameCount || got.FrameIndex != want.FrameIndex ||
		!bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("binary round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDataRequestBinaryRoundTrip(t *testing.T) {
	want := DataRequest{
		SourceID: 1, SinkID: 2, Salt: 77,
		Entries: []DataRequestEntry{{Sequence: 10, Frame: -1}, {Sequence: 11, Frame: 0}},
	}
	raw := MarshalBinaryDataRequest(want)
	dec, err := ParseIncoming(raw)
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec.DataRequest == nil {
		t.Fatal("expected DataRequest")
	}
	got := *dec.DataRequest
	if got.SourceID != want.SourceID || got.SinkID != want.SinkID || got.Salt != want.Salt ||
		len(got.Entries) != len(want.Entries) {
		t.Fatalf("mismatch: got %+v want %+v", got, want)
	}
	for i := range want.Entries {
		if got.Entries[i] != want.Entries[i] {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got.Entries[i], want.Entries[i])
		}
	}
}

func TestPingRoundTrip(t *testing.T) {
	req := PingRequest{SourceID: 1, SinkID: 2, SendTime: 0x0102030405060708}
	dec, err := ParseIncoming(req.Marshal())
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec.PingRequest == nil || dec.PingRequest.SendTime != req.SendTime {
		t.Fatalf("ping request mismatch: %+v", dec.PingRequest)
	}

	reply := PingReply{SinkID: 2, SourceID: 1, SendTime: 99, EchoSendTime: req.SendTime}
	dec2, err := ParseIncoming(reply.Marshal())
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if dec2.PingReply == nil || dec2.PingReply.EchoSendTime != req.SendTime {
		t.Fatalf("ping reply mismatch: %+v", dec2.PingReply)
	}
}

func TestInviteUninviteRoundTrip(t *testing.T) {
	inv := Invite{SourceID: 4, SinkID: 9, Token: 555}
	dec, err := ParseIncoming(inv.Marshal())
	if err != nil || dec.Invite == nil || dec.Invite.Token != 555 {
		t.Fatalf("invite round trip failed: %v %+v", err, dec)
	}
	uninv := Uninvite{SourceID: 4, SinkID: 9}
	dec2, err := ParseIncoming(uninv.Marshal())
	if err != nil || dec2.Uninvite == nil || dec2.Uninvite.SinkID != 9 {
		t.Fatalf("uninvite round trip failed: %v %+v", err, dec2)
	}
}

func TestRelayWrapUnwrap(t *testing.T) {
	addr := []byte("10.0.0.5:9000")
	inner := []byte("inner-packet-bytes")
	wrapped := WrapRelay(addr, inner)
	gotAddr, gotInner, err := UnwrapRelay(wrapped)
	if err != nil {
		t.Fatalf("UnwrapRelay: %v", err)
	}
	if !bytes.Equal(gotAddr, addr) || !bytes.Equal(gotInner, inner) {
		t.Fatalf("relay round trip mismatch: addr=%q inner=%q", gotAddr, gotInner)
	}
}

func TestMalformedInputsRejected(t *testing.T) {
	// Right type-tag shape, one trailing int32 arg short of what the typed
	// struct indexes — must be rejected, not panic with an index out of range.
	shortFormat := newOSCEncoder(addressFor(DomainSink, idToken(1), CmdFormat)).
		Int32(1).Int32(2).Int32(0).Int32(0).Int32(42).Int32(2). // only 6 int32s, BlockSize missing
		Float64(48000).String("pcm").Blob(nil).Blob(nil).Bytes()
	shortDataFrame := newOSCEncoder(addressFor(DomainSink, idToken(1), CmdData)).
		Int32(5).Int32(9).Int64(123).Float64(44100).
		Int32(0).Int32(1024).Int32(4). // only 5 int32s, FrameIndex missing
		Blob([]byte("x")).Bytes()

	cases := [][]byte{
		nil,
		{},
		[]byte("/aoo/src/1/format"), // missing type tag
		{0x80},                      // binary too short
		{0x80, 0x00},                // binary header with no ids
		shortFormat,
		shortDataFrame,
	}
	for i, c := range cases {
		if _, err := ParseIncoming(c); err == nil {
			t.Fatalf("case %d: expected error for %q", i, c)
		}
	}
}

// TestBinaryDataFrameRapid checks the spec §8 invariant that the binary
// framing round trip preserves every semantic field regardless of whether
// the ids happen to fall in the small (1-byte) or extended (4-byte) range.
func TestBinaryDataFrameRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		want := DataFrame{
			SinkID:       int32(rapid.IntRange(0, 100000).Draw(rt, "sinkID")),
			SourceID:     int32(rapid.IntRange(0, 100000).Draw(rt, "sourceID")),
			Salt:         int32(rapid.IntRange(-1000, 1000).Draw(rt, "salt")),
			Sequence:     rapid.Int64Range(0, 1<<40).Draw(rt, "seq"),
			SampleRate:   rapid.Float64Range(8000, 192000).Draw(rt, "sr"),
			ChannelOnset: int32(rapid.IntRange(0, 64).Draw(rt, "onset")),
			TotalSize:    int32(rapid.IntRange(0, 65536).Draw(rt, "total")),
			FrameCount:   int32(rapid.IntRange(1, 16).Draw(rt, "count")),
			FrameIndex:   int32(rapid.IntRange(0, 15).Draw(rt, "index")),
			Payload:      []byte(rapid.StringN(0, 64, 64).Draw(rt, "payload")),
		}
		raw := MarshalBinaryDataFrame(want)
		dec, err := ParseIncoming(raw)
		if err != nil {
			rt.Fatalf("ParseIncoming: %v", err)
		}
		got := *dec.DataFrame
		if got.SinkID != want.SinkID || got.SourceID != want.SourceID || got.Salt != want.Salt ||
			got.Sequence != want.Sequence || got.SampleRate != want.SampleRate ||
			got.ChannelOnset != want.ChannelOnset || got.TotalSize != want.TotalSize ||
			got.FrameCount != want.FrameCount || got.FrameIndex != want.FrameIndex ||
			!bytes.Equal(got.Payload, want.Payload) {
			rt.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	})
}
