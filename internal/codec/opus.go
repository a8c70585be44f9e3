package codec

import (
	"encoding/binary"

	"gopkg.in/hraban/opus.v2"
)

// opusCodec wraps the single-stream libopus encoder/decoder (spec §4.1's
// second built-in). Only mono and stereo are supported; SetFormat rejects
// more channels, and there is no multistream mode. Tail bytes carry the 4-byte big-endian bitrate and a
// one-byte application hint so the sink's decoder is informed even though
// decoding itself doesn't need it.
type opusCodec struct{}

func newOpusCodec() Codec { return opusCodec{} }

func (opusCodec) Name() string { return "opus" }

func (opusCodec) NewEncoder() Encoder { return &opusEncoder{bitrate: 32000} }
func (opusCodec) NewDecoder() Decoder { return &opusDecoder{} }

func (opusCodec) SerializeFormat(h Header) ([]byte, error) {
	tail := make([]byte, 5)
	binary.BigEndian.PutUint32(tail, uint32(32000))
	tail[4] = byte(opus.AppAudio)
	return tail, nil
}

func (opusCodec) DeserializeFormat(base Header, tail []byte) (Header, error) {
	return base, nil
}

type opusEncoder struct {
	enc     *opus.Encoder
	header  Header
	bitrate int
}

func (e *opusEncoder) SetFormat(h Header, tail []byte) error {
	if h.Channels <= 0 || h.Channels > 2 {
		// libopus's simple (non-multistream) API only natively supports
		// mono/stereo; channel fan-out beyond that is a host/codec-payload
		// concern outside this core (spec §1).
		return ErrBufferTooSmall
	}
	app := opus.AppAudio
	if len(tail) >= 5 {
		e.bitrate = int(binary.BigEndian.Uint32(tail))
		app = opus.Application(tail[4])
	}
	enc, err := opus.NewEncoder(h.SampleRate, h.Channels, app)
	if err != nil {
		return err
	}
	if e.bitrate > 0 {
		_ = enc.SetBitrate(e.bitrate)
	}
	e.enc = enc
	e.header = h
	return nil
}

func (e *opusEncoder) GetFormat() (Header, []byte) {
	tail := make([]byte, 5)
	binary.BigEndian.PutUint32(tail, uint32(e.bitrate))
	tail[4] = byte(opus.AppAudio)
	return e.header, tail
}

func (e *opusEncoder) Reset() {
	if e.enc == nil {
		return
	}
	enc, err := opus.NewEncoder(e.header.SampleRate, e.header.Channels, opus.AppAudio)
	if err != nil {
		return
	}
	if e.bitrate > 0 {
		_ = enc.SetBitrate(e.bitrate)
	}
	e.enc = enc
}

func (e *opusEncoder) Encode(samples []float32, dst []byte) (int, error) {
	if e.enc == nil {
		return 0, ErrBufferTooSmall
	}
	n, err := e.enc.EncodeFloat32(samples, dst)
	if err != nil {
		if len(dst) == 0 {
			return 0, ErrBufferTooSmall
		}
		return 0, err
	}
	return n, nil
}

type opusDecoder struct {
	dec    *opus.Decoder
	header Header
}

func (d *opusDecoder) SetFormat(h Header, tail []byte) error {
	if h.Channels <= 0 || h.Channels > 2 {
		return ErrBufferTooSmall
	}
	dec, err := opus.NewDecoder(h.SampleRate, h.Channels)
	if err != nil {
		return err
	}
	d.dec = dec
	d.header = h
	return nil
}

func (d *opusDecoder) GetFormat() (Header, []byte) {
	return d.header, nil
}

func (d *opusDecoder) Reset() {
	if d.header.SampleRate > 0 {
		dec, err := opus.NewDecoder(d.header.SampleRate, d.header.Channels)
		if err == nil {
			d.dec = dec
		}
	}
}

func (d *opusDecoder) Decode(src []byte, dst []float32) (int, error) {
	if d.dec == nil {
		for i := range dst {
			dst[i] = 0
		}
		return len(dst), nil
	}
	if len(src) == 0 {
		// Concealed/dropped block: ask libopus for packet-loss concealment
		// by decoding a nil packet, per the library's own PLC contract.
		n, err := d.dec.DecodeFloat32(nil, dst)
		if err != nil {
			for i := range dst {
				dst[i] = 0
			}
			return len(dst), nil
		}
		return n * d.header.Channels, nil
	}
	n, err := d.dec.DecodeFloat32(src, dst)
	if err != nil {
		for i := range dst {
			dst[i] = 0
		}
		return len(dst), nil
	}
	return n * d.header.Channels, nil
}
