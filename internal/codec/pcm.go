package codec

import (
	"encoding/binary"
	"math"
)

// PCMBitDepth enumerates the bit depths spec §4.1 requires: int16, int24,
// float32, float64. The wire representation is always big-endian
// regardless of host endianness ("endian-neutral big-endian on the wire").
type PCMBitDepth int

const (
	PCMInt16 PCMBitDepth = iota
	PCMInt24
	PCMFloat32
	PCMFloat64
)

func (d PCMBitDepth) bytesPerSample() int {
	switch d {
	case PCMInt16:
		return 2
	case PCMInt24:
		return 3
	case PCMFloat32:
		return 4
	case PCMFloat64:
		return 8
	default:
		return 4
	}
}

type pcmCodec struct{}

func newPCMCodec() Codec { return pcmCodec{} }

func (pcmCodec) Name() string { return "pcm" }

func (pcmCodec) NewEncoder() Encoder { return &pcmCoder{depth: PCMFloat32} }
func (pcmCodec) NewDecoder() Decoder { return &pcmCoder{depth: PCMFloat32} }

// SerializeFormat writes a single tail byte carrying the bit depth. It always
// writes PCMFloat32, because Header has no bit-depth field; an encoder or
// decoder uses another depth only when the tail given to its SetFormat
// names one.
func (pcmCodec) SerializeFormat(h Header) ([]byte, error) {
	return []byte{byte(PCMFloat32)}, nil
}

func (pcmCodec) DeserializeFormat(base Header, tail []byte) (Header, error) {
	return base, nil
}

// pcmCoder implements both Encoder and Decoder: PCM is symmetric, and
// keeping one type avoids duplicating the bit-depth switch.
type pcmCoder struct {
	depth      PCMBitDepth
	header     Header
}

func (c *pcmCoder) SetFormat(h Header, tail []byte) error {
	if h.Channels <= 0 || h.SampleRate <= 0 || h.BlockSize <= 0 {
		return ErrBufferTooSmall
	}
	c.header = h
	if len(tail) >= 1 {
		c.depth = PCMBitDepth(tail[0])
	}
	return nil
}

func (c *pcmCoder) GetFormat() (Header, []byte) {
	return c.header, []byte{byte(c.depth)}
}

func (c *pcmCoder) Reset() {}

func (c *pcmCoder) Encode(samples []float32, dst []byte) (int, error) {
	n := len(samples)
	need := n * c.depth.bytesPerSample()
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	switch c.depth {
	case PCMInt16:
		for i, s := range samples {
			v := clampInt16(s)
			binary.BigEndian.PutUint16(dst[i*2:], uint16(v))
		}
	case PCMInt24:
		for i, s := range samples {
			v := clampInt24(s)
			off := i * 3
			dst[off] = byte(v >> 16)
			dst[off+1] = byte(v >> 8)
			dst[off+2] = byte(v)
		}
	case PCMFloat64:
		for i, s := range samples {
			binary.BigEndian.PutUint64(dst[i*8:], math.Float64bits(float64(s)))
		}
	default: // PCMFloat32
		for i, s := range samples {
			binary.BigEndian.PutUint32(dst[i*4:], math.Float32bits(s))
		}
	}
	return need, nil
}

func (c *pcmCoder) Decode(src []byte, dst []float32) (int, error) {
	n := len(dst)
	if len(src) == 0 {
		// Concealed/dropped block: produce silence (spec §4.1 contract).
		for i := range dst {
			dst[i] = 0
		}
		return n, nil
	}
	bps := c.depth.bytesPerSample()
	avail := len(src) / bps
	if avail < n {
		n = avail
	}
	switch c.depth {
	case PCMInt16:
		for i := 0; i < n; i++ {
			v := int16(binary.BigEndian.Uint16(src[i*2:]))
			dst[i] = float32(v) / 32768.0
		}
	case PCMInt24:
		for i := 0; i < n; i++ {
			off := i * 3
			v := int32(src[off])<<16 | int32(src[off+1])<<8 | int32(src[off+2])
			if v&0x800000 != 0 {
				v |= ^0xffffff // sign-extend
			}
			dst[i] = float32(v) / 8388608.0
		}
	case PCMFloat64:
		for i := 0; i < n; i++ {
			bits := binary.BigEndian.Uint64(src[i*8:])
			dst[i] = float32(math.Float64frombits(bits))
		}
	default: // PCMFloat32
		for i := 0; i < n; i++ {
			bits := binary.BigEndian.Uint32(src[i*4:])
			dst[i] = math.Float32frombits(bits)
		}
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return len(dst), nil
}

func clampInt16(s float32) int16 {
	v := s * 32768.0
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func clampInt24(s float32) int32 {
	v := s * 8388608.0
	if v > 8388607 {
		return 8388607
	}
	if v < -8388608 {
		return -8388608
	}
	return int32(v)
}
