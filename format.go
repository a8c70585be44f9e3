package aoo

// Format is the format descriptor shared on the wire in /format messages
// (spec §3): codec name, channel count, sample rate, block size (samples
// per channel), plus a codec-specific tail blob serialized/deserialized by
// the codec itself.
type Format struct {
	Codec      string
	Channels   int
	SampleRate int
	BlockSize  int // samples per channel
	Tail       []byte
}

// Validate checks the fields every codec-agnostic caller can check before
// handing Tail to the codec for its own validation.
func (f Format) Validate() error {
	if f.Codec == "" {
		return ErrBadArgument
	}
	if f.Channels <= 0 {
		return ErrBadArgument
	}
	if f.SampleRate <= 0 {
		return ErrBadArgument
	}
	if f.BlockSize <= 0 {
		return ErrBadArgument
	}
	return nil
}

// Clone returns a deep copy of f (Tail is a distinct backing array).
func (f Format) Clone() Format {
	tail := make([]byte, len(f.Tail))
	copy(tail, f.Tail)
	return Format{
		Codec:      f.Codec,
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
		BlockSize:  f.BlockSize,
		Tail:       tail,
	}
}
