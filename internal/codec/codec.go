// Package codec implements the AOO codec abstraction (spec §4.1): a named
// factory producing encoder/decoder instances, plus a process-wide registry.
// Samples are always interleaved float32; the wire payload format is each
// codec's own business.
package codec

import (
	"errors"
	"sync"
)

// ErrBufferTooSmall is returned by Encode when the caller's buffer cannot
// hold the encoded block.
var ErrBufferTooSmall = errors.New("aoo/codec: buffer too small")

// Header is the codec-agnostic part of a format descriptor; the codec
// serializes/deserializes only its own tail bytes.
type Header struct {
	Channels   int
	SampleRate int
	BlockSize int
}

// Encoder turns interleaved float32 samples into an encoded byte block.
type Encoder interface {
	SetFormat(h Header, tail []byte) error
	GetFormat() (Header, []byte)
	Reset()
	// Encode fills dst and returns the number of bytes written, or
	// ErrBufferTooSmall if dst cannot hold the encoded block.
	Encode(samples []float32, dst []byte) (int, error)
}

// Decoder turns an encoded byte block back into interleaved float32 samples.
// A nil/empty input means "concealed/dropped block — produce silence"
// (spec §4.1 contract).
type Decoder interface {
	SetFormat(h Header, tail []byte) error
	GetFormat() (Header, []byte)
	Reset()
	Decode(src []byte, dst []float32) (int, error)
}

// Codec is a named factory for encoder/decoder instances plus the
// stateless header (de)serialization spec §4.1 requires.
type Codec interface {
	Name() string
	NewEncoder() Encoder
	NewDecoder() Decoder
	// SerializeFormat renders a Header's codec-specific tail.
	SerializeFormat(h Header) ([]byte, error)
	// DeserializeFormat parses a tail blob into a Header, merged onto base
	// (base already carries channels/rate/blocksize from the wire).
	DeserializeFormat(base Header, tail []byte) (Header, error)
}

// Registry maps codec names to factories. Registration is a one-time,
// process-wide operation performed by RegisterBuiltins and, optionally, the
// host (spec §4.1 "registration is a one-time process-wide operation").
type Registry struct {
	mu    sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec under its own Name(). Re-registering the same name
// overwrites the previous entry.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Lookup finds a codec by name.
func (r *Registry) Lookup(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Names returns the registered codec names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		out = append(out, name)
	}
	return out
}

// RegisterBuiltins registers the PCM and Opus codecs.
func RegisterBuiltins(r *Registry) {
	r.Register(newPCMCodec())
	r.Register(newOpusCodec())
}
