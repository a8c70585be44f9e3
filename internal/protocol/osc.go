// Package protocol implements the AOO wire protocol (spec §4.9): OSC
// address-pattern messages between Source and Sink, and a compact binary
// framing used as an alternative encoding for /data messages. OSC is
// big-endian; the binary framing uses network byte order; both are decoded
// identically regardless of which one built them, since the receive path
// must accept either encoding.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ErrMalformed is returned by any parse function on a truncated or
// structurally invalid message. Per spec §7, callers log at verbose level
// and drop the datagram — they never propagate this across the FFI-style
// boundary as a fatal error.
var ErrMalformed = errors.New("aoo/protocol: malformed message")

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// oscWriteString writes s as a null-terminated, 4-byte-padded OSC string.
func oscWriteString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// oscReadString reads a null-terminated, 4-byte-padded OSC string starting
// at off, returning the string and the offset just past its padding.
func oscReadString(data []byte, off int) (string, int, error) {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, ErrMalformed
	}
	s := string(data[off:end])
	next := pad4(end + 1 - off) + off
	if next > len(data) {
		return "", 0, ErrMalformed
	}
	return s, next, nil
}

func oscWriteBlob(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func oscReadBlob(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrMalformed
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	start := off + 4
	if n < 0 || start+n > len(data) {
		return nil, 0, ErrMalformed
	}
	b := make([]byte, n)
	copy(b, data[start:start+n])
	next := pad4(n) + start
	if next > len(data) {
		next = len(data)
	}
	return b, next, nil
}

func oscWriteInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func oscReadInt32(data []byte, off int) (int32, int, error) {
	if off+4 > len(data) {
		return 0, 0, ErrMalformed
	}
	return int32(binary.BigEndian.Uint32(data[off:])), off + 4, nil
}

func oscWriteInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func oscReadInt64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, 0, ErrMalformed
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func oscWriteFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func oscReadFloat64(data []byte, off int) (float64, int, error) {
	if off+8 > len(data) {
		return 0, 0, ErrMalformed
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

// Message is a generic parsed OSC message: an address pattern plus a
// type-tagged argument list, used as the envelope for every AOO address
// below before it is decoded into a concrete typed struct.
type Message struct {
	Address string
	Types   string // e.g. "iihs" — one rune per argument
	Ints32   []int32
	Ints64   []int64
	Floats64 []float64
	Blobs    [][]byte
	Strings  []string
}

// oscEncoder accumulates typed arguments for a single Message and then
// renders the full OSC packet.
type oscEncoder struct {
	address string
	types   bytes.Buffer
	args    bytes.Buffer
}

func newOSCEncoder(address string) *oscEncoder {
	return &oscEncoder{address: address}
}

func (e *oscEncoder) Int32(v int32) *oscEncoder {
	e.types.WriteByte('i')
	oscWriteInt32(&e.args, v)
	return e
}

func (e *oscEncoder) Int64(v int64) *oscEncoder {
	e.types.WriteByte('h')
	oscWriteInt64(&e.args, v)
	return e
}

func (e *oscEncoder) Float64(v float64) *oscEncoder {
	e.types.WriteByte('d')
	oscWriteFloat64(&e.args, v)
	return e
}

func (e *oscEncoder) String(s string) *oscEncoder {
	e.types.WriteByte('s')
	oscWriteString(&e.args, s)
	return e
}

func (e *oscEncoder) Blob(b []byte) *oscEncoder {
	e.types.WriteByte('b')
	oscWriteBlob(&e.args, b)
	return e
}

func (e *oscEncoder) Bytes() []byte {
	var out bytes.Buffer
	oscWriteString(&out, e.address)
	oscWriteString(&out, ","+e.types.String())
	out.Write(e.args.Bytes())
	return out.Bytes()
}

// parseOSC parses a raw OSC message into address + generic typed argument
// lists, in argument order. Unknown type tags abort with ErrMalformed.
func parseOSC(data []byte) (*Message, error) {
	addr, off, err := oscReadString(data, 0)
	if err != nil {
		return nil, err
	}
	typeTag, off, err := oscReadString(data, off)
	if err != nil {
		return nil, err
	}
	if len(typeTag) == 0 || typeTag[0] != ',' {
		return nil, ErrMalformed
	}
	types := typeTag[1:]
	msg := &Message{Address: addr, Types: types}
	for _, tag := range types {
		switch tag {
		case 'i':
			var v int32
			v, off, err = oscReadInt32(data, off)
			if err != nil {
				return nil, err
			}
			msg.Ints32 = append(msg.Ints32, v)
		case 'h':
			var v int64
			v, off, err = oscReadInt64(data, off)
			if err != nil {
				return nil, err
			}
			msg.Ints64 = append(msg.Ints64, v)
		case 'd':
			var v float64
			v, off, err = oscReadFloat64(data, off)
			if err != nil {
				return nil, err
			}
			msg.Floats64 = append(msg.Floats64, v)
		case 's':
			var v string
			v, off, err = oscReadString(data, off)
			if err != nil {
				return nil, err
			}
			msg.Strings = append(msg.Strings, v)
		case 'b':
			var v []byte
			v, off, err = oscReadBlob(data, off)
			if err != nil {
				return nil, err
			}
			msg.Blobs = append(msg.Blobs, v)
		default:
			return nil, ErrMalformed
		}
	}
	return msg, nil
}
