package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Domain identifies which role a message targets, carried in the address
// pattern ("/aoo/src/..." vs "/aoo/sink/...") and mirrored as the domain
// bit of the binary framing's type byte (spec §4.9).
type Domain int

const (
	DomainSource Domain = iota // /aoo/src/<id>/...  (Sink -> Source)
	DomainSink                  // /aoo/sink/<id>/... (Source -> Sink)
	DomainPeer                  // /aoo/peer/...      (external net collaborator)
	DomainRelay                 // /aoo/relay/...     (external net collaborator)
)

// Command enumerates the AOO OSC command names (spec §4.9).
type Command string

const (
	CmdFormat   Command = "format"
	CmdData     Command = "data"
	CmdPing     Command = "ping"
	CmdInvite   Command = "invite"
	CmdUninvite Command = "uninvite"
)

func addressFor(d Domain, id string, cmd Command) string {
	var role string
	switch d {
	case DomainSource:
		role = "src"
	case DomainSink:
		role = "sink"
	case DomainPeer:
		role = "peer"
	case DomainRelay:
		role = "relay"
	}
	return fmt.Sprintf("/aoo/%s/%s/%s", role, id, cmd)
}

func idToken(id int32) string {
	if id == -1 {
		return "*"
	}
	return strconv.FormatInt(int64(id), 10)
}

// parsedAddress holds the decomposed /aoo/<role>/<id>/<cmd> pattern.
type parsedAddress struct {
	Domain Domain
	ID     int32 // -1 (wildcard) if idToken was "*"
	Cmd    Command
}

func parseAddress(addr string) (parsedAddress, bool) {
	parts := strings.Split(strings.TrimPrefix(addr, "/"), "/")
	if len(parts) != 4 || parts[0] != "aoo" {
		return parsedAddress{}, false
	}
	var dom Domain
	switch parts[1] {
	case "src":
		dom = DomainSource
	case "sink":
		dom = DomainSink
	case "peer":
		dom = DomainPeer
	case "relay":
		dom = DomainRelay
	default:
		return parsedAddress{}, false
	}
	var id int32
	if parts[2] == "*" {
		id = -1
	} else {
		v, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return parsedAddress{}, false
		}
		id = int32(v)
	}
	return parsedAddress{Domain: dom, ID: id, Cmd: Command(parts[3])}, true
}

// FormatRequest is a Sink's request for a Source's format header
// (/aoo/src/<id>/format with no prior announcement seen yet).
type FormatRequest struct {
	SourceID int32
	SinkID   int32
}

func (m FormatRequest) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSource, idToken(m.SourceID), CmdFormat)).
		Int32(m.SinkID).Bytes()
}

// FormatAnnounce is the Source's format header broadcast
// (/aoo/sink/<id>/format), extended per SPEC_FULL.md supplemented feature 1
// with an optional stream-start metadata blob.
type FormatAnnounce struct {
	SinkID     int32
	SourceID   int32
	VMajor     int32
	VMinor     int32
	VPatch     int32
	Salt       int32
	Channels   int32
	SampleRate float64
	BlockSize  int32
	CodecName  string
	CodecTail  []byte
	Metadata   []byte
}

func (m FormatAnnounce) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSink, idToken(m.SinkID), CmdFormat)).
		Int32(m.SourceID).
		Int32(m.VMajor).Int32(m.VMinor).Int32(m.VPatch).
		Int32(m.Salt).Int32(m.Channels).Float64(m.SampleRate).Int32(m.BlockSize).
		String(m.CodecName).Blob(m.CodecTail).Blob(m.Metadata).Bytes()
}

func parseFormatAnnounce(addr parsedAddress, msg *Message) (FormatAnnounce, error) {
	if len(msg.Ints32) < 7 || len(msg.Floats64) < 1 || len(msg.Strings) < 1 || len(msg.Blobs) < 2 {
		return FormatAnnounce{}, ErrMalformed
	}
	return FormatAnnounce{
		SinkID:     addr.ID,
		SourceID:   msg.Ints32[0],
		VMajor:     msg.Ints32[1],
		VMinor:     msg.Ints32[2],
		VPatch:     msg.Ints32[3],
		Salt:       msg.Ints32[4],
		Channels:   msg.Ints32[5],
		SampleRate: msg.Floats64[0],
		BlockSize:  msg.Ints32[6],
		CodecName:  msg.Strings[0],
		CodecTail:  msg.Blobs[0],
		Metadata:   msg.Blobs[1],
	}, nil
}

// DataRequestEntry is one (sequence, frame) pair in a resend request.
// Frame == -1 requests the whole block (spec §4.4).
type DataRequestEntry struct {
	Sequence int64
	Frame    int32
}

// DataRequest is a Sink's resend request (/aoo/src/<id>/data).
type DataRequest struct {
	SourceID int32
	SinkID   int32
	Salt     int32
	Entries  []DataRequestEntry
}

func (m DataRequest) Marshal() []byte {
	enc := newOSCEncoder(addressFor(DomainSource, idToken(m.SourceID), CmdData)).
		Int32(m.SinkID).Int32(m.Salt)
	for _, e := range m.Entries {
		enc.Int64(e.Sequence).Int32(e.Frame)
	}
	return enc.Bytes()
}

func parseDataRequest(addr parsedAddress, msg *Message) (DataRequest, error) {
	if len(msg.Ints32) < 2 {
		return DataRequest{}, ErrMalformed
	}
	req := DataRequest{SourceID: addr.ID, SinkID: msg.Ints32[0], Salt: msg.Ints32[1]}
	frameIdx := 2 // msg.Ints32[0]=sinkID, [1]=salt, remaining are frame numbers paired with Ints64
	for i, seq := range msg.Ints64 {
		if frameIdx+i >= len(msg.Ints32) {
			break
		}
		req.Entries = append(req.Entries, DataRequestEntry{Sequence: seq, Frame: msg.Ints32[frameIdx+i]})
	}
	return req, nil
}

// DataFrame is one fragment of an encoded block (/aoo/sink/<id>/data).
type DataFrame struct {
	SinkID       int32
	SourceID     int32
	Salt         int32
	Sequence     int64
	SampleRate   float64
	ChannelOnset int32
	TotalSize    int32
	FrameCount   int32
	FrameIndex   int32
	Payload      []byte
}

func (m DataFrame) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSink, idToken(m.SinkID), CmdData)).
		Int32(m.SourceID).Int32(m.Salt).Int64(m.Sequence).Float64(m.SampleRate).
		Int32(m.ChannelOnset).Int32(m.TotalSize).Int32(m.FrameCount).Int32(m.FrameIndex).
		Blob(m.Payload).Bytes()
}

func parseDataFrame(addr parsedAddress, msg *Message) (DataFrame, error) {
	if len(msg.Ints32) < 6 || len(msg.Ints64) < 1 || len(msg.Floats64) < 1 || len(msg.Blobs) < 1 {
		return DataFrame{}, ErrMalformed
	}
	return DataFrame{
		SinkID:       addr.ID,
		SourceID:     msg.Ints32[0],
		Salt:         msg.Ints32[1],
		Sequence:     msg.Ints64[0],
		SampleRate:   msg.Floats64[0],
		ChannelOnset: msg.Ints32[2],
		TotalSize:    msg.Ints32[3],
		FrameCount:   msg.Ints32[4],
		FrameIndex:   msg.Ints32[5],
		Payload:      msg.Blobs[0],
	}, nil
}

// PingRequest is a Sink's keepalive ping to a Source (/aoo/src/<id>/ping).
type PingRequest struct {
	SourceID int32
	SinkID   int32
	SendTime uint64 // NtpTime bit pattern
}

func (m PingRequest) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSource, idToken(m.SourceID), CmdPing)).
		Int32(m.SinkID).Int64(int64(m.SendTime)).Bytes()
}

func parsePingRequest(addr parsedAddress, msg *Message) (PingRequest, error) {
	if len(msg.Ints32) < 1 || len(msg.Ints64) < 1 {
		return PingRequest{}, ErrMalformed
	}
	return PingRequest{SourceID: addr.ID, SinkID: msg.Ints32[0], SendTime: uint64(msg.Ints64[0])}, nil
}

// PingReply is the Source's reply (/aoo/sink/<id>/ping), extended per
// SPEC_FULL.md supplemented feature 4 with the Sink's echoed send time so
// the Sink can compute round-trip time.
type PingReply struct {
	SinkID       int32
	SourceID     int32
	SendTime     uint64
	EchoSendTime uint64
}

func (m PingReply) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSink, idToken(m.SinkID), CmdPing)).
		Int32(m.SourceID).Int64(int64(m.SendTime)).Int64(int64(m.EchoSendTime)).Bytes()
}

func parsePingReply(addr parsedAddress, msg *Message) (PingReply, error) {
	if len(msg.Ints32) < 1 || len(msg.Ints64) < 2 {
		return PingReply{}, ErrMalformed
	}
	return PingReply{
		SinkID:       addr.ID,
		SourceID:     msg.Ints32[0],
		SendTime:     uint64(msg.Ints64[0]),
		EchoSendTime: uint64(msg.Ints64[1]),
	}, nil
}

// Invite is a Sink's invitation to a Source (/aoo/src/<id>/invite),
// carrying a token the Source must echo back (SPEC_FULL.md feature 3).
type Invite struct {
	SourceID int32
	SinkID   int32
	Token    int32
}

func (m Invite) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSource, idToken(m.SourceID), CmdInvite)).
		Int32(m.SinkID).Int32(m.Token).Bytes()
}

func parseInvite(addr parsedAddress, msg *Message) (Invite, error) {
	if len(msg.Ints32) < 2 {
		return Invite{}, ErrMalformed
	}
	return Invite{SourceID: addr.ID, SinkID: msg.Ints32[0], Token: msg.Ints32[1]}, nil
}

// Uninvite is a Sink's withdrawal of an invitation (/aoo/src/<id>/uninvite).
type Uninvite struct {
	SourceID int32
	SinkID   int32
}

func (m Uninvite) Marshal() []byte {
	return newOSCEncoder(addressFor(DomainSource, idToken(m.SourceID), CmdUninvite)).
		Int32(m.SinkID).Bytes()
}

func parseUninvite(addr parsedAddress, msg *Message) (Uninvite, error) {
	if len(msg.Ints32) < 1 {
		return Uninvite{}, ErrMalformed
	}
	return Uninvite{SourceID: addr.ID, SinkID: msg.Ints32[0]}, nil
}

// Decoded wraps whichever concrete message type ParseIncoming recognized.
type Decoded struct {
	Domain          Domain
	FormatRequest   *FormatRequest
	FormatAnnounce  *FormatAnnounce
	DataRequest     *DataRequest
	DataFrame       *DataFrame
	PingRequest     *PingRequest
	PingReply       *PingReply
	Invite          *Invite
	Uninvite        *Uninvite
	ExternalAddress string // set (non-empty) for /aoo/peer and /aoo/relay, left unparsed
}

// ParseIncoming accepts both OSC and the compact binary encoding, per
// spec §4.9 ("the implementation must accept both encodings on the receive
// path"). Binary frames are distinguished from OSC by the high bit of the
// first byte: OSC addresses always start with '/' (0x2F), a printable byte
// with the high bit clear, so setting that bit on a binary frame's first
// byte can never collide.
func ParseIncoming(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, ErrMalformed
	}
	if data[0]&0x80 != 0 {
		return parseBinary(data)
	}
	return parseOSCMessage(data)
}

func parseOSCMessage(data []byte) (*Decoded, error) {
	msg, err := parseOSC(data)
	if err != nil {
		return nil, err
	}
	addr, ok := parseAddress(msg.Address)
	if !ok {
		return nil, ErrMalformed
	}
	switch addr.Domain {
	case DomainPeer, DomainRelay:
		return &Decoded{Domain: addr.Domain, ExternalAddress: msg.Address}, nil
	}
	switch addr.Cmd {
	case CmdFormat:
		if addr.Domain == DomainSource {
			if len(msg.Ints32) < 1 {
				return nil, ErrMalformed
			}
			return &Decoded{Domain: addr.Domain, FormatRequest: &FormatRequest{SourceID: addr.ID, SinkID: msg.Ints32[0]}}, nil
		}
		f, err := parseFormatAnnounce(addr, msg)
		if err != nil {
			return nil, err
		}
		return &Decoded{Domain: addr.Domain, FormatAnnounce: &f}, nil
	case CmdData:
		if addr.Domain == DomainSource {
			d, err := parseDataRequest(addr, msg)
			if err != nil {
				return nil, err
			}
			return &Decoded{Domain: addr.Domain, DataRequest: &d}, nil
		}
		d, err := parseDataFrame(addr, msg)
		if err != nil {
			return nil, err
		}
		return &Decoded{Domain: addr.Domain, DataFrame: &d}, nil
	case CmdPing:
		if addr.Domain == DomainSource {
			p, err := parsePingRequest(addr, msg)
			if err != nil {
				return nil, err
			}
			return &Decoded{Domain: addr.Domain, PingRequest: &p}, nil
		}
		p, err := parsePingReply(addr, msg)
		if err != nil {
			return nil, err
		}
		return &Decoded{Domain: addr.Domain, PingReply: &p}, nil
	case CmdInvite:
		i, err := parseInvite(addr, msg)
		if err != nil {
			return nil, err
		}
		return &Decoded{Domain: addr.Domain, Invite: &i}, nil
	case CmdUninvite:
		u, err := parseUninvite(addr, msg)
		if err != nil {
			return nil, err
		}
		return &Decoded{Domain: addr.Domain, Uninvite: &u}, nil
	default:
		return nil, ErrMalformed
	}
}

// --- Compact binary framing (spec §4.9) ---
//
// byte 0: 0x80 | domain  (high bit marks binary; low 7 bits: 0 = resend
//         request to a Source, 1 = data frame to a Sink)
// byte 1: flags: bit0 = extended (12-byte) ids, bit1 = has explicit
//         sample rate, bit2 = stream-message (carries a salt)
// ids:    1 byte each (destID, srcID) when not extended, else 4 bytes each
//         plus 2 reserved padding bytes to round the header to 12 bytes.
// body:   flag-gated fields followed by the payload, as laid out in
//         binaryDataFrame/binaryDataRequest below.

const (
	binFlagExtendedIDs = 1 << 0
	binFlagSampleRate  = 1 << 1
	binFlagStreamMsg   = 1 << 2
)

func smallID(id int32) bool { return id >= 0 && id < 255 }

func writeID(buf *[]byte, id int32, extended bool) {
	if extended {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(id))
		*buf = append(*buf, b[:]...)
	} else {
		*buf = append(*buf, byte(id))
	}
}

func readID(data []byte, off int, extended bool) (int32, int, error) {
	if extended {
		if off+4 > len(data) {
			return 0, 0, ErrMalformed
		}
		return int32(binary.BigEndian.Uint32(data[off:])), off + 4, nil
	}
	if off+1 > len(data) {
		return 0, 0, ErrMalformed
	}
	return int32(data[off]), off + 1, nil
}

// MarshalBinaryDataFrame renders m using the compact framing instead of OSC.
func MarshalBinaryDataFrame(m DataFrame) []byte {
	extended := !smallID(m.SinkID) || !smallID(m.SourceID)
	flags := byte(binFlagStreamMsg | binFlagSampleRate)
	if extended {
		flags |= binFlagExtendedIDs
	}
	out := []byte{0x80 | byte(DomainSink), flags}
	writeID(&out, m.SinkID, extended)
	writeID(&out, m.SourceID, extended)
	if extended {
		out = append(out, 0, 0) // pad header to 12 bytes total
	}
	var saltBuf [4]byte
	binary.BigEndian.PutUint32(saltBuf[:], uint32(m.Salt))
	out = append(out, saltBuf[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(m.Sequence))
	out = append(out, seqBuf[:]...)
	var srBuf [8]byte
	binary.BigEndian.PutUint64(srBuf[:], math.Float64bits(m.SampleRate))
	out = append(out, srBuf[:]...)
	for _, v := range []int32{m.ChannelOnset, m.TotalSize, m.FrameCount, m.FrameIndex} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		out = append(out, b[:]...)
	}
	out = append(out, m.Payload...)
	return out
}

func parseBinaryDataFrame(data []byte, flags byte) (*Decoded, error) {
	extended := flags&binFlagExtendedIDs != 0
	off := 2
	sinkID, off, err := readID(data, off, extended)
	if err != nil {
		return nil, err
	}
	sourceID, off, err := readID(data, off, extended)
	if err != nil {
		return nil, err
	}
	if extended {
		off += 2
	}
	var salt int32
	if flags&binFlagStreamMsg != 0 {
		if off+4 > len(data) {
			return nil, ErrMalformed
		}
		salt = int32(binary.BigEndian.Uint32(data[off:]))
		off += 4
	}
	if off+8 > len(data) {
		return nil, ErrMalformed
	}
	seq := int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	var sr float64
	if flags&binFlagSampleRate != 0 {
		if off+8 > len(data) {
			return nil, ErrMalformed
		}
		sr = math.Float64frombits(binary.BigEndian.Uint64(data[off:]))
		off += 8
	}
	if off+16 > len(data) {
		return nil, ErrMalformed
	}
	chanOnset := int32(binary.BigEndian.Uint32(data[off:]))
	totalSize := int32(binary.BigEndian.Uint32(data[off+4:]))
	frameCount := int32(binary.BigEndian.Uint32(data[off+8:]))
	frameIndex := int32(binary.BigEndian.Uint32(data[off+12:]))
	off += 16
	payload := append([]byte(nil), data[off:]...)
	return &Decoded{Domain: DomainSink, DataFrame: &DataFrame{
		SinkID: sinkID, SourceID: sourceID, Salt: salt, Sequence: seq,
		SampleRate: sr, ChannelOnset: chanOnset, TotalSize: totalSize,
		FrameCount: frameCount, FrameIndex: frameIndex, Payload: payload,
	}}, nil
}

// MarshalBinaryDataRequest renders m using the compact framing.
func MarshalBinaryDataRequest(m DataRequest) []byte {
	extended := !smallID(m.SourceID) || !smallID(m.SinkID)
	flags := byte(binFlagStreamMsg)
	if extended {
		flags |= binFlagExtendedIDs
	}
	out := []byte{0x80 | byte(DomainSource), flags}
	writeID(&out, m.SourceID, extended)
	writeID(&out, m.SinkID, extended)
	if extended {
		out = append(out, 0, 0)
	}
	var saltBuf [4]byte
	binary.BigEndian.PutUint32(saltBuf[:], uint32(m.Salt))
	out = append(out, saltBuf[:]...)
	for _, e := range m.Entries {
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], uint64(e.Sequence))
		out = append(out, seqBuf[:]...)
		var fBuf [4]byte
		binary.BigEndian.PutUint32(fBuf[:], uint32(e.Frame))
		out = append(out, fBuf[:]...)
	}
	return out
}

func parseBinaryDataRequest(data []byte, flags byte) (*Decoded, error) {
	extended := flags&binFlagExtendedIDs != 0
	off := 2
	sourceID, off, err := readID(data, off, extended)
	if err != nil {
		return nil, err
	}
	sinkID, off, err := readID(data, off, extended)
	if err != nil {
		return nil, err
	}
	if extended {
		off += 2
	}
	var salt int32
	if flags&binFlagStreamMsg != 0 {
		if off+4 > len(data) {
			return nil, ErrMalformed
		}
		salt = int32(binary.BigEndian.Uint32(data[off:]))
		off += 4
	}
	req := DataRequest{SourceID: sourceID, SinkID: sinkID, Salt: salt}
	for off+12 <= len(data) {
		seq := int64(binary.BigEndian.Uint64(data[off:]))
		frame := int32(binary.BigEndian.Uint32(data[off+8:]))
		req.Entries = append(req.Entries, DataRequestEntry{Sequence: seq, Frame: frame})
		off += 12
	}
	return &Decoded{Domain: DomainSource, DataRequest: &req}, nil
}

func parseBinary(data []byte) (*Decoded, error) {
	if len(data) < 2 {
		return nil, ErrMalformed
	}
	domain := Domain(data[0] &^ 0x80)
	flags := data[1]
	switch domain {
	case DomainSink:
		return parseBinaryDataFrame(data, flags)
	case DomainSource:
		return parseBinaryDataRequest(data, flags)
	default:
		return nil, ErrMalformed
	}
}

// --- Relay wrapper (spec §4.9) ---
//
// The relay wrapper is consumed by the external peer-discovery/relay
// subsystem (spec §1's "net" collaborator); the core only needs to be able
// to strip it off packets that arrive through a relay, not originate it.

// UnwrapRelay strips a relay wrapper (address-prefix length + the address
// bytes + a payload-size-prefixed inner packet) and returns the inner
// packet plus the sender address it names.
func UnwrapRelay(data []byte) (addr []byte, inner []byte, err error) {
	if len(data) < 2 {
		return nil, nil, ErrMalformed
	}
	addrLen := int(binary.BigEndian.Uint16(data[0:2]))
	off := 2
	if off+addrLen > len(data) {
		return nil, nil, ErrMalformed
	}
	addr = data[off : off+addrLen]
	off += addrLen
	if off+4 > len(data) {
		return nil, nil, ErrMalformed
	}
	size := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+size > len(data) {
		return nil, nil, ErrMalformed
	}
	return addr, data[off : off+size], nil
}

// WrapRelay builds a relay-wrapped packet around inner, addressed to addr.
func WrapRelay(addr []byte, inner []byte) []byte {
	out := make([]byte, 0, 2+len(addr)+4+len(inner))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(addr)))
	out = append(out, lenBuf[:]...)
	out = append(out, addr...)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(inner)))
	out = append(out, sizeBuf[:]...)
	out = append(out, inner...)
	return out
}
