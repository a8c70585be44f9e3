package aoo

import (
	"math/rand"
	"sync"

	"github.com/aoo-audio/aoo-go/internal/codec"
	"github.com/aoo-audio/aoo-go/internal/config"
	"github.com/aoo-audio/aoo-go/internal/history"
	"github.com/aoo-audio/aoo-go/internal/protocol"
	"github.com/aoo-audio/aoo-go/internal/rtqueue"
	"github.com/aoo-audio/aoo-go/internal/timerdll"
)

// SendFunc is the host-provided datagram send function (spec §6, "Send
// function contract"). A non-nil error is logged as a failed send; failures
// are not counted, and the core never retries at the UDP layer.
type SendFunc func(user any, data []byte, addr Address) error

// SinkDescriptor is a Source's bookkeeping for one registered Sink (spec §3,
// "Sink descriptor"): its endpoint, channel onset, and whether the Sink
// still needs a /format announcement (SPEC_FULL.md supplemented feature 2).
type SinkDescriptor struct {
	Endpoint     Endpoint
	ChannelOnset int
	NeedFormat   bool
}

type pendingInvite struct {
	endpoint Endpoint
	token    int32
}

type outboundMsg struct {
	addr Address
	data []byte
}

type sourceOptions struct {
	packetSize        int
	resendEnabled     bool
	resendInterval    float64
	resendLimit       int
	resendBufferSecs  float64
	bufferSecs        float64
	redundancy        int
	pingInterval      float64
	sourceTimeout     float64
	inviteTimeout     float64
	dllBandwidth      float64
	timerCheck        bool
	binaryDataMsg     bool
}

func defaultSourceOptions() sourceOptions {
	return sourceOptions{
		packetSize:       config.DefaultPacketSize,
		resendEnabled:    config.DefaultResendEnabled,
		resendInterval:   config.DefaultResendInterval,
		resendLimit:      config.DefaultResendLimit,
		resendBufferSecs: config.DefaultResendBufferSize,
		bufferSecs:       config.DefaultBufferSize,
		redundancy:       config.DefaultRedundancy,
		pingInterval:     config.DefaultPingInterval,
		sourceTimeout:    config.DefaultSourceTimeout,
		inviteTimeout:    config.DefaultInviteTimeout,
		dllBandwidth:     config.DefaultDLLBandwidth,
		timerCheck:       config.DefaultTimerCheck,
		binaryDataMsg:    config.DefaultBinaryDataMsg,
	}
}

// Option configures a Source at construction or via Configure.
type Option func(*Source)

func WithPacketSize(n int) Option {
	return func(s *Source) { s.opts.packetSize = config.ClampPacketSize(n) }
}
func WithResendEnabled(v bool) Option   { return func(s *Source) { s.opts.resendEnabled = v } }
func WithResendInterval(secs float64) Option {
	return func(s *Source) { s.opts.resendInterval = secs }
}
func WithResendLimit(n int) Option { return func(s *Source) { s.opts.resendLimit = n } }
func WithResendBufferSize(secs float64) Option {
	return func(s *Source) {
		s.opts.resendBufferSecs = secs
		if s.hist != nil {
			s.hist.Resize(config.HistoryCapacity(secs, s.sampleRate, s.blockSize))
		}
	}
}
func WithRedundancy(n int) Option {
	return func(s *Source) { s.opts.redundancy = config.ClampRedundancy(n) }
}
func WithPingInterval(secs float64) Option { return func(s *Source) { s.opts.pingInterval = secs } }
func WithSourceTimeout(secs float64) Option {
	return func(s *Source) { s.opts.sourceTimeout = secs }
}
func WithInviteTimeout(secs float64) Option {
	return func(s *Source) { s.opts.inviteTimeout = secs }
}
func WithDLLBandwidth(bw float64) Option {
	return func(s *Source) {
		s.opts.dllBandwidth = bw
		s.timer.SetBandwidth(bw)
	}
}
func WithTimerCheck(v bool) Option     { return func(s *Source) { s.opts.timerCheck = v } }
func WithBinaryDataMsg(v bool) Option  { return func(s *Source) { s.opts.binaryDataMsg = v } }

// Source is the Source state machine of spec §2/§4.5: encode, packetize,
// transmit, retransmit.
type Source struct {
	mu sync.RWMutex

	id int32

	sampleRate int
	blockSize  int
	channels   int

	format  Format
	encoder codec.Encoder

	salt     int32
	sequence int32

	hist *history.Buffer

	sinks          map[int32]*SinkDescriptor
	pendingInvites map[int32]pendingInvite

	timer timerdll.Timer

	opts sourceOptions

	inputRing   *rtqueue.SPSC
	xrunCounter int

	outbox *rtqueue.MPSC
	events *eventQueue

	lastPingElapsed float64
	streaming       bool
}

// New creates a Source identified by id. Call Setup before Process.
func New(id int32, opts ...Option) *Source {
	s := &Source{
		id:             id,
		sinks:          make(map[int32]*SinkDescriptor),
		pendingInvites: make(map[int32]pendingInvite),
		opts:           defaultSourceOptions(),
		outbox:         rtqueue.NewMPSC(),
		events:         newEventQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Configure applies options to an already-constructed Source under an
// exclusive lock, matching the structural-change rule of spec §5.
func (s *Source) Configure(opts ...Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range opts {
		o(s)
	}
}

// Setup (re)configures the audio format and resets all per-stream state
// (spec §6 setup(sample_rate, block_size, channels)).
func (s *Source) Setup(sampleRate, blockSize, channels int) error {
	if sampleRate <= 0 || blockSize <= 0 || channels <= 0 {
		return ErrBadArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = sampleRate
	s.blockSize = blockSize
	s.channels = channels
	s.inputRing = rtqueue.NewSPSC(16)
	s.timer.Setup(sampleRate, blockSize, 0.25, s.opts.timerCheck)
	s.timer.SetBandwidth(s.opts.dllBandwidth)
	s.reseedStream()
	return nil
}

// SetFormat selects the codec and configures the encoder (spec §6
// set_format), generating a fresh salt so Sinks detect the restart.
func (s *Source) SetFormat(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	reg := Registry()
	if reg == nil {
		return ErrIdle
	}
	c, ok := reg.Lookup(f.Codec)
	if !ok {
		return ErrNotFound
	}
	header := codec.Header{Channels: f.Channels, SampleRate: f.SampleRate, BlockSize: f.BlockSize}
	header, err := c.DeserializeFormat(header, f.Tail)
	if err != nil {
		return ErrBadArgument
	}
	enc := c.NewEncoder()
	if err := enc.SetFormat(header, f.Tail); err != nil {
		return ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = f.Clone()
	s.encoder = enc
	s.sampleRate = f.SampleRate
	s.blockSize = f.BlockSize
	s.channels = f.Channels
	s.hist = history.New(config.HistoryCapacity(s.opts.resendBufferSecs, s.sampleRate, s.blockSize))
	s.reseedStream()
	for id, sd := range s.sinks {
		sd.NeedFormat = true
		s.sinks[id] = sd
	}
	s.events.push(Event{Kind: EventFormatChange, Format: f.Clone()})
	return nil
}

// reseedStream generates a fresh salt and resets the sequence counter (spec
// §3 "Stream identity"); called on setup, format change, StartStream, and
// sequence wraparound.
func (s *Source) reseedStream() {
	s.salt = int32(rand.Uint32())
	s.sequence = 0
}

// StartStream begins a new stream, optionally carrying opaque metadata
// delivered to Sinks alongside the format header (SPEC_FULL.md supplemented
// feature 1).
func (s *Source) StartStream(metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder == nil {
		return ErrIdle
	}
	s.reseedStream()
	s.streaming = true
	for id, sd := range s.sinks {
		sd.NeedFormat = true
		s.enqueueFormat(sd, metadata)
		s.sinks[id] = sd
	}
	return nil
}

// StopStream ends the current stream without tearing down the format/codec.
// Until the next StartStream, captured input is discarded and no /data is
// sent.
func (s *Source) StopStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	return nil
}

// AddSink registers a Sink descriptor (spec §6 add_sink(endpoint)).
func (s *Source) AddSink(ep Endpoint, channelOnset int) error {
	if ep.ID == IDInvalid {
		return ErrBadArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[ep.ID] = &SinkDescriptor{Endpoint: ep, ChannelOnset: channelOnset, NeedFormat: true}
	s.events.push(Event{Kind: EventSinkAdded, Endpoint: ep})
	return nil
}

// RemoveSink unregisters a Sink by id.
func (s *Source) RemoveSink(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sinks[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.sinks, id)
	s.events.push(Event{Kind: EventSinkRemoved, Endpoint: sd.Endpoint})
	return nil
}

// AcceptInvitation completes an invite/accept handshake (SPEC_FULL.md
// supplemented feature 3): token must match the one the Sink was sent in
// its EventInvite.
func (s *Source) AcceptInvitation(sink Endpoint, token int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pendingInvites[sink.ID]
	if !ok || pending.token != token || !pending.endpoint.Addr.Equal(sink.Addr) {
		return ErrNotFound
	}
	delete(s.pendingInvites, sink.ID)
	s.sinks[sink.ID] = &SinkDescriptor{Endpoint: sink, NeedFormat: true}
	s.events.push(Event{Kind: EventSinkAdded, Endpoint: sink})
	return nil
}

// Process runs one audio-thread block: interleave host input and push it
// onto the SPSC handoff ring for the network pump (spec §4.5 step 1). n
// must equal the configured block size.
func (s *Source) Process(in [][]float32, n int, now NtpTime) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blockSize == 0 {
		return ErrIdle
	}
	if n != s.blockSize {
		return ErrBadArgument
	}
	state, dev := s.timer.Update(now.Seconds())
	if state == timerdll.StateError {
		s.xrunCounter++
		Logger().Sugar().Debugw("source timer deviation", "source", s.id, "deviation", dev)
		s.timer.Reset()
	}
	interleaved := Interleave(in, n, s.channels)
	if !s.inputRing.Push(floatsToBytes(interleaved)) {
		s.xrunCounter++
		s.events.push(Event{Kind: EventXrun})
	}
	return nil
}

// Send drains the network pump (encode + packetize pending blocks) and the
// outbound message queue, calling send for every datagram (spec §4.5, §6).
func (s *Source) Send(send SendFunc, user any) error {
	s.mu.Lock()
	s.pump()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		v, ok := s.outbox.Pop()
		if !ok {
			return nil
		}
		m := v.(outboundMsg)
		if err := send(user, m.data, m.addr); err != nil {
			Logger().Sugar().Warnw("source send failed", "source", s.id, "err", err)
		}
	}
}

// pump is the network-send-thread half of spec §4.5: encode every full
// block waiting on the input ring, store it in history, and fan it out to
// every registered sink.
func (s *Source) pump() {
	if s.encoder == nil {
		return
	}
	for {
		raw, ok := s.inputRing.Pop()
		if !ok {
			break
		}
		if !s.streaming {
			// Input captured while the stream is stopped is discarded.
			continue
		}
		samples := bytesToFloats(raw)
		scratch := make([]byte, MaxPacketSize)
		n, err := s.encoder.Encode(samples, scratch)
		if err != nil {
			Logger().Sugar().Warnw("encode failed", "source", s.id, "err", err)
			continue
		}
		// The encoded block is retained in history for possible resend, so it
		// is drawn from the RT memory pool (spec §5) rather than a fresh
		// heap allocation; the buffer comes back via Put when history
		// eventually evicts it.
		pool := Pool()
		var encoded []byte
		if pool != nil {
			encoded = pool.Get(n)
			copy(encoded, scratch[:n])
			if pool.Exhausted() {
				Logger().Sugar().Warnw("source RT pool exhausted", "source", s.id, "err", ErrOutOfMemory)
			}
		} else {
			encoded = append([]byte(nil), scratch[:n]...)
		}
		seq := int64(s.sequence)
		frameSize, frameCount := config.FrameLayout(s.opts.packetSize, config.HeaderOverhead, len(encoded))
		// Spread the block evenly so every frame but the last carries
		// ceil(total/count) bytes: the Sink derives the frame size from the
		// total size and frame count when it places a frame in the block.
		if frameCount > 0 && len(encoded) > 0 {
			frameSize = (len(encoded) + frameCount - 1) / frameCount
		}
		if evicted, hadEvicted := s.hist.Push(history.Block{
			Sequence: seq, SampleRate: s.sampleRate, TotalBytes: len(encoded),
			FrameSize: frameSize, Payload: encoded,
		}); hadEvicted && pool != nil {
			pool.Put(evicted.Payload)
		}
		s.broadcastBlock(seq, encoded, frameSize, frameCount)
		s.advanceSequence()
	}
	if s.streaming && s.xrunCounter > 0 {
		seq := int64(s.sequence)
		s.broadcastBlock(seq, nil, 0, 0)
		s.advanceSequence()
		s.xrunCounter--
	}
	s.maybePing()
}

func (s *Source) advanceSequence() {
	if s.sequence == 1<<31-1 {
		s.reseedStream()
		return
	}
	s.sequence++
}

func (s *Source) broadcastBlock(seq int64, encoded []byte, frameSize, frameCount int) {
	for _, sd := range s.sinks {
		if sd.NeedFormat {
			s.enqueueFormat(sd, nil)
		}
		for r := 0; r < s.opts.redundancy; r++ {
			if frameCount == 0 {
				s.enqueueDataFrame(sd, protocol.DataFrame{
					SourceID: s.id, Salt: s.salt, Sequence: seq,
					SampleRate: float64(s.sampleRate), ChannelOnset: int32(sd.ChannelOnset),
				})
				continue
			}
			for fi := 0; fi < frameCount; fi++ {
				start := fi * frameSize
				end := start + frameSize
				if end > len(encoded) {
					end = len(encoded)
				}
				s.enqueueDataFrame(sd, protocol.DataFrame{
					SourceID: s.id, Salt: s.salt, Sequence: seq,
					SampleRate: float64(s.sampleRate), ChannelOnset: int32(sd.ChannelOnset),
					TotalSize: int32(len(encoded)), FrameCount: int32(frameCount), FrameIndex: int32(fi),
					Payload: encoded[start:end],
				})
			}
		}
	}
}

func (s *Source) enqueueDataFrame(sd *SinkDescriptor, df protocol.DataFrame) {
	df.SinkID = sd.Endpoint.ID
	var data []byte
	if s.opts.binaryDataMsg {
		data = protocol.MarshalBinaryDataFrame(df)
	} else {
		data = df.Marshal()
	}
	s.outbox.Push(outboundMsg{addr: sd.Endpoint.Addr, data: data})
}

func (s *Source) enqueueFormat(sd *SinkDescriptor, metadata []byte) {
	announce := protocol.FormatAnnounce{
		SinkID: sd.Endpoint.ID, SourceID: s.id,
		VMajor: ProtocolVersion.Major, VMinor: ProtocolVersion.Minor, VPatch: ProtocolVersion.Patch,
		Salt: s.salt, Channels: int32(s.channels), SampleRate: float64(s.sampleRate),
		BlockSize: int32(s.blockSize), CodecName: s.format.Codec, CodecTail: s.format.Tail,
		Metadata: metadata,
	}
	s.outbox.Push(outboundMsg{addr: sd.Endpoint.Addr, data: announce.Marshal()})
	sd.NeedFormat = false
}

func (s *Source) maybePing() {
	elapsed := s.timer.GetElapsed()
	if elapsed-s.lastPingElapsed < s.opts.pingInterval {
		return
	}
	s.lastPingElapsed = elapsed
	now := uint64(Now())
	for _, sd := range s.sinks {
		reply := protocol.PingReply{SinkID: sd.Endpoint.ID, SourceID: s.id, SendTime: now}
		s.outbox.Push(outboundMsg{addr: sd.Endpoint.Addr, data: reply.Marshal()})
	}
}

// HandleMessage parses and routes one inbound datagram (spec §6
// handle_message, §4.9). Malformed input is logged at verbose level and
// dropped, never surfaced as an error (spec §7).
func (s *Source) HandleMessage(data []byte, addr Address) error {
	dec, err := protocol.ParseIncoming(data)
	if err != nil {
		Logger().Sugar().Debugw("malformed message", "err", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case dec.FormatRequest != nil:
		sd, ok := s.sinks[dec.FormatRequest.SinkID]
		if !ok {
			sd = &SinkDescriptor{Endpoint: Endpoint{Addr: addr, ID: dec.FormatRequest.SinkID}}
			s.sinks[dec.FormatRequest.SinkID] = sd
		}
		s.enqueueFormat(sd, nil)
	case dec.DataRequest != nil:
		s.handleDataRequest(*dec.DataRequest, addr)
	case dec.PingRequest != nil:
		reply := protocol.PingReply{
			SinkID: dec.PingRequest.SinkID, SourceID: s.id,
			SendTime: uint64(Now()), EchoSendTime: dec.PingRequest.SendTime,
		}
		s.outbox.Push(outboundMsg{addr: addr, data: reply.Marshal()})
		rtt := Now().Sub(NtpTime(dec.PingRequest.SendTime))
		s.events.push(Event{Kind: EventPing, Endpoint: Endpoint{Addr: addr, ID: dec.PingRequest.SinkID}, RTT: rtt})
	case dec.Invite != nil:
		token := dec.Invite.Token
		ep := Endpoint{Addr: addr, ID: dec.Invite.SinkID}
		s.pendingInvites[dec.Invite.SinkID] = pendingInvite{endpoint: ep, token: token}
		s.events.push(Event{Kind: EventInvite, Endpoint: ep, Token: token})
	case dec.Uninvite != nil:
		delete(s.pendingInvites, dec.Uninvite.SinkID)
		if sd, ok := s.sinks[dec.Uninvite.SinkID]; ok {
			delete(s.sinks, dec.Uninvite.SinkID)
			s.events.push(Event{Kind: EventUninvite, Endpoint: sd.Endpoint})
		}
	}
	return nil
}

func (s *Source) handleDataRequest(req protocol.DataRequest, addr Address) {
	sd, ok := s.sinks[req.SinkID]
	if !ok {
		sd = &SinkDescriptor{Endpoint: Endpoint{Addr: addr, ID: req.SinkID}}
	}
	for _, e := range req.Entries {
		blk, found := s.hist.Find(e.Sequence)
		if !found {
			continue
		}
		frameCount := 1
		if blk.FrameSize > 0 {
			frameCount = (blk.TotalBytes + blk.FrameSize - 1) / blk.FrameSize
		}
		frames := []int32{int32(e.Frame)}
		if e.Frame < 0 {
			frames = frames[:0]
			for i := 0; i < frameCount; i++ {
				frames = append(frames, int32(i))
			}
		}
		for _, fi := range frames {
			start := int(fi) * blk.FrameSize
			end := start + blk.FrameSize
			if end > len(blk.Payload) {
				end = len(blk.Payload)
			}
			if start > len(blk.Payload) {
				continue
			}
			df := protocol.DataFrame{
				SinkID: req.SinkID, SourceID: s.id, Salt: s.salt, Sequence: blk.Sequence,
				SampleRate: float64(blk.SampleRate), ChannelOnset: int32(sd.ChannelOnset),
				TotalSize: int32(blk.TotalBytes), FrameCount: int32(frameCount), FrameIndex: fi,
				Payload: blk.Payload[start:end],
			}
			s.enqueueDataFrame(sd, df)
		}
		s.events.push(Event{Kind: EventBlockResent, Sequence: blk.Sequence})
	}
}

// PollEvents drains the source's event queue.
func (s *Source) PollEvents() []Event {
	return s.events.poll()
}
