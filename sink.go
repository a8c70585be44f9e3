package aoo

import (
	"math/rand"
	"sync"

	"github.com/aoo-audio/aoo-go/internal/codec"
	"github.com/aoo-audio/aoo-go/internal/config"
	"github.com/aoo-audio/aoo-go/internal/jitter"
	"github.com/aoo-audio/aoo-go/internal/protocol"
	"github.com/aoo-audio/aoo-go/internal/resample"
	"github.com/aoo-audio/aoo-go/internal/rtqueue"
	"github.com/aoo-audio/aoo-go/internal/timerdll"
)

// streamState is the per-source stream-state flag of spec §3.
type streamState int

const (
	streamIdle streamState = iota
	streamBuffering
	streamActive
	streamStopped
)

func (s streamState) String() string {
	switch s {
	case streamBuffering:
		return "buffering"
	case streamActive:
		return "active"
	case streamStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// sourceDescriptor is a Sink's per-remote-Source bookkeeping (spec §3,
// "Source descriptor"). Keyed by source id; this implementation assumes one
// remote source id maps to a single endpoint at a time (a source restarting
// from a new address is modeled as a salt change once its next /format
// announcement arrives).
type sourceDescriptor struct {
	endpoint Endpoint
	sourceID int32
	salt     int32
	hasSalt  bool

	decoder    codec.Decoder
	resampler  *resample.Resampler
	jitterBuf  *jitter.Buffer

	channels     int
	sampleRate   int
	blockSize    int
	channelOnset int

	state       streamState
	underrun    bool
	xrunSamples int

	lastPacketElapsed float64
	lastResendElapsed float64

	needFormat bool
}

type sinkOptions struct {
	bufferSecs       float64
	resendEnabled    bool
	resendInterval   float64
	resendLimit      int
	resendMaxFrames  int
	dllBandwidth     float64
	dynamicResample  bool
	timerCheck       bool
	sourceTimeout    float64
	inviteTimeout    float64
	binaryDataMsg    bool
}

func defaultSinkOptions() sinkOptions {
	return sinkOptions{
		bufferSecs:      config.DefaultBufferSize,
		resendEnabled:   config.DefaultResendEnabled,
		resendInterval:  config.DefaultResendInterval,
		resendLimit:     config.DefaultResendLimit,
		resendMaxFrames: 16,
		dllBandwidth:    config.DefaultDLLBandwidth,
		dynamicResample: config.DefaultDynamicResample,
		timerCheck:      config.DefaultTimerCheck,
		sourceTimeout:   config.DefaultSourceTimeout,
		inviteTimeout:   config.DefaultInviteTimeout,
		binaryDataMsg:   config.DefaultBinaryDataMsg,
	}
}

// SinkOption configures a Sink at construction or via Configure.
type SinkOption func(*Sink)

func WithSinkBufferSize(secs float64) SinkOption {
	return func(s *Sink) { s.opts.bufferSecs = secs }
}
func WithSinkResendEnabled(v bool) SinkOption {
	return func(s *Sink) { s.opts.resendEnabled = v }
}
func WithSinkResendInterval(secs float64) SinkOption {
	return func(s *Sink) { s.opts.resendInterval = secs }
}
func WithSinkResendLimit(n int) SinkOption { return func(s *Sink) { s.opts.resendLimit = n } }
func WithSinkResendMaxFrames(n int) SinkOption {
	return func(s *Sink) { s.opts.resendMaxFrames = n }
}
func WithSinkDLLBandwidth(bw float64) SinkOption {
	return func(s *Sink) {
		s.opts.dllBandwidth = bw
		s.timer.SetBandwidth(bw)
	}
}
func WithDynamicResampling(v bool) SinkOption { return func(s *Sink) { s.opts.dynamicResample = v } }
func WithSinkTimerCheck(v bool) SinkOption    { return func(s *Sink) { s.opts.timerCheck = v } }
func WithSinkSourceTimeout(secs float64) SinkOption {
	return func(s *Sink) { s.opts.sourceTimeout = secs }
}
func WithSinkInviteTimeout(secs float64) SinkOption {
	return func(s *Sink) { s.opts.inviteTimeout = secs }
}
func WithSinkBinaryDataMsg(v bool) SinkOption { return func(s *Sink) { s.opts.binaryDataMsg = v } }

// Sink is the Sink state machine of spec §2/§4.6: receive, reorder,
// resample, decode, emit.
type Sink struct {
	mu sync.RWMutex

	id         int32
	sampleRate int
	blockSize  int
	channels   int

	sources map[int32]*sourceDescriptor

	pendingOutInvites map[int32]int32 // source id -> token we sent

	timer timerdll.Timer
	opts  sinkOptions

	outbox *rtqueue.MPSC
	events *eventQueue
}

// NewSink creates a Sink identified by id. Call Setup before Process.
func NewSink(id int32, opts ...SinkOption) *Sink {
	s := &Sink{
		id:                id,
		sources:           make(map[int32]*sourceDescriptor),
		pendingOutInvites: make(map[int32]int32),
		opts:              defaultSinkOptions(),
		outbox:            rtqueue.NewMPSC(),
		events:            newEventQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Configure applies options under an exclusive lock (spec §5: structural
// changes acquire the shared-mutex exclusively).
func (s *Sink) Configure(opts ...SinkOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range opts {
		o(s)
	}
}

// Setup (re)configures the Sink's own audio format (spec §6).
func (s *Sink) Setup(sampleRate, blockSize, channels int) error {
	if sampleRate <= 0 || blockSize <= 0 || channels <= 0 {
		return ErrBadArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = sampleRate
	s.blockSize = blockSize
	s.channels = channels
	s.timer.Setup(sampleRate, blockSize, 0.25, s.opts.timerCheck)
	s.timer.SetBandwidth(s.opts.dllBandwidth)
	return nil
}

// InviteSource sends an invitation to a prospective Source (spec §6
// invite_source), generating a random token that travels in the /invite
// message; the Source's AcceptInvitation checks it (SPEC_FULL.md
// supplemented feature 3). The /format reply does not carry the token.
func (s *Sink) InviteSource(src Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := int32(rand.Uint32())
	s.pendingOutInvites[src.ID] = token
	inv := protocol.Invite{SourceID: src.ID, SinkID: s.id, Token: token}
	s.outbox.Push(outboundMsg{addr: src.Addr, data: inv.Marshal()})
	return nil
}

// UninviteSource withdraws an invitation or stops accepting an active
// source (spec §6 uninvite_source).
func (s *Sink) UninviteSource(srcID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingOutInvites, srcID)
	sd, ok := s.sources[srcID]
	if !ok {
		return ErrNotFound
	}
	uninv := protocol.Uninvite{SourceID: srcID, SinkID: s.id}
	s.outbox.Push(outboundMsg{addr: sd.endpoint.Addr, data: uninv.Marshal()})
	delete(s.sources, srcID)
	s.events.push(Event{Kind: EventSourceRemoved, Endpoint: sd.endpoint})
	return nil
}

// UninviteAll withdraws every invitation and active source (spec §6
// uninvite_all).
func (s *Sink) UninviteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pendingOutInvites {
		delete(s.pendingOutInvites, id)
	}
	for id, sd := range s.sources {
		uninv := protocol.Uninvite{SourceID: id, SinkID: s.id}
		s.outbox.Push(outboundMsg{addr: sd.endpoint.Addr, data: uninv.Marshal()})
		delete(s.sources, id)
		s.events.push(Event{Kind: EventSourceRemoved, Endpoint: sd.endpoint})
	}
	return nil
}

// Process runs one audio-thread block (spec §4.6): advance the timer,
// drain each source's jitter buffer into its resampler, run the resend
// scan, and mix resampled output into out at each source's channel onset.
func (s *Sink) Process(out [][]float32, n int, now NtpTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockSize == 0 {
		return ErrIdle
	}
	if n != s.blockSize {
		return ErrBadArgument
	}
	for ch := 0; ch < s.channels; ch++ {
		for i := 0; i < n; i++ {
			out[ch][i] = 0
		}
	}
	state, dev := s.timer.Update(now.Seconds())
	if state == timerdll.StateError {
		Logger().Sugar().Debugw("sink timer deviation", "sink", s.id, "deviation", dev)
		s.timer.Reset()
	}

	var expired []int32
	for id, sd := range s.sources {
		s.dispatchBlocks(sd)
		if s.opts.resendEnabled {
			s.resendScan(sd)
		}
		s.mixOutput(sd, out, n)
		if sd.state != streamIdle && s.timer.GetElapsed()-sd.lastPacketElapsed > s.opts.sourceTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if sd, ok := s.sources[id]; ok {
			delete(s.sources, id)
			s.events.push(Event{Kind: EventSourceRemoved, Endpoint: sd.endpoint})
		}
	}
	return nil
}

// dispatchBlocks pops complete (or sufficiently stale) blocks off the front
// of the jitter buffer, decodes them, and feeds the resampler (spec §4.6
// step 2b).
func (s *Sink) dispatchBlocks(sd *sourceDescriptor) {
	if sd.jitterBuf == nil || sd.decoder == nil {
		return
	}
	for {
		front, ok := sd.jitterBuf.Front()
		if !ok {
			return
		}
		depth := sd.jitterBuf.Depth()
		if !front.Complete() && depth <= 1 {
			return
		}
		blk, _ := sd.jitterBuf.PopFront()
		s.decodeAndBuffer(sd, blk)
		if sd.state == streamBuffering {
			sd.state = streamActive
		}
	}
}

func (s *Sink) decodeAndBuffer(sd *sourceDescriptor, blk jitter.Block) {
	frames := sd.blockSize
	if frames <= 0 {
		frames = s.blockSize
	}
	dst := make([]float32, frames*sd.channels)
	var payload []byte
	if blk.Complete() {
		payload = blk.Payload
	} else if !blk.Dropped && blk.Payload != nil {
		payload = blk.Payload // partial, best-effort decode with gaps as zeros
	}
	total, err := sd.decoder.Decode(payload, dst)
	if err != nil || payload == nil {
		s.events.push(Event{Kind: EventBlockDropped, Endpoint: sd.endpoint, Sequence: blk.Sequence})
	}
	// Decode returns a sample count (frames*channels), not a frame count.
	n := frames
	if sd.channels > 0 && total > 0 {
		n = total / sd.channels
	}
	if !sd.resampler.Write(dst[:n*sd.channels], n) {
		s.events.push(Event{Kind: EventBufferOverrun, Endpoint: sd.endpoint})
	}
}

// resendScan implements spec §4.4's per-pump resend policy.
func (s *Sink) resendScan(sd *sourceDescriptor) {
	if sd.jitterBuf == nil {
		return
	}
	elapsed := s.timer.GetElapsed()
	var entries []protocol.DataRequestEntry
	budget := s.opts.resendMaxFrames
	for _, blk := range sd.jitterBuf.IncompleteBlocks() {
		if budget <= 0 {
			break
		}
		if elapsed-blk.LastRequestTime < s.opts.resendInterval {
			continue
		}
		blk.RetryCount++
		blk.LastRequestTime = elapsed
		if blk.RetryCount > s.opts.resendLimit {
			s.events.push(Event{Kind: EventBlockDropped, Endpoint: sd.endpoint, Sequence: blk.Sequence})
			continue
		}
		missing := blk.MissingFrames()
		if len(missing) == 0 {
			entries = append(entries, protocol.DataRequestEntry{Sequence: blk.Sequence, Frame: -1})
			budget--
			continue
		}
		for _, fi := range missing {
			if budget <= 0 {
				break
			}
			entries = append(entries, protocol.DataRequestEntry{Sequence: blk.Sequence, Frame: int32(fi)})
			budget--
		}
	}
	if len(entries) == 0 {
		return
	}
	req := protocol.DataRequest{SourceID: sd.sourceID, SinkID: s.id, Salt: sd.salt, Entries: entries}
	var data []byte
	if s.opts.binaryDataMsg {
		data = protocol.MarshalBinaryDataRequest(req)
	} else {
		data = req.Marshal()
	}
	s.outbox.Push(outboundMsg{addr: sd.endpoint.Addr, data: data})
}

// mixOutput reads one hardware-block's worth of resampled audio and mixes
// it into out at sd's channel onset (spec §4.6 step 2d).
func (s *Sink) mixOutput(sd *sourceDescriptor, out [][]float32, n int) {
	if sd.resampler == nil {
		return
	}
	if s.opts.dynamicResample {
		sd.resampler.Update(float64(sd.sampleRate), s.timer.SampleRate())
	}
	buf := make([]float32, n*sd.channels)
	if !sd.resampler.Read(buf, n) {
		sd.underrun = true
		s.events.push(Event{Kind: EventBufferUnderrun, Endpoint: sd.endpoint})
		return
	}
	sd.underrun = false
	// channelOnset is attached per data frame (spec §4.6 "channel_onset per
	// sink"); we track the most recently seen onset on the descriptor.
	Deinterleave(out, buf, n, sd.channels, sd.channelOnset)
}

// Send drains the outbound message queue (spec §6 send).
func (s *Sink) Send(send SendFunc, user any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		v, ok := s.outbox.Pop()
		if !ok {
			return nil
		}
		m := v.(outboundMsg)
		if err := send(user, m.data, m.addr); err != nil {
			Logger().Sugar().Warnw("sink send failed", "sink", s.id, "err", err)
		}
	}
}

// HandleMessage parses and routes one inbound datagram (spec §6, §4.9).
func (s *Sink) HandleMessage(data []byte, addr Address) error {
	dec, err := protocol.ParseIncoming(data)
	if err != nil {
		Logger().Sugar().Debugw("malformed message", "err", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case dec.FormatAnnounce != nil:
		s.handleFormatAnnounce(*dec.FormatAnnounce, addr)
	case dec.DataFrame != nil:
		s.handleDataFrame(*dec.DataFrame, addr)
	case dec.PingReply != nil:
		pr := dec.PingReply
		var rtt float64
		if pr.EchoSendTime != 0 {
			rtt = Now().Sub(NtpTime(pr.EchoSendTime))
		}
		s.events.push(Event{Kind: EventPing, Endpoint: Endpoint{Addr: addr, ID: pr.SourceID}, RTT: rtt})
	}
	return nil
}

func (s *Sink) handleFormatAnnounce(a protocol.FormatAnnounce, addr Address) {
	remote := Version{Major: a.VMajor, Minor: a.VMinor, Patch: a.VPatch}
	if !ProtocolVersion.CheckVersion(remote) {
		Logger().Sugar().Warnw("incompatible protocol version in format announce", "source", a.SourceID, "version", remote.String())
		return
	}
	reg := Registry()
	if reg == nil {
		return
	}
	c, ok := reg.Lookup(a.CodecName)
	if !ok {
		Logger().Sugar().Warnw("unknown codec in format announce", "codec", a.CodecName)
		return
	}
	header := codec.Header{Channels: int(a.Channels), SampleRate: int(a.SampleRate), BlockSize: int(a.BlockSize)}
	header, err := c.DeserializeFormat(header, a.CodecTail)
	if err != nil {
		return
	}
	dec := c.NewDecoder()
	if err := dec.SetFormat(header, a.CodecTail); err != nil {
		return
	}

	sd, existed := s.sources[a.SourceID]
	isRestart := existed && sd.hasSalt && sd.salt != a.Salt
	if !existed {
		sd = &sourceDescriptor{sourceID: a.SourceID}
		s.sources[a.SourceID] = sd
	}
	sd.endpoint = Endpoint{Addr: addr, ID: a.SourceID}
	sd.salt = a.Salt
	sd.hasSalt = true
	sd.channels = int(a.Channels)
	sd.sampleRate = int(a.SampleRate)
	sd.blockSize = header.BlockSize
	sd.decoder = dec
	sd.resampler = resample.New()
	sd.resampler.Setup(sd.blockSize, s.blockSize, sd.sampleRate, s.sampleRate, sd.channels)
	sd.jitterBuf = jitter.New(config.JitterCapacity(s.opts.bufferSecs, sd.sampleRate, sd.blockSize))
	sd.jitterBuf.SetPool(Pool())
	sd.state = streamBuffering
	sd.needFormat = false
	sd.lastPacketElapsed = s.timer.GetElapsed()

	if !existed {
		s.events.push(Event{Kind: EventSourceAdded, Endpoint: sd.endpoint})
	}
	if isRestart || !existed {
		s.events.push(Event{Kind: EventStreamStart, Endpoint: sd.endpoint, Metadata: a.Metadata,
			Format: Format{Codec: a.CodecName, Channels: sd.channels, SampleRate: sd.sampleRate, BlockSize: sd.blockSize, Tail: a.CodecTail}})
	} else {
		s.events.push(Event{Kind: EventFormatChange, Endpoint: sd.endpoint})
	}
}

func (s *Sink) handleDataFrame(d protocol.DataFrame, addr Address) {
	sd, ok := s.sources[d.SourceID]
	if !ok {
		// Unknown source: request its format before buffering any data.
		req := protocol.FormatRequest{SourceID: d.SourceID, SinkID: s.id}
		s.outbox.Push(outboundMsg{addr: addr, data: req.Marshal()})
		return
	}
	if sd.hasSalt && sd.salt != d.Salt {
		// New stream from the same source id (spec §4.3: a salt mismatch
		// triggers a decoder reset). Drop this frame, but reset buffered
		// state and re-request the format rather than silently discarding
		// every subsequent frame if the /format announcement itself was lost.
		if sd.decoder != nil {
			sd.decoder.Reset()
		}
		if sd.jitterBuf != nil {
			sd.jitterBuf.Reset()
		}
		req := protocol.FormatRequest{SourceID: d.SourceID, SinkID: s.id}
		s.outbox.Push(outboundMsg{addr: addr, data: req.Marshal()})
		return
	}
	sd.lastPacketElapsed = s.timer.GetElapsed()
	sd.channelOnset = int(d.ChannelOnset)
	frameSize := 0
	if d.FrameCount > 0 {
		frameSize = (int(d.TotalSize) + int(d.FrameCount) - 1) / int(d.FrameCount)
	}
	outcome := sd.jitterBuf.Push(d.Sequence, int(d.FrameIndex), int(d.FrameCount), int(d.ChannelOnset),
		int(d.SampleRate), int(d.TotalSize), frameSize, d.Payload)
	if outcome.LostOnPush > 0 {
		s.events.push(Event{Kind: EventBlockDropped, Endpoint: sd.endpoint, Sequence: d.Sequence})
	}
	if outcome.Resent {
		s.events.push(Event{Kind: EventBlockResent, Endpoint: sd.endpoint, Sequence: d.Sequence})
	}
}

// PollEvents drains the sink's event queue.
func (s *Sink) PollEvents() []Event {
	return s.events.poll()
}
