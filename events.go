package aoo

import "github.com/aoo-audio/aoo-go/internal/rtqueue"

// EventKind enumerates the event types spec §6 lists as delivered via the
// event queue.
type EventKind int

const (
	EventSourceAdded EventKind = iota
	EventSourceRemoved
	EventSinkAdded
	EventSinkRemoved
	EventStreamStart
	EventStreamStop
	EventStreamState
	EventFormatChange
	EventPing
	EventInvite
	EventUninvite
	EventDecline
	EventInviteTimeout
	EventBufferOverrun
	EventBufferUnderrun
	EventBlockDropped
	EventBlockResent
	EventXrun
)

func (k EventKind) String() string {
	switch k {
	case EventSourceAdded:
		return "source_added"
	case EventSourceRemoved:
		return "source_removed"
	case EventSinkAdded:
		return "sink_added"
	case EventSinkRemoved:
		return "sink_removed"
	case EventStreamStart:
		return "stream_start"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamState:
		return "stream_state_changed"
	case EventFormatChange:
		return "format_change"
	case EventPing:
		return "ping"
	case EventInvite:
		return "invite"
	case EventUninvite:
		return "uninvite"
	case EventDecline:
		return "decline"
	case EventInviteTimeout:
		return "invite_timeout"
	case EventBufferOverrun:
		return "buffer_overrun"
	case EventBufferUnderrun:
		return "buffer_underrun"
	case EventBlockDropped:
		return "block_dropped"
	case EventBlockResent:
		return "block_resent"
	case EventXrun:
		return "xrun"
	default:
		return "unknown"
	}
}

// Event is a single item delivered by PollEvents. Only the fields relevant
// to Kind are populated; the rest are zero.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Format   Format
	Sequence int64

	// RTT (seconds) is populated on EventPing per SPEC_FULL.md's ping-based
	// RTT supplement. On a Sink it is the round-trip time from a ping reply
	// that echoes the Sink's send time, and zero when none is echoed; on a
	// Source it is the time since the Sink stamped its /ping.
	RTT float64

	// Token accompanies EventInvite (the token the source must echo back in
	// accept_invitation) and EventDecline.
	Token int32

	// Metadata carries start_stream's optional user blob on EventStreamStart.
	Metadata []byte
}

// eventQueue is an MPSC-backed FIFO of Event, shared by Source and Sink.
type eventQueue struct {
	q *rtqueue.MPSC
}

func newEventQueue() *eventQueue {
	return &eventQueue{q: rtqueue.NewMPSC()}
}

func (e *eventQueue) push(ev Event) {
	e.q.Push(ev)
}

// poll drains every currently queued event, in FIFO order.
func (e *eventQueue) poll() []Event {
	items := e.q.Drain()
	if items == nil {
		return nil
	}
	out := make([]Event, len(items))
	for i, it := range items {
		out[i] = it.(Event)
	}
	return out
}
