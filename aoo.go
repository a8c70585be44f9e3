// Package aoo implements the streaming core of AOO ("Audio over OSC"): a
// peer-to-peer audio streaming protocol carried over UDP between a Source
// and one or more Sinks. This package owns process-wide lifecycle (codec
// registry, RT memory pool, logging), the wire-level data types, and the
// Source and Sink state machines themselves. Host bindings, peer discovery, and
// concrete codec payload formats live outside this package.
package aoo

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aoo-audio/aoo-go/internal/alog"
	"github.com/aoo-audio/aoo-go/internal/codec"
	"github.com/aoo-audio/aoo-go/internal/rtqueue"
)

// Max UDP payload the core will ever construct or accept, matching the
// upstream AOO_MAX_PACKET_SIZE. packet_size is clamped to [64, MaxPacketSize].
const MaxPacketSize = 4096

// MinPacketSize is the floor control option packet_size clamps to.
const MinPacketSize = 64

// IDWildcard matches any receiver of a given role on the wire (OSC "*").
const IDWildcard int32 = -1

// IDInvalid marks an uninitialized or unknown endpoint id.
const IDInvalid int32 = -2

// ProtocolVersion is this implementation's (major, minor, patch). Spec §4.9:
// a major mismatch rejects the message, minor/patch differences are accepted.
var ProtocolVersion = Version{Major: 2, Minor: 0, Patch: 0}

// Version is the three-part protocol version carried in /format messages.
type Version struct {
	Major, Minor, Patch int32
}

// CheckVersion reports whether v is wire-compatible with this build: same
// major version, any minor/patch. Spec's open question about a stricter
// minor-version handshake is left as documented in DESIGN.md — we follow
// the original's permissive behavior.
func (v Version) CheckVersion(other Version) bool {
	return v.Major == other.Major
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Error is the status code every public entry point returns instead of a
// generic error or panic, per spec §7.
type Error string

const (
	ErrBadArgument        Error = "bad_argument"
	ErrNotImplemented     Error = "not_implemented"
	ErrIdle               Error = "idle"
	ErrOverflow           Error = "overflow"
	ErrOutOfMemory        Error = "out_of_memory"
	ErrNotFound           Error = "not_found"
	ErrInsufficientBuffer Error = "insufficient_buffer"
)

func (e Error) Error() string { return string(e) }

// Settings configures the process-wide lifecycle (spec §6 initialize).
type Settings struct {
	// MemoryPoolSize bounds the RT memory pool (spec §5: "RT memory pool is
	// process-wide; allocations during audio processing draw from it and
	// never call the system allocator"). Zero selects a built-in default.
	MemoryPoolSize int
	// LogCallback receives every internal log line; nil discards them.
	LogCallback alog.Callback
}

var (
	initMu      sync.Mutex
	initialized bool
	pool        *rtqueue.Pool
	logger      *zap.Logger = alog.Nop()
	registry    *codec.Registry
)

// Initialize performs process-wide setup: it builds the RT memory pool,
// wires the log callback, and registers the built-in codecs (PCM, Opus).
// It is not idempotent: calling it twice without an intervening Terminate
// returns ErrBadArgument and leaves the existing setup in place.
func Initialize(s Settings) error {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return ErrBadArgument
	}
	size := s.MemoryPoolSize
	if size <= 0 {
		size = 1 << 20 // 1 MiB default RT pool
	}
	pool = rtqueue.NewPool(size)
	logger = alog.New(s.LogCallback)
	registry = codec.NewRegistry()
	codec.RegisterBuiltins(registry)
	initialized = true
	return nil
}

// Terminate releases process-wide state. Instances created before Terminate
// remain usable until dropped by the host (spec §5: "shutdown is
// cooperative").
func Terminate() error {
	initMu.Lock()
	defer initMu.Unlock()
	if !initialized {
		return ErrBadArgument
	}
	initialized = false
	pool = nil
	logger = alog.Nop()
	registry = nil
	return nil
}

// Logger returns the process-wide structured logger, defaulting to a
// discarding logger before Initialize is called.
func Logger() *zap.Logger {
	initMu.Lock()
	defer initMu.Unlock()
	return logger
}

// Registry returns the process-wide codec registry. Returns nil if
// Initialize has not been called.
func Registry() *codec.Registry {
	initMu.Lock()
	defer initMu.Unlock()
	return registry
}

// Pool returns the process-wide RT memory pool.
func Pool() *rtqueue.Pool {
	initMu.Lock()
	defer initMu.Unlock()
	return pool
}
