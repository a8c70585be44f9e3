// Package alog wires the module's internal structured logging to a
// host-provided callback instead of a file or stdout transport. The core
// never owns a log sink (that's the host's job); it only ever formats and
// classifies messages.
package alog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the severities spec.md §7 calls out. In the core, dropped
// duplicate frames and stale resends are never logged, and protocol parse
// failures log at Verbose; messages with an out-of-range address pattern are
// rejected by the same parser and also log at Verbose, not at Warning.
type Level int

const (
	Verbose Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Verbose:
		return "verbose"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Callback receives a formatted log line and its level. A nil callback
// discards everything.
type Callback func(level Level, msg string)

// callbackCore is a zapcore.Core that forwards every entry to a Callback.
type callbackCore struct {
	cb    Callback
	level zapcore.Level
	enc   zapcore.Encoder
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l >= zapcore.ErrorLevel:
		return Error
	case l >= zapcore.WarnLevel:
		return Warning
	default:
		return Verbose
	}
}

func (c *callbackCore) Enabled(level zapcore.Level) bool { return level >= c.level }

func (c *callbackCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *callbackCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *callbackCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	if c.cb != nil {
		c.cb(fromZapLevel(ent.Level), buf.String())
	}
	buf.Free()
	return nil
}

func (c *callbackCore) Sync() error { return nil }

// New builds a *zap.Logger whose every entry is forwarded to cb. A nil cb
// builds a logger that formats but discards — used before Initialize has
// been called with a real callback.
func New(cb Callback) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "" // the host callback has no use for our wall-clock time
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := &callbackCore{
		cb:    cb,
		level: zapcore.DebugLevel,
		enc:   zapcore.NewConsoleEncoder(encCfg),
	}
	return zap.New(core)
}

// Nop returns a logger that discards everything, used as the zero value
// before Initialize.
func Nop() *zap.Logger { return New(nil) }
