package aoo

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const ntpEpochOffset = 2208988800

// NtpTime is the 64-bit fixed-point wire timestamp: the upper 32 bits are
// whole seconds since 1900-01-01 UTC, the lower 32 bits a binary fraction of
// a second. It is the on-wire clock (spec §3); comparisons are by
// subtraction, never by parsing out a wall-clock date.
type NtpTime uint64

// NewNtpTime builds an NtpTime from a time.Time.
func NewNtpTime(t time.Time) NtpTime {
	secs := t.Unix() + ntpEpochOffset
	frac := uint64(float64(t.Nanosecond()) / 1e9 * (1 << 32))
	return NtpTime(uint64(secs)<<32 | (frac & 0xffffffff))
}

// Now returns the current time as an NtpTime.
func Now() NtpTime { return NewNtpTime(time.Now()) }

// Seconds returns t converted to Unix seconds (float64, sub-second precision).
func (t NtpTime) Seconds() float64 {
	secs := int64(t>>32) - ntpEpochOffset
	frac := float64(uint32(t)) / (1 << 32)
	return float64(secs) + frac
}

// Sub returns the elapsed time, in seconds, between t and earlier
// (t - earlier). This is the only comparison the wire format supports;
// NtpTime itself carries no calendar semantics beyond that.
func (t NtpTime) Sub(earlier NtpTime) float64 {
	return t.Seconds() - earlier.Seconds()
}

// IsZero reports whether t is the zero NtpTime (never set).
func (t NtpTime) IsZero() bool { return t == 0 }
