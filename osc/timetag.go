package osc

import (
	"encoding/binary"
	"time"
)

const (
	// Immediately is the time tag value consisting of 63 zero bits followed
	// by a one in the least significant bit. It means "immediately".
	Immediately Timetag = 1

	secondsFrom1900To1970 = 2208988800
)

// Timetag represents an OSC Time Tag.
// An OSC Time Tag is defined as follows:
// Time tags are represented by a 64 bit fixed point number. The first 32 bits
// specify the number of seconds since midnight on January 1, 1900, and the
// last 32 bits specify fractional parts of a second to a precision of about
// 200 picoseconds. This is the representation used by Internet NTP timestamps.
type Timetag uint64

// NewTimetag returns the time tag for the given time.
func NewTimetag(t time.Time) Timetag {
	return Timetag(timeToTimetag(t))
}

// Time returns the time.
func (t Timetag) Time() time.Time {
	return timetagToTime(uint64(t))
}

// IsImmediate reports whether the tag requests immediate delivery.
func (t Timetag) IsImmediate() bool {
	return t <= Immediately
}

// FractionalSecond returns the last 32 bits of the OSC time tag. Specifies the
// fractional part of a second.
func (t Timetag) FractionalSecond() uint32 {
	return uint32(t)
}

// SecondsSinceEpoch returns the first 32 bits (the number of seconds since the
// midnight 1900) from the OSC time tag.
func (t Timetag) SecondsSinceEpoch() uint32 {
	return uint32(t >> 32)
}

// String formats the tag as an RFC 3339 UTC time, or "immediate".
func (t Timetag) String() string {
	if t.IsImmediate() {
		return "immediate"
	}
	return t.Time().UTC().Format(time.RFC3339Nano)
}

// MarshalBinary converts the OSC time tag to a byte array.
func (t Timetag) MarshalBinary() ([]byte, error) {
	b := make([]byte, bit64Size)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b, nil
}

// ExpiresIn calculates the duration until the current time is the same as
// the value of the time tag. It returns zero if the value of the time tag is
// in the past or immediate.
func (t Timetag) ExpiresIn() time.Duration {
	return t.expiresAt(time.Now())
}

func (t Timetag) expiresAt(now time.Time) time.Duration {
	if t.IsImmediate() {
		return 0
	}
	d := t.Time().Sub(now)
	if d <= 0 {
		return 0
	}
	return d
}

// timeToTimetag converts the given time to an OSC time tag. The fraction is
// the nanosecond part scaled to 2^32.
func timeToTimetag(t time.Time) uint64 {
	secs := uint64(t.Unix()+secondsFrom1900To1970) << 32
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs + frac
}

// timetagToTime converts the given timetag to a time object.
func timetagToTime(timetag uint64) time.Time {
	secs := int64(timetag>>32) - secondsFrom1900To1970
	nanos := ((timetag & 0xffffffff) * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nanos))
}
