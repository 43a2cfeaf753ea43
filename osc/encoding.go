package osc

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	bit32Size = 4
	bit64Size = 8

	// MaxPacketSize is the largest payload a single UDP datagram can carry
	// over IPv4. It is the default receive buffer size.
	MaxPacketSize = 65507

	bundleTag = "#bundle\x00"
)

////
// De/Encoding functions
////

// padBytesNeeded determines how many bytes are needed to fill up to the next
// 4 byte length.
func padBytesNeeded(elementLen int) int {
	return (4 - (elementLen % 4)) % 4
}

func align4(n int) int {
	return n + padBytesNeeded(n)
}

// paddedStringSize is the wire size of s including its terminator and padding.
func paddedStringSize(s string) int {
	return align4(len(s) + 1)
}

// stringEnd returns the index of the NUL terminator of the string starting at
// start, searching no further than end. Returns -1 if there is none.
func stringEnd(data []byte, start, end int) int {
	if start >= end {
		return -1
	}
	i := bytes.IndexByte(data[start:end], 0)
	if i < 0 {
		return -1
	}
	return start + i
}

// isBundle reports whether the element starting at data begins with the
// bundle tag "#bundle\0".
func isBundle(data []byte) bool {
	return len(data) >= len(bundleTag) && string(data[:len(bundleTag)]) == bundleTag
}

func readUint32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off : off+bit32Size])
}

func readUint64(b []byte, off int) uint64 {
	return binary.BigEndian.Uint64(b[off : off+bit64Size])
}

func readFloat32(b []byte, off int) float32 {
	return math.Float32frombits(readUint32(b, off))
}

func readFloat64(b []byte, off int) float64 {
	return math.Float64frombits(readUint64(b, off))
}

// putPaddedString writes a NUL terminated, 4 byte aligned string into b and
// returns the number of bytes written. b must hold paddedStringSize(s) bytes.
func putPaddedString(b []byte, s string) int {
	n := copy(b, s)
	size := align4(n + 1)
	clear(b[n:size])
	return size
}

// putBlob writes the length prefixed, 4 byte aligned blob into b and returns
// the number of bytes written.
func putBlob(b []byte, data []byte) int {
	binary.BigEndian.PutUint32(b, uint32(len(data)))
	n := bit32Size + copy(b[bit32Size:], data)
	size := align4(n)
	clear(b[n:size])
	return size
}
