package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Lobaro/slip"
)

// SLIP special bytes (RFC 1055).
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

const lengthPrefixSize = 4

var (
	// ErrFrameTooLarge is a fatal stream error: the connection must be torn
	// down.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max packet size")
	// ErrSLIPEscape is returned for an ESC byte followed by anything other
	// than ESC_END or ESC_ESC.
	ErrSLIPEscape = errors.New("transport: invalid SLIP escape sequence")
	ErrFraming    = errors.New("transport: unknown framing")
)

// Framing selects the stream encoding of a TCP transport. Both peers must
// use the same framing; there is no detection.
type Framing int

const (
	FramingSLIP Framing = iota
	FramingLengthPrefix
)

// ParseFraming maps "slip" or "length" to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slip", "":
		return FramingSLIP, nil
	case "length", "length-prefix", "lengthprefix":
		return FramingLengthPrefix, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrFraming, s)
}

func (f Framing) String() string {
	switch f {
	case FramingSLIP:
		return "slip"
	case FramingLengthPrefix:
		return "length"
	}
	return fmt.Sprintf("Framing(%d)", int(f))
}

// WriteFrame writes one framed packet to w.
func (f Framing) WriteFrame(w io.Writer, packet []byte) error {
	switch f {
	case FramingSLIP:
		return slip.NewWriter(w).WritePacket(packet)
	case FramingLengthPrefix:
		var hdr [lengthPrefixSize]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		_, err := w.Write(packet)
		return err
	}
	return fmt.Errorf("%w: %d", ErrFraming, int(f))
}

// NewDecoder returns an incremental decoder that rejects packets larger than
// maxPacket bytes.
func (f Framing) NewDecoder(maxPacket int) Decoder {
	if f == FramingLengthPrefix {
		return &lengthDecoder{max: maxPacket, buf: make([]byte, 0, 512)}
	}
	return &slipDecoder{max: maxPacket, buf: make([]byte, 0, 512)}
}

// Decoder reassembles packets from arbitrary stream chunks.
type Decoder interface {
	// Feed consumes data and calls emit for every complete packet, in order.
	// The packet slice is only valid during emit. It returns the number of
	// bytes consumed; after an error the decoder must not be fed again.
	Feed(data []byte, emit func(packet []byte)) (int, error)
}

type slipDecoder struct {
	max     int
	buf     []byte
	escaped bool
}

func (d *slipDecoder) Feed(data []byte, emit func([]byte)) (int, error) {
	for i, c := range data {
		if d.escaped {
			d.escaped = false
			switch c {
			case slipEscEnd:
				c = slipEnd
			case slipEscEsc:
				c = slipEsc
			default:
				return i, fmt.Errorf("%w: 0x%02x after ESC", ErrSLIPEscape, c)
			}
		} else {
			switch c {
			case slipEnd:
				// Back to back END bytes delimit empty frames; skip them.
				if len(d.buf) > 0 {
					emit(d.buf)
					d.buf = d.buf[:0]
				}
				continue
			case slipEsc:
				d.escaped = true
				continue
			}
		}
		if len(d.buf) >= d.max {
			return i, fmt.Errorf("%w: SLIP frame longer than %d bytes", ErrFrameTooLarge, d.max)
		}
		d.buf = append(d.buf, c)
	}
	return len(data), nil
}

type lengthDecoder struct {
	max     int
	hdr     [lengthPrefixSize]byte
	hdrN    int
	want    int
	buf     []byte
	inFrame bool
}

func (d *lengthDecoder) Feed(data []byte, emit func([]byte)) (int, error) {
	n := 0
	for n < len(data) {
		if !d.inFrame {
			c := copy(d.hdr[d.hdrN:], data[n:])
			d.hdrN += c
			n += c
			if d.hdrN < lengthPrefixSize {
				return n, nil
			}
			size := int64(int32(binary.BigEndian.Uint32(d.hdr[:])))
			d.hdrN = 0
			if size < 0 || size > int64(d.max) {
				return n, fmt.Errorf("%w: declared length %d, max %d", ErrFrameTooLarge, size, d.max)
			}
			d.want = int(size)
			d.buf = d.buf[:0]
			d.inFrame = true
		}
		c := min(d.want-len(d.buf), len(data)-n)
		d.buf = append(d.buf, data[n:n+c]...)
		n += c
		if len(d.buf) == d.want {
			d.inFrame = false
			if d.want > 0 {
				emit(d.buf)
			}
		}
	}
	return n, nil
}
