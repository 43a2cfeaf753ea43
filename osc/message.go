package osc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Message is a view of a parsed OSC message. An OSC message consists of an
// OSC address pattern and zero or more arguments. The view borrows the
// packet buffer and becomes stale when the packet is parsed again.
type Message struct {
	Element
}

func (m Message) el() *element {
	return &m.p.elements[m.idx]
}

// AddressBytes returns the raw address pattern. The slice aliases the packet
// buffer.
func (m Message) AddressBytes() []byte {
	if m.live() != nil {
		return nil
	}
	el := m.el()
	return m.p.buf[el.start:el.addrEnd]
}

// Address returns the address pattern as a string.
func (m Message) Address() string {
	return string(m.AddressBytes())
}

// Len returns the number of arguments.
func (m Message) Len() int {
	if m.live() != nil {
		return 0
	}
	return m.el().argCount
}

// TypeTags returns the type tag string including the leading ','. Messages
// without a type tag string return "".
func (m Message) TypeTags() string {
	if m.live() != nil {
		return ""
	}
	el := m.el()
	if el.tagStart < 0 {
		return ""
	}
	return string(m.p.buf[el.tagStart : el.tagStart+1+el.argCount])
}

func (m Message) arg(i int) (argument, error) {
	if err := m.live(); err != nil {
		return argument{}, err
	}
	el := m.el()
	if i < 0 || i >= el.argCount {
		return argument{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, el.argCount)
	}
	return m.p.args[el.argFirst+i], nil
}

// Tag returns the type tag of argument i.
func (m Message) Tag(i int) (TypeTag, error) {
	a, err := m.arg(i)
	return a.tag, err
}

// Offset returns the byte offset of argument i relative to the start of the
// message.
func (m Message) Offset(i int) (int, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	return a.offset - m.el().start, nil
}

// ReadInt32 reads argument i as an int32. Numeric tags are converted,
// True/False read as 1/0, a char reads as its code. Other tags read as 0.
func (m Message) ReadInt32(i int) (int32, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	b := m.p.buf
	switch a.tag {
	case TypeInt32, TypeASCIIChar32:
		return int32(readUint32(b, a.offset)), nil
	case TypeInt64:
		return int32(readUint64(b, a.offset)), nil
	case TypeFloat32:
		return int32(readFloat32(b, a.offset)), nil
	case TypeFloat64:
		return int32(readFloat64(b, a.offset)), nil
	case TypeTrue:
		return 1, nil
	}
	return 0, nil
}

// ReadInt64 reads argument i as an int64, converting numeric tags. A time
// tag reads as its raw 64 bit value.
func (m Message) ReadInt64(i int) (int64, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	b := m.p.buf
	switch a.tag {
	case TypeInt64, TypeTimeTag:
		return int64(readUint64(b, a.offset)), nil
	case TypeInt32, TypeASCIIChar32:
		return int64(int32(readUint32(b, a.offset))), nil
	case TypeFloat32:
		return int64(readFloat32(b, a.offset)), nil
	case TypeFloat64:
		return int64(readFloat64(b, a.offset)), nil
	case TypeTrue:
		return 1, nil
	}
	return 0, nil
}

// ReadFloat32 reads argument i as a float32, converting numeric tags.
func (m Message) ReadFloat32(i int) (float32, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	b := m.p.buf
	switch a.tag {
	case TypeFloat32:
		return readFloat32(b, a.offset), nil
	case TypeFloat64:
		return float32(readFloat64(b, a.offset)), nil
	case TypeInt32:
		return float32(int32(readUint32(b, a.offset))), nil
	case TypeInt64:
		return float32(int64(readUint64(b, a.offset))), nil
	case TypeTrue:
		return 1, nil
	}
	return 0, nil
}

// ReadFloat64 reads argument i as a float64, converting numeric tags.
func (m Message) ReadFloat64(i int) (float64, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	b := m.p.buf
	switch a.tag {
	case TypeFloat64:
		return readFloat64(b, a.offset), nil
	case TypeFloat32:
		return float64(readFloat32(b, a.offset)), nil
	case TypeInt32:
		return float64(int32(readUint32(b, a.offset))), nil
	case TypeInt64:
		return float64(int64(readUint64(b, a.offset))), nil
	case TypeTrue:
		return 1, nil
	}
	return 0, nil
}

// ReadBool reads argument i as a bool. True/False tags carry the value, a
// non-zero integer reads as true.
func (m Message) ReadBool(i int) (bool, error) {
	a, err := m.arg(i)
	if err != nil {
		return false, err
	}
	switch a.tag {
	case TypeTrue:
		return true, nil
	case TypeInt32:
		return readUint32(m.p.buf, a.offset) != 0, nil
	case TypeInt64:
		return readUint64(m.p.buf, a.offset) != 0, nil
	}
	return false, nil
}

// ReadString reads argument i as a string. String tags return their
// contents, every other atom is formatted.
func (m Message) ReadString(i int) (string, error) {
	a, err := m.arg(i)
	if err != nil {
		return "", err
	}
	b := m.p.buf
	switch a.tag {
	case TypeString, TypeAltTypeString:
		end := stringEnd(b, a.offset, len(b))
		return string(b[a.offset:end]), nil
	case TypeInt32:
		return strconv.FormatInt(int64(int32(readUint32(b, a.offset))), 10), nil
	case TypeInt64:
		return strconv.FormatInt(int64(readUint64(b, a.offset)), 10), nil
	case TypeFloat32:
		return strconv.FormatFloat(float64(readFloat32(b, a.offset)), 'g', -1, 32), nil
	case TypeFloat64:
		return strconv.FormatFloat(readFloat64(b, a.offset), 'g', -1, 64), nil
	case TypeASCIIChar32:
		return string(rune(b[a.offset+3])), nil
	case TypeTrue:
		return "true", nil
	case TypeFalse:
		return "false", nil
	case TypeNil:
		return "Nil", nil
	case TypeInfinitum:
		return "Infinitum", nil
	case TypeTimeTag:
		return strconv.FormatUint(readUint64(b, a.offset), 10), nil
	case TypeBlob:
		return fmt.Sprintf("blob(%d)", readUint32(b, a.offset)), nil
	case TypeMIDI:
		v := m.midiAt(a.offset)
		return fmt.Sprintf("midi(%d %d %d %d)", v.Port, v.Status, v.Data1, v.Data2), nil
	case TypeColor32:
		v := m.colorAt(a.offset)
		return fmt.Sprintf("rgba(%d %d %d %d)", v.R, v.G, v.B, v.A), nil
	}
	return "", nil
}

// ReadBlob returns the blob bytes of argument i. The slice aliases the packet
// buffer; copy it to keep it past the next Parse. Non-blob tags return nil.
func (m Message) ReadBlob(i int) ([]byte, error) {
	a, err := m.arg(i)
	if err != nil {
		return nil, err
	}
	if a.tag != TypeBlob {
		return nil, nil
	}
	n := int(readUint32(m.p.buf, a.offset))
	start := a.offset + bit32Size
	return m.p.buf[start : start+n], nil
}

// ReadTimetag reads argument i as a time tag.
func (m Message) ReadTimetag(i int) (Timetag, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	if a.tag != TypeTimeTag {
		return 0, nil
	}
	return Timetag(readUint64(m.p.buf, a.offset)), nil
}

// ReadMIDI reads argument i as a MIDI message.
func (m Message) ReadMIDI(i int) (MIDI, error) {
	a, err := m.arg(i)
	if err != nil {
		return MIDI{}, err
	}
	if a.tag != TypeMIDI {
		return MIDI{}, nil
	}
	return m.midiAt(a.offset), nil
}

// ReadColor reads argument i as an RGBA color.
func (m Message) ReadColor(i int) (Color32, error) {
	a, err := m.arg(i)
	if err != nil {
		return Color32{}, err
	}
	if a.tag != TypeColor32 {
		return Color32{}, nil
	}
	return m.colorAt(a.offset), nil
}

// ReadChar reads argument i as an ASCII character. An int32 reads as its low
// byte.
func (m Message) ReadChar(i int) (Char, error) {
	a, err := m.arg(i)
	if err != nil {
		return 0, err
	}
	switch a.tag {
	case TypeASCIIChar32, TypeInt32:
		return Char(m.p.buf[a.offset+3]), nil
	}
	return 0, nil
}

func (m Message) midiAt(off int) MIDI {
	b := m.p.buf[off : off+bit32Size]
	return MIDI{Port: b[0], Status: b[1], Data1: b[2], Data2: b[3]}
}

func (m Message) colorAt(off int) Color32 {
	b := m.p.buf[off : off+bit32Size]
	return Color32{R: b[0], G: b[1], B: b[2], A: b[3]}
}

// Arguments returns owned copies of all arguments as Go values, using the
// same types Writer.WriteMessage accepts.
func (m Message) Arguments() ([]any, error) {
	if err := m.live(); err != nil {
		return nil, err
	}
	el := m.el()
	b := m.p.buf
	out := make([]any, 0, el.argCount)
	for _, a := range m.p.args[el.argFirst : el.argFirst+el.argCount] {
		switch a.tag {
		case TypeInt32:
			out = append(out, int32(readUint32(b, a.offset)))
		case TypeInt64:
			out = append(out, int64(readUint64(b, a.offset)))
		case TypeFloat32:
			out = append(out, readFloat32(b, a.offset))
		case TypeFloat64:
			out = append(out, readFloat64(b, a.offset))
		case TypeString, TypeAltTypeString:
			end := stringEnd(b, a.offset, len(b))
			out = append(out, string(b[a.offset:end]))
		case TypeBlob:
			n := int(binary.BigEndian.Uint32(b[a.offset:]))
			blob := make([]byte, n)
			copy(blob, b[a.offset+bit32Size:])
			out = append(out, blob)
		case TypeTrue:
			out = append(out, true)
		case TypeFalse:
			out = append(out, false)
		case TypeNil:
			out = append(out, nil)
		case TypeInfinitum:
			out = append(out, Infinitum{})
		case TypeTimeTag:
			out = append(out, Timetag(readUint64(b, a.offset)))
		case TypeMIDI:
			out = append(out, m.midiAt(a.offset))
		case TypeColor32:
			out = append(out, m.colorAt(a.offset))
		case TypeASCIIChar32:
			out = append(out, Char(b[a.offset+3]))
		}
	}
	return out, nil
}

// String implements the fmt.Stringer interface.
func (m Message) String() string {
	if m.live() != nil {
		return "<stale>"
	}
	var sb strings.Builder
	sb.Write(m.AddressBytes())
	tags := m.TypeTags()
	if tags == "" {
		return sb.String()
	}
	sb.WriteByte(' ')
	sb.WriteString(tags)
	for i := 0; i < m.Len(); i++ {
		s, _ := m.ReadString(i)
		sb.WriteByte(' ')
		sb.WriteString(s)
	}
	return sb.String()
}
