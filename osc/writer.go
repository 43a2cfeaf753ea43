package osc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

type scopeKind uint8

const (
	scopeMessage scopeKind = iota + 1
	scopeBundle
)

type scope struct {
	kind   scopeKind
	prefix int    // offset of the 4 byte length prefix, -1 at top level
	tags   string // declared argument tags, without ','
	next   int    // index of the next argument to write
}

// mark is a writer position that a failed composite write can roll back to.
type mark struct {
	n     int
	depth int
	next  int
}

// Writer builds one OSC packet into a fixed capacity buffer. Messages and
// bundles are opened and closed explicitly; closing a nested element back
// patches its length prefix.
//
// A write that does not fit returns ErrBufferFull and leaves the writer
// unchanged, so the caller can drop the packet with Reset or flush what it
// holds. A Writer is not safe for concurrent use.
type Writer struct {
	buf   []byte
	n     int
	stack []scope
}

// NewWriter returns a Writer with the given capacity in bytes.
func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = MaxPacketSize
	}
	return &Writer{
		buf:   make([]byte, capacity),
		stack: make([]scope, 0, 4),
	}
}

// Reset discards all content and open scopes.
func (w *Writer) Reset() {
	w.n = 0
	w.stack = w.stack[:0]
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.n
}

// Cap returns the buffer capacity.
func (w *Writer) Cap() int {
	return len(w.buf)
}

// Depth returns the number of open scopes.
func (w *Writer) Depth() int {
	return len(w.stack)
}

// Bytes returns the finished packet. It fails with ErrScopeOpen while a
// message or bundle is still open. The slice aliases the writer buffer
// until the next Reset.
func (w *Writer) Bytes() ([]byte, error) {
	if len(w.stack) > 0 {
		return nil, ErrScopeOpen
	}
	return w.buf[:w.n], nil
}

func (w *Writer) top() *scope {
	if len(w.stack) == 0 {
		return nil
	}
	return &w.stack[len(w.stack)-1]
}

func (w *Writer) mark() mark {
	m := mark{n: w.n, depth: len(w.stack)}
	if s := w.top(); s != nil {
		m.next = s.next
	}
	return m
}

func (w *Writer) rollback(m mark) {
	w.n = m.n
	w.stack = w.stack[:m.depth]
	if s := w.top(); s != nil {
		s.next = m.next
	}
}

func (w *Writer) reserve(size int) error {
	if w.n+size > len(w.buf) {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrBufferFull, size, w.n, len(w.buf))
	}
	return nil
}

// open checks that a new element may start here and returns the size of
// its length prefix.
func (w *Writer) open() (int, error) {
	s := w.top()
	switch {
	case s == nil && w.n > 0:
		return 0, ErrPacketComplete
	case s == nil:
		return 0, nil
	case s.kind == scopeMessage:
		return 0, fmt.Errorf("%w: elements cannot nest inside a message", ErrScopeOpen)
	}
	return bit32Size, nil
}

func (w *Writer) push(kind scopeKind, prefix int, tags string) {
	start := -1
	if prefix > 0 {
		start = w.n
		w.n += prefix
	}
	w.stack = append(w.stack, scope{kind: kind, prefix: start, tags: tags})
}

func (w *Writer) pop() {
	s := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	if s.prefix >= 0 {
		size := w.n - s.prefix - bit32Size
		binary.BigEndian.PutUint32(w.buf[s.prefix:], uint32(size))
	}
}

// BeginMessage opens a message. The address may be a pattern. tags declares
// the argument types, with or without the leading ','; every declared
// argument must be written before EndMessage.
func (w *Writer) BeginMessage(address, tags string) error {
	if !ValidPattern(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	tags = strings.TrimPrefix(tags, ",")
	for i := 0; i < len(tags); i++ {
		if t := TypeTag(tags[i]); !t.IsSupported() {
			return fmt.Errorf("%w: %q", ErrUnknownTypeTag, tags[i])
		}
	}
	prefix, err := w.open()
	if err != nil {
		return err
	}
	if err := w.reserve(prefix + paddedStringSize(address) + align4(len(tags)+2)); err != nil {
		return err
	}

	w.push(scopeMessage, prefix, tags)
	w.n += putPaddedString(w.buf[w.n:], address)
	w.buf[w.n] = ','
	n := 1 + copy(w.buf[w.n+1:], tags)
	size := align4(n + 1)
	clear(w.buf[w.n+n : w.n+size])
	w.n += size
	return nil
}

// EndMessage closes the innermost message.
func (w *Writer) EndMessage() error {
	s := w.top()
	if s == nil || s.kind != scopeMessage {
		return fmt.Errorf("%w: EndMessage", ErrNoScope)
	}
	if s.next != len(s.tags) {
		return fmt.Errorf("%w: wrote %d of %d", ErrMissingArguments, s.next, len(s.tags))
	}
	w.pop()
	return nil
}

// BeginBundle opens a bundle with the given time tag.
func (w *Writer) BeginBundle(tt Timetag) error {
	prefix, err := w.open()
	if err != nil {
		return err
	}
	if err := w.reserve(prefix + len(bundleTag) + bit64Size); err != nil {
		return err
	}
	w.push(scopeBundle, prefix, "")
	w.n += copy(w.buf[w.n:], bundleTag)
	binary.BigEndian.PutUint64(w.buf[w.n:], uint64(tt))
	w.n += bit64Size
	return nil
}

// EndBundle closes the innermost bundle.
func (w *Writer) EndBundle() error {
	s := w.top()
	if s == nil || s.kind != scopeBundle {
		return fmt.Errorf("%w: EndBundle", ErrNoScope)
	}
	w.pop()
	return nil
}

// expect checks that the next declared argument is one of tags and that
// size more bytes fit. It returns the declared tag.
func (w *Writer) expect(size int, tags ...TypeTag) (TypeTag, error) {
	s := w.top()
	if s == nil || s.kind != scopeMessage {
		return 0, fmt.Errorf("%w: argument written outside a message", ErrNoScope)
	}
	if s.next >= len(s.tags) {
		return 0, fmt.Errorf("%w: all %d declared arguments already written", ErrTagMismatch, len(s.tags))
	}
	declared := TypeTag(s.tags[s.next])
	for _, t := range tags {
		if t == declared {
			if err := w.reserve(size); err != nil {
				return 0, err
			}
			s.next++
			return declared, nil
		}
	}
	return 0, fmt.Errorf("%w: argument %d declared %v", ErrTagMismatch, s.next, declared)
}

func (w *Writer) putUint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.n:], v)
	w.n += bit32Size
}

func (w *Writer) putUint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[w.n:], v)
	w.n += bit64Size
}

// WriteInt32 writes an 'i' argument.
func (w *Writer) WriteInt32(v int32) error {
	if _, err := w.expect(bit32Size, TypeInt32); err != nil {
		return err
	}
	w.putUint32(uint32(v))
	return nil
}

// WriteInt64 writes an 'h' argument.
func (w *Writer) WriteInt64(v int64) error {
	if _, err := w.expect(bit64Size, TypeInt64); err != nil {
		return err
	}
	w.putUint64(uint64(v))
	return nil
}

// WriteFloat32 writes an 'f' argument.
func (w *Writer) WriteFloat32(v float32) error {
	if _, err := w.expect(bit32Size, TypeFloat32); err != nil {
		return err
	}
	w.putUint32(math.Float32bits(v))
	return nil
}

// WriteFloat64 writes a 'd' argument.
func (w *Writer) WriteFloat64(v float64) error {
	if _, err := w.expect(bit64Size, TypeFloat64); err != nil {
		return err
	}
	w.putUint64(math.Float64bits(v))
	return nil
}

// WriteString writes an 's' or 'S' argument.
func (w *Writer) WriteString(v string) error {
	if _, err := w.expect(paddedStringSize(v), TypeString, TypeAltTypeString); err != nil {
		return err
	}
	w.n += putPaddedString(w.buf[w.n:], v)
	return nil
}

// WriteBlob writes a 'b' argument.
func (w *Writer) WriteBlob(v []byte) error {
	if _, err := w.expect(bit32Size+align4(len(v)), TypeBlob); err != nil {
		return err
	}
	w.n += putBlob(w.buf[w.n:], v)
	return nil
}

// WriteBool accounts for a 'T' or 'F' argument. The declared tag must agree
// with v. Booleans carry no argument bytes.
func (w *Writer) WriteBool(v bool) error {
	want := TypeFalse
	if v {
		want = TypeTrue
	}
	_, err := w.expect(0, want)
	return err
}

// WriteNil accounts for an 'N' argument.
func (w *Writer) WriteNil() error {
	_, err := w.expect(0, TypeNil)
	return err
}

// WriteInfinitum accounts for an 'I' argument.
func (w *Writer) WriteInfinitum() error {
	_, err := w.expect(0, TypeInfinitum)
	return err
}

// WriteTimetag writes a 't' argument.
func (w *Writer) WriteTimetag(v Timetag) error {
	if _, err := w.expect(bit64Size, TypeTimeTag); err != nil {
		return err
	}
	w.putUint64(uint64(v))
	return nil
}

// WriteMIDI writes an 'm' argument.
func (w *Writer) WriteMIDI(v MIDI) error {
	if _, err := w.expect(bit32Size, TypeMIDI); err != nil {
		return err
	}
	w.n += copy(w.buf[w.n:], []byte{v.Port, v.Status, v.Data1, v.Data2})
	return nil
}

// WriteColor writes an 'r' argument.
func (w *Writer) WriteColor(v Color32) error {
	if _, err := w.expect(bit32Size, TypeColor32); err != nil {
		return err
	}
	w.n += copy(w.buf[w.n:], []byte{v.R, v.G, v.B, v.A})
	return nil
}

// WriteChar writes a 'c' argument.
func (w *Writer) WriteChar(v Char) error {
	if _, err := w.expect(bit32Size, TypeASCIIChar32); err != nil {
		return err
	}
	w.putUint32(uint32(v))
	return nil
}

// WriteArg writes one argument, choosing the method by the Go type of v.
func (w *Writer) WriteArg(v any) error {
	switch t := v.(type) {
	case bool:
		return w.WriteBool(t)
	case nil:
		return w.WriteNil()
	case int32:
		return w.WriteInt32(t)
	case int:
		return w.WriteInt32(int32(t))
	case float32:
		return w.WriteFloat32(t)
	case string:
		return w.WriteString(t)
	case []byte:
		return w.WriteBlob(t)
	case int64:
		return w.WriteInt64(t)
	case float64:
		return w.WriteFloat64(t)
	case Timetag:
		return w.WriteTimetag(t)
	case MIDI:
		return w.WriteMIDI(t)
	case Color32:
		return w.WriteColor(t)
	case Char:
		return w.WriteChar(t)
	case Infinitum:
		return w.WriteInfinitum()
	default:
		return fmt.Errorf("osc: unsupported argument type %T", v)
	}
}

// WriteMessage writes a complete message, inferring type tags from the Go
// types of args. On error nothing is written.
func (w *Writer) WriteMessage(address string, args ...any) error {
	tags, err := TypeTags(args...)
	if err != nil {
		return err
	}
	m := w.mark()
	if err := w.writeMessage(address, tags, args); err != nil {
		w.rollback(m)
		return err
	}
	return nil
}

func (w *Writer) writeMessage(address, tags string, args []any) error {
	if err := w.BeginMessage(address, tags); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteArg(arg); err != nil {
			return err
		}
	}
	return w.EndMessage()
}
