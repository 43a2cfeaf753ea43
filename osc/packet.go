package osc

import (
	"fmt"
)

// maxBundleDepth bounds bundle recursion so a hostile packet cannot exhaust
// the stack of the receive goroutine.
const maxBundleDepth = 64

type elementKind uint8

const (
	kindMessage elementKind = iota + 1
	kindBundle
)

// element is one parsed bundle element. All offsets are absolute offsets
// into the owning packet's buffer.
type element struct {
	kind  elementKind
	start int
	size  int
	next  int // index of the first element after this subtree

	// message
	addrEnd  int
	tagStart int // offset of ',' or -1 for messages without type tags
	argFirst int
	argCount int

	// bundle
	timetag Timetag
}

type argument struct {
	tag    TypeTag
	offset int
}

// Packet owns a receive buffer and the parsed view of its contents. A Packet
// is reused across receives: every call to Parse invalidates all Element,
// Message and Bundle views handed out before it.
type Packet struct {
	buf      []byte
	n        int
	gen      uint64
	ok       bool
	elements []element
	args     []argument
	messages int
}

// NewPacket returns a Packet whose buffer can hold capacity bytes.
func NewPacket(capacity int) *Packet {
	if capacity <= 0 {
		capacity = MaxPacketSize
	}
	return &Packet{
		buf:      make([]byte, capacity),
		elements: make([]element, 0, 8),
		args:     make([]argument, 0, 32),
	}
}

// Buffer returns the whole backing buffer. Read raw packet bytes into it and
// call Parse with the number of bytes read.
func (p *Packet) Buffer() []byte {
	return p.buf
}

// Bytes returns the bytes of the last parsed packet.
func (p *Packet) Bytes() []byte {
	return p.buf[:p.n]
}

// Len returns the size of the last parsed packet.
func (p *Packet) Len() int {
	return p.n
}

// Generation is incremented by every Parse call.
func (p *Packet) Generation() uint64 {
	return p.gen
}

// ParseBytes copies data into the packet buffer and parses it.
func (p *Packet) ParseBytes(data []byte) error {
	if len(data) > len(p.buf) {
		p.reset(0)
		return malformed(ErrTruncated, "packet of %d bytes exceeds buffer of %d", len(data), len(p.buf))
	}
	copy(p.buf, data)
	return p.Parse(len(data))
}

// Parse parses the first n bytes of the buffer as an OSC packet. On failure
// the packet holds no elements and the error wraps ErrMalformed.
func (p *Packet) Parse(n int) error {
	if n < 0 || n > len(p.buf) {
		p.reset(0)
		return malformed(ErrTruncated, "size %d outside buffer of %d", n, len(p.buf))
	}
	p.reset(n)
	if n == 0 {
		return malformed(ErrTruncated, "empty packet")
	}
	if err := p.parseElement(0, n, 0); err != nil {
		p.elements = p.elements[:0]
		p.args = p.args[:0]
		p.messages = 0
		return err
	}
	p.ok = true
	return nil
}

func (p *Packet) reset(n int) {
	p.gen++
	p.n = n
	p.ok = false
	p.elements = p.elements[:0]
	p.args = p.args[:0]
	p.messages = 0
}

func (p *Packet) parseElement(start, size, depth int) error {
	if isBundle(p.buf[start : start+size]) {
		if depth >= maxBundleDepth {
			return malformed(ErrElementLength, "bundle nesting deeper than %d", maxBundleDepth)
		}
		return p.parseBundle(start, size, depth)
	}
	return p.parseMessage(start, size)
}

func (p *Packet) parseMessage(start, size int) error {
	end := start + size
	buf := p.buf

	addrEnd := stringEnd(buf, start, end)
	if addrEnd < 0 {
		return malformed(ErrUnterminatedString, "address at offset %d", start)
	}
	if addrEnd == start {
		return malformed(ErrEmptyAddress, "at offset %d", start)
	}

	idx := len(p.elements)
	p.elements = append(p.elements, element{
		kind:     kindMessage,
		start:    start,
		size:     size,
		addrEnd:  addrEnd,
		tagStart: -1,
		argFirst: len(p.args),
	})

	cur := start + align4(addrEnd-start+1)
	if cur > end {
		return malformed(ErrTruncated, "address padding past element end")
	}
	// Messages from pre 1.0 clients carry no type tag string.
	if cur == end || buf[cur] != ',' {
		p.elements[idx].next = idx + 1
		p.messages++
		return nil
	}

	tagEnd := stringEnd(buf, cur, end)
	if tagEnd < 0 {
		return malformed(ErrUnterminatedString, "type tags at offset %d", cur)
	}
	data := cur + align4(tagEnd-cur+1)
	if data > end {
		return malformed(ErrTruncated, "type tag padding past element end")
	}

	for i := cur + 1; i < tagEnd; i++ {
		tag := TypeTag(buf[i])
		if tag == TypeArrayStart || tag == TypeArrayEnd {
			return malformed(ErrArrayUnsupported, "tag %q", byte(tag))
		}
		if !tag.IsSupported() {
			return malformed(ErrUnknownTypeTag, "tag %q", byte(tag))
		}

		p.args = append(p.args, argument{tag: tag, offset: data})
		switch w := tag.fixedSize(); {
		case w >= 0:
			data += w
		case tag == TypeBlob:
			if data+bit32Size > end {
				return malformed(ErrTruncated, "blob length at offset %d", data)
			}
			blobLen := int32(readUint32(buf, data))
			if blobLen < 0 {
				return malformed(ErrTruncated, "negative blob length %d", blobLen)
			}
			data += bit32Size + align4(int(blobLen))
		default:
			strEnd := stringEnd(buf, data, end)
			if strEnd < 0 {
				return malformed(ErrUnterminatedString, "argument at offset %d", data)
			}
			data += align4(strEnd - data + 1)
		}
		if data > end {
			return malformed(ErrTruncated, "argument %d of %q ends past element end", i-cur-1, tag)
		}
	}

	e := &p.elements[idx]
	e.tagStart = cur
	e.argCount = len(p.args) - e.argFirst
	e.next = idx + 1
	p.messages++
	return nil
}

func (p *Packet) parseBundle(start, size, depth int) error {
	const header = len(bundleTag) + bit64Size
	if size < header {
		return malformed(ErrTruncated, "bundle header of %d bytes", size)
	}

	idx := len(p.elements)
	p.elements = append(p.elements, element{
		kind:    kindBundle,
		start:   start,
		size:    size,
		timetag: Timetag(readUint64(p.buf, start+len(bundleTag))),
	})

	end := start + size
	cur := start + header
	for cur < end {
		if cur+bit32Size > end {
			return malformed(ErrElementLength, "short element length at offset %d", cur)
		}
		n := int32(readUint32(p.buf, cur))
		if n < 0 {
			return malformed(ErrElementLength, "negative element length %d", n)
		}
		cur += bit32Size
		if cur+int(n) > end {
			return malformed(ErrElementLength, "element of %d bytes overruns bundle", n)
		}
		if err := p.parseElement(cur, int(n), depth+1); err != nil {
			return err
		}
		cur += int(n)
	}

	p.elements[idx].next = len(p.elements)
	return nil
}

// Root returns the outermost element of the last successfully parsed packet.
func (p *Packet) Root() (Element, error) {
	if !p.ok {
		return Element{}, fmt.Errorf("osc: packet holds no parsed element: %w", ErrMalformed)
	}
	return Element{p: p, gen: p.gen, idx: 0}, nil
}

// IsBundle reports whether the parsed packet is a bundle.
func (p *Packet) IsBundle() bool {
	return p.ok && p.elements[0].kind == kindBundle
}

// Message returns the root element as a message.
func (p *Packet) Message() (Message, error) {
	e, err := p.Root()
	if err != nil {
		return Message{}, err
	}
	return e.Message()
}

// Bundle returns the root element as a bundle.
func (p *Packet) Bundle() (Bundle, error) {
	e, err := p.Root()
	if err != nil {
		return Bundle{}, err
	}
	return e.Bundle()
}

// MessageCount returns the number of messages in the packet, counting every
// nesting level.
func (p *Packet) MessageCount() int {
	return p.messages
}

// Clone returns a detached copy of the parsed packet, sized to its content.
func (p *Packet) Clone() *Packet {
	c := &Packet{
		buf:      make([]byte, p.n),
		n:        p.n,
		gen:      1,
		ok:       p.ok,
		elements: make([]element, len(p.elements)),
		args:     make([]argument, len(p.args)),
		messages: p.messages,
	}
	copy(c.buf, p.buf[:p.n])
	copy(c.elements, p.elements)
	copy(c.args, p.args)
	return c
}

// Element is a view of one bundle element: a Message or a Bundle.
type Element struct {
	p   *Packet
	gen uint64
	idx int
}

func (e Element) live() error {
	if e.p == nil {
		return ErrStaleView
	}
	if e.p.gen != e.gen {
		return ErrStaleView
	}
	return nil
}

// IsBundle reports whether the element is a bundle.
func (e Element) IsBundle() bool {
	return e.live() == nil && e.p.elements[e.idx].kind == kindBundle
}

// IsMessage reports whether the element is a message.
func (e Element) IsMessage() bool {
	return e.live() == nil && e.p.elements[e.idx].kind == kindMessage
}

// Message returns the element as a Message.
func (e Element) Message() (Message, error) {
	if err := e.live(); err != nil {
		return Message{}, err
	}
	if e.p.elements[e.idx].kind != kindMessage {
		return Message{}, ErrNotMessage
	}
	return Message{e}, nil
}

// Bundle returns the element as a Bundle.
func (e Element) Bundle() (Bundle, error) {
	if err := e.live(); err != nil {
		return Bundle{}, err
	}
	if e.p.elements[e.idx].kind != kindBundle {
		return Bundle{}, ErrNotBundle
	}
	return Bundle{e}, nil
}

// Bytes returns the raw element content. The slice aliases the packet buffer.
func (e Element) Bytes() []byte {
	if e.live() != nil {
		return nil
	}
	el := &e.p.elements[e.idx]
	return e.p.buf[el.start : el.start+el.size]
}

// Size returns the element content length in bytes.
func (e Element) Size() int {
	if e.live() != nil {
		return 0
	}
	return e.p.elements[e.idx].size
}

// Bundle is a view of a parsed OSC bundle.
type Bundle struct {
	Element
}

// Timetag returns the bundle's time tag.
func (b Bundle) Timetag() Timetag {
	if b.live() != nil {
		return 0
	}
	return b.p.elements[b.idx].timetag
}

// Len returns the number of direct child elements.
func (b Bundle) Len() int {
	n := 0
	b.Each(func(Element) bool {
		n++
		return true
	})
	return n
}

// MessageCount returns the number of messages in the bundle at every
// nesting level.
func (b Bundle) MessageCount() int {
	if b.live() != nil {
		return 0
	}
	n := 0
	for i := b.idx + 1; i < b.p.elements[b.idx].next; i++ {
		if b.p.elements[i].kind == kindMessage {
			n++
		}
	}
	return n
}

// Each calls fn for every direct child in wire order until fn returns false.
func (b Bundle) Each(fn func(Element) bool) {
	if b.live() != nil {
		return
	}
	end := b.p.elements[b.idx].next
	for i := b.idx + 1; i < end; i = b.p.elements[i].next {
		if !fn(Element{p: b.p, gen: b.gen, idx: i}) {
			return
		}
	}
}

// At returns the i-th direct child.
func (b Bundle) At(i int) (Element, error) {
	if err := b.live(); err != nil {
		return Element{}, err
	}
	var (
		out   Element
		found bool
		n     int
	)
	b.Each(func(e Element) bool {
		if n == i {
			out, found = e, true
			return false
		}
		n++
		return true
	})
	if !found {
		return Element{}, ErrIndexOutOfRange
	}
	return out, nil
}
