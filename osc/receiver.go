package osc

import (
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/showcontroller/oscwire/internal/logging"
	"github.com/showcontroller/oscwire/internal/metrics"
)

// Receiver parses raw packets and dispatches their messages to a
// Dispatcher. HandlePacket is called by transports on their network
// goroutines; Deliver is called by the application once per tick.
//
// Bundles whose time tag lies in the future are copied out of the receive
// buffer and dispatched when the tag expires.
type Receiver struct {
	dispatcher *Dispatcher
	log        zerolog.Logger

	mu      sync.Mutex // guards packet and scratch
	packet  *Packet
	scratch []*Method

	queueMu sync.Mutex
	queue   []*Method
	spare   []*Method

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool

	now func() time.Time
}

// NewReceiver returns a Receiver dispatching to d whose receive slot holds
// packets of up to bufferSize bytes.
func NewReceiver(d *Dispatcher, bufferSize int) *Receiver {
	if d == nil {
		d = NewDispatcher()
	}
	return &Receiver{
		dispatcher: d,
		log:        logging.Component("osc.receiver"),
		packet:     NewPacket(bufferSize),
		scratch:    make([]*Method, 0, 16),
		timers:     make(map[*time.Timer]struct{}),
		now:        time.Now,
	}
}

// Dispatcher returns the dispatch table.
func (r *Receiver) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// HandlePacket parses data and dispatches it. Malformed packets are logged
// and discarded. data is not retained.
func (r *Receiver) HandlePacket(data []byte, from net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.packet.ParseBytes(data); err != nil {
		metrics.ParseFailure()
		r.log.Debug().Err(err).Stringer("from", addrStringer{from}).Int("size", len(data)).Msg("discarding malformed packet")
		return
	}
	root, _ := r.packet.Root()
	r.scratch = r.dispatchElement(root, r.now(), r.scratch)
}

func (r *Receiver) dispatchElement(e Element, now time.Time, scratch []*Method) []*Method {
	if m, err := e.Message(); err == nil {
		return r.dispatchMessage(m, scratch)
	}
	b, err := e.Bundle()
	if err != nil {
		return scratch
	}
	if wait := b.Timetag().expiresAt(now); wait > 0 {
		r.schedule(b, wait)
		return scratch
	}
	b.Each(func(child Element) bool {
		scratch = r.dispatchElement(child, now, scratch)
		return true
	})
	return scratch
}

func (r *Receiver) dispatchMessage(m Message, scratch []*Method) []*Method {
	addr := m.AddressBytes()
	// The address only lives for the duration of Route.
	scratch = r.dispatcher.Route(unsafe.String(&addr[0], len(addr)), scratch[:0])
	if len(scratch) == 0 {
		return scratch
	}
	metrics.MessageDispatched()
	for _, method := range scratch {
		r.receive(method, m)
	}
	clear(scratch)
	return scratch
}

func (r *Receiver) receive(method *Method, m Message) {
	defer func() {
		if err := recover(); err != nil {
			metrics.CallbackPanic()
			r.log.Error().Interface("panic", err).Str("address", m.Address()).Msg("receive callback panicked")
		}
	}()
	if method.Receive != nil {
		method.Receive.HandleMessage(m)
	}
	if method.Deliver != nil && method.queued.CompareAndSwap(false, true) {
		r.queueMu.Lock()
		r.queue = append(r.queue, method)
		r.queueMu.Unlock()
	}
}

// schedule copies the bundle out of the shared receive buffer and dispatches
// it once its time tag expires.
func (r *Receiver) schedule(b Bundle, wait time.Duration) {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if r.closed {
		return
	}

	deferred := NewPacket(b.Size())
	if err := deferred.ParseBytes(b.Bytes()); err != nil {
		r.log.Error().Err(err).Msg("re-parsing deferred bundle")
		return
	}

	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		r.timersMu.Lock()
		delete(r.timers, t)
		closed := r.closed
		r.timersMu.Unlock()
		if closed {
			return
		}

		root, err := deferred.Root()
		if err != nil {
			return
		}
		bundle, _ := root.Bundle()
		now := r.now()
		var scratch []*Method
		bundle.Each(func(child Element) bool {
			scratch = r.dispatchElement(child, now, scratch)
			return true
		})
	})
	r.timers[t] = struct{}{}
	r.log.Debug().Dur("wait", wait).Int("messages", b.MessageCount()).Msg("deferred bundle")
}

// Deliver runs the Deliver callback of every method that received a message
// since the previous call. A method is delivered at most once per call no
// matter how many messages it received. Returns the number of callbacks run.
func (r *Receiver) Deliver() int {
	r.queueMu.Lock()
	pending := r.queue
	r.queue = r.spare[:0]
	r.queueMu.Unlock()

	for _, method := range pending {
		method.queued.Store(false)
		r.deliver(method)
	}
	n := len(pending)

	clear(pending)
	r.queueMu.Lock()
	r.spare = pending[:0]
	r.queueMu.Unlock()
	return n
}

func (r *Receiver) deliver(method *Method) {
	defer func() {
		if err := recover(); err != nil {
			metrics.CallbackPanic()
			r.log.Error().Interface("panic", err).Msg("deliver callback panicked")
		}
	}()
	method.Deliver()
}

// Pending returns the number of methods waiting for Deliver.
func (r *Receiver) Pending() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// Scheduled returns the number of bundles waiting for their time tag.
func (r *Receiver) Scheduled() int {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	return len(r.timers)
}

// Close cancels all deferred bundles. Packets handled after Close are still
// dispatched, but future bundles are dropped.
func (r *Receiver) Close() {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	r.closed = true
	for t := range r.timers {
		t.Stop()
		delete(r.timers, t)
	}
}

type addrStringer struct {
	addr net.Addr
}

func (a addrStringer) String() string {
	if a.addr == nil {
		return "-"
	}
	return a.addr.String()
}
