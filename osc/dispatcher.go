package osc

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler is implemented by anything that can receive an OSC message.
type Handler interface {
	HandleMessage(msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg Message)

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg Message) {
	f(msg)
}

// Method is a callback pair registered under an address pattern.
//
// Receive runs on the network goroutine that parsed the message. The message
// view is only valid for the duration of the call and Receive must only use
// thread safe state. Deliver runs later on the goroutine that calls
// Receiver.Deliver (usually once per application tick) and is where side
// effects owned by that goroutine belong. Either may be nil.
//
// A Method's identity is its pointer: registering the same *Method twice
// makes it fire twice.
type Method struct {
	Receive Handler
	Deliver func()

	queued atomic.Bool
}

// NewMethod returns a Method with the given callbacks.
func NewMethod(receive HandlerFunc, deliver func()) *Method {
	m := &Method{Deliver: deliver}
	if receive != nil {
		m.Receive = receive
	}
	return m
}

type route struct {
	pattern *Pattern
	methods []*Method
}

type routeTable struct {
	routes []route
	index  map[string]int
}

// Dispatcher maps address patterns to methods. Registration is serialized
// and publishes a new immutable table; Route reads the current table
// without locking, so a Route result stays valid while registrations change.
type Dispatcher struct {
	mu    sync.Mutex
	table atomic.Pointer[routeTable]
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.table.Store(&routeTable{index: map[string]int{}})
	return d
}

func (d *Dispatcher) load() *routeTable {
	t := d.table.Load()
	if t == nil {
		return &routeTable{}
	}
	return t
}

// Register adds method under pattern. Registering an already registered
// (pattern, method) pair adds a second, independent registration.
func (d *Dispatcher) Register(pattern string, method *Method) error {
	if method == nil {
		return ErrNilMethod
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.load()
	next := &routeTable{
		routes: make([]route, len(old.routes), len(old.routes)+1),
		index:  make(map[string]int, len(old.routes)+1),
	}
	copy(next.routes, old.routes)
	for k, v := range old.index {
		next.index[k] = v
	}

	if i, ok := next.index[pattern]; ok {
		r := next.routes[i]
		methods := make([]*Method, len(r.methods), len(r.methods)+1)
		copy(methods, r.methods)
		next.routes[i].methods = append(methods, method)
	} else {
		p, err := CompilePattern(pattern)
		if err != nil {
			return fmt.Errorf("register %q: %w", pattern, err)
		}
		next.index[pattern] = len(next.routes)
		next.routes = append(next.routes, route{pattern: p, methods: []*Method{method}})
	}

	d.table.Store(next)
	return nil
}

// Handle registers a receive-only method for pattern and returns it so it
// can be unregistered later.
func (d *Dispatcher) Handle(pattern string, fn HandlerFunc) (*Method, error) {
	m := NewMethod(fn, nil)
	if err := d.Register(pattern, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Unregister removes one registration of method under pattern. It reports
// whether a registration was removed; removing an unknown pair is a no-op.
func (d *Dispatcher) Unregister(pattern string, method *Method) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.load()
	i, ok := old.index[pattern]
	if !ok {
		return false
	}
	at := -1
	for j, m := range old.routes[i].methods {
		if m == method {
			at = j
			break
		}
	}
	if at < 0 {
		return false
	}

	next := &routeTable{index: make(map[string]int, len(old.routes))}
	for j, r := range old.routes {
		if j == i {
			if len(r.methods) == 1 {
				continue
			}
			methods := make([]*Method, 0, len(r.methods)-1)
			methods = append(methods, r.methods[:at]...)
			methods = append(methods, r.methods[at+1:]...)
			r.methods = methods
		}
		next.index[r.pattern.String()] = len(next.routes)
		next.routes = append(next.routes, r)
	}

	d.table.Store(next)
	return true
}

// Route appends every method whose pattern matches address to dst and
// returns the extended slice. Methods are returned in registration order.
// If address itself is a pattern, it is matched against registered literal
// addresses as well.
func (d *Dispatcher) Route(address string, dst []*Method) []*Method {
	t := d.load()
	var incoming *Pattern
	if strings.ContainsAny(address, patternChars) {
		if p, err := CompilePattern(address); err == nil {
			incoming = p
		}
	}
	for _, r := range t.routes {
		switch {
		case r.pattern.Match(address):
			dst = append(dst, r.methods...)
		case incoming != nil && r.pattern.IsLiteral() && incoming.Match(r.pattern.String()):
			dst = append(dst, r.methods...)
		}
	}
	return dst
}

// Len returns the number of registered patterns.
func (d *Dispatcher) Len() int {
	return len(d.load().routes)
}

// Patterns returns the registered patterns in registration order.
func (d *Dispatcher) Patterns() []string {
	t := d.load()
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.pattern.String())
	}
	return out
}
