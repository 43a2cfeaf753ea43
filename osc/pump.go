package osc

import (
	"errors"
	"sync"
)

// Flusher is implemented by clients that buffer outgoing messages.
type Flusher interface {
	Flush() error
}

// Deliverer is implemented by receivers that queue deferred callbacks.
type Deliverer interface {
	Deliver() int
}

// Pump drives a set of clients and receivers from the application tick.
// Call Flush at the end of the tick to push auto-bundled messages out and
// Deliver at the start to run queued Deliver callbacks.
type Pump struct {
	mu        sync.Mutex
	senders   []Flusher
	receivers []Deliverer
}

// NewPump returns an empty Pump.
func NewPump() *Pump {
	return &Pump{}
}

// AddSender adds a client to be flushed.
func (p *Pump) AddSender(f Flusher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senders = append(p.senders, f)
}

// AddReceiver adds a receiver to be delivered.
func (p *Pump) AddReceiver(d Deliverer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivers = append(p.receivers, d)
}

// Flush flushes every sender. All senders are flushed even if some fail;
// the failures are joined.
func (p *Pump) Flush() error {
	p.mu.Lock()
	senders := append([]Flusher(nil), p.senders...)
	p.mu.Unlock()

	var errs []error
	for _, f := range senders {
		if err := f.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver runs Deliver on every receiver and returns the total number of
// callbacks run.
func (p *Pump) Deliver() int {
	p.mu.Lock()
	receivers := append([]Deliverer(nil), p.receivers...)
	p.mu.Unlock()

	n := 0
	for _, r := range receivers {
		n += r.Deliver()
	}
	return n
}
