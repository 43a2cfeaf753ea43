// Package transport moves raw OSC packets over UDP and TCP.
//
// Every transport accepts packets through Send, which copies the packet into a
// pooled buffer and never blocks on the network. Writes happen in Update,
// driven by the shared scheduler of the transport's kind. Received packets
// are handed to a Handler on the transport's reader goroutine.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/showcontroller/oscwire/internal/logging"
)

// Kinds name the transport families. Each kind has its own scheduler.
const (
	KindUDP       = "udp"
	KindTCP       = "tcp"
	KindTCPServer = "tcp-server"
)

var (
	ErrStopped        = errors.New("transport: not started")
	ErrRunning        = errors.New("transport: already started")
	ErrQueueFull      = errors.New("transport: send queue full")
	ErrPacketTooLarge = errors.New("transport: packet exceeds max packet size")
	ErrNoRemote       = errors.New("transport: no remote address configured")
)

// nextDelay returns the pause before retrying a failed read or accept. It
// starts at 5ms and doubles up to one second.
func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if max := time.Second; d > max {
		return max
	}
	return d
}

// Handler receives one raw packet. packet is only valid during the call.
// osc.Receiver.HandlePacket satisfies it.
type Handler func(packet []byte, from net.Addr)

// State is the lifecycle state of a transport.
type State int32

const (
	Stopped State = iota
	Starting
	Ready
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// instance holds what every transport shares: identity, state and the last
// transport error.
type instance struct {
	id    string
	kind  string
	log   zerolog.Logger
	state atomic.Int32

	errMu   sync.Mutex
	lastErr error
}

func newInstance(kind string) instance {
	id := uuid.NewString()
	return instance{
		id:   id,
		kind: kind,
		log:  logging.Component("transport."+kind).With().Str("id", id).Logger(),
	}
}

// ID returns the instance id used in logs.
func (i *instance) ID() string {
	return i.id
}

// State returns the current lifecycle state.
func (i *instance) State() State {
	return State(i.state.Load())
}

func (i *instance) setState(s State) {
	if old := State(i.state.Swap(int32(s))); old != s {
		i.log.Debug().Stringer("from", old).Stringer("to", s).Msg("state")
	}
}

// LastError returns the most recent transport error, or nil.
func (i *instance) LastError() error {
	i.errMu.Lock()
	defer i.errMu.Unlock()
	return i.lastErr
}

func (i *instance) setError(err error) {
	i.errMu.Lock()
	i.lastErr = err
	i.errMu.Unlock()
}
