package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/showcontroller/oscwire/internal/metrics"
	"github.com/showcontroller/oscwire/internal/scheduler"
)

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// LocalAddr is the address to bind for receiving, e.g. ":8000". Port 0
	// picks a free port.
	LocalAddr string
	// RemoteAddr is the fixed destination of Send, e.g. "10.0.0.5:9000". It
	// may be a multicast group address.
	RemoteAddr string
	// MulticastGroup, if set, is joined on Interface after binding.
	MulticastGroup string
	// Interface names the multicast interface. Empty uses the system default.
	Interface string
	// MulticastLoopback delivers our own multicast sends back to this host.
	MulticastLoopback bool
	MaxPacketSize     int
	QueueDepth        int
}

// DefaultUDPConfig returns a config bound to any free port.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		LocalAddr:     ":0",
		MaxPacketSize: 65507,
		QueueDepth:    DefaultQueueDepth,
	}
}

// UDP sends datagrams to one remote endpoint and hands every received
// datagram to a Handler. Its states are Stopped and Ready.
type UDP struct {
	instance
	cfg     UDPConfig
	handler Handler
	sched   *scheduler.Scheduler
	queue   *sendQueue

	mu     sync.Mutex
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	remote *net.UDPAddr
	group  *net.UDPAddr
	ifi    *net.Interface
	wg     sync.WaitGroup
}

// NewUDP returns a stopped UDP transport. handler may be nil for send-only
// use.
func NewUDP(cfg UDPConfig, handler Handler) *UDP {
	def := DefaultUDPConfig()
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = def.MaxPacketSize
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = def.LocalAddr
	}
	return &UDP{
		instance: newInstance(KindUDP),
		cfg:      cfg,
		handler:  handler,
		sched:    scheduler.For(KindUDP),
		queue:    newSendQueue(cfg.QueueDepth),
	}
}

// Start binds the socket, joins the multicast group if configured and starts
// the reader goroutine.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return ErrRunning
	}

	laddr, err := net.ResolveUDPAddr("udp4", u.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("resolve local %q: %w", u.cfg.LocalAddr, err)
	}
	if u.cfg.RemoteAddr != "" {
		if u.remote, err = net.ResolveUDPAddr("udp4", u.cfg.RemoteAddr); err != nil {
			return fmt.Errorf("resolve remote %q: %w", u.cfg.RemoteAddr, err)
		}
	}
	if u.cfg.Interface != "" {
		if u.ifi, err = net.InterfaceByName(u.cfg.Interface); err != nil {
			return fmt.Errorf("interface %q: %w", u.cfg.Interface, err)
		}
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", laddr, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := u.configureMulticast(pc); err != nil {
		conn.Close()
		return err
	}

	u.conn, u.pc = conn, pc
	u.setError(nil)
	u.wg.Add(1)
	go u.readLoop(conn)
	u.sched.Add(u)
	u.setState(Ready)
	u.log.Info().Stringer("local", conn.LocalAddr()).Str("remote", u.cfg.RemoteAddr).Msg("udp started")
	return nil
}

func (u *UDP) configureMulticast(pc *ipv4.PacketConn) error {
	if u.cfg.MulticastGroup != "" {
		ip := net.ParseIP(u.cfg.MulticastGroup)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast group %q is not a multicast address", u.cfg.MulticastGroup)
		}
		u.group = &net.UDPAddr{IP: ip}
		if err := pc.JoinGroup(u.ifi, u.group); err != nil {
			return fmt.Errorf("join group %s: %w", ip, err)
		}
	}
	if u.remote != nil && u.remote.IP.IsMulticast() {
		if u.ifi != nil {
			if err := pc.SetMulticastInterface(u.ifi); err != nil {
				return fmt.Errorf("multicast interface: %w", err)
			}
		}
	}
	if u.group != nil || (u.remote != nil && u.remote.IP.IsMulticast()) {
		if err := pc.SetMulticastLoopback(u.cfg.MulticastLoopback); err != nil {
			return fmt.Errorf("multicast loopback: %w", err)
		}
	}
	return nil
}

// LocalAddr returns the bound address, or nil when stopped.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop(conn *net.UDPConn) {
	defer u.wg.Done()
	buf := make([]byte, u.cfg.MaxPacketSize)
	var tempDelay time.Duration
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			tempDelay = nextDelay(tempDelay)
			u.setError(err)
			u.log.Warn().Err(err).Dur("retry", tempDelay).Msg("udp read")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		metrics.PacketReceived(KindUDP)
		if u.handler != nil && n > 0 {
			u.handler(buf[:n], from)
		}
	}
}

// Send copies packet into the send queue and wakes the UDP scheduler.
func (u *UDP) Send(packet []byte) error {
	if u.State() != Ready {
		return ErrStopped
	}
	if u.remote == nil {
		return ErrNoRemote
	}
	if len(packet) > u.cfg.MaxPacketSize {
		metrics.SendDropped(KindUDP, "too_large")
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(packet))
	}
	if err := u.queue.push(packet); err != nil {
		metrics.SendDropped(KindUDP, "queue_full")
		return err
	}
	u.sched.Wake()
	return nil
}

// Flush wakes the scheduler so queued packets go out without waiting for
// the next interval.
func (u *UDP) Flush() error {
	u.sched.Wake()
	return nil
}

// Pending returns the number of packets waiting to be written.
func (u *UDP) Pending() int {
	return u.queue.len()
}

// Update writes every queued datagram. It is called by the scheduler.
func (u *UDP) Update(time.Time) {
	u.mu.Lock()
	conn, remote := u.conn, u.remote
	u.mu.Unlock()
	if conn == nil || remote == nil {
		return
	}
	for {
		_, err := u.queue.drain(func(p []byte) error {
			if _, err := conn.WriteToUDP(p, remote); err != nil {
				return err
			}
			metrics.PacketSent(KindUDP)
			return nil
		})
		if err == nil {
			return
		}
		metrics.SendDropped(KindUDP, "write_error")
		u.setError(err)
		u.log.Warn().Err(err).Stringer("remote", remote).Msg("udp write")
		if errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

// Stop closes the socket, waits for the reader and releases queued packets.
func (u *UDP) Stop() error {
	u.mu.Lock()
	conn, pc, group := u.conn, u.pc, u.group
	u.conn, u.pc = nil, nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	u.setState(Stopped)

	u.sched.Remove(u)
	if group != nil {
		if err := pc.LeaveGroup(u.ifi, group); err != nil {
			u.log.Debug().Err(err).Msg("leave group")
		}
	}
	err := conn.Close()
	u.wg.Wait()
	if n := u.queue.release(); n > 0 {
		u.log.Debug().Int("dropped", n).Msg("released queued packets")
	}
	u.log.Info().Msg("udp stopped")
	return err
}
