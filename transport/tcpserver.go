package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/showcontroller/oscwire/internal/metrics"
	"github.com/showcontroller/oscwire/internal/scheduler"
)

// TCPServerConfig configures a TCPServer.
type TCPServerConfig struct {
	// Addr is the listen address, e.g. ":8765".
	Addr            string
	Framing         Framing
	MaxPacketSize   int
	KeepAlivePeriod time.Duration
	WriteTimeout    time.Duration
	QueueDepth      int
}

// DefaultTCPServerConfig returns a SLIP server on any free port.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Addr:            ":0",
		Framing:         FramingSLIP,
		MaxPacketSize:   65507,
		KeepAlivePeriod: 5 * time.Second,
		WriteTimeout:    2 * time.Second,
		QueueDepth:      DefaultQueueDepth,
	}
}

// TCPServer accepts framed TCP peers and hands every packet they send to one
// Handler. Send broadcasts a packet to every connected peer.
type TCPServer struct {
	instance
	cfg     TCPServerConfig
	handler Handler
	sched   *scheduler.Scheduler
	queue   *sendQueue

	mu    sync.Mutex
	ln    *net.TCPListener
	peers map[*peer]struct{}
	wg    sync.WaitGroup
}

type peer struct {
	conn *net.TCPConn
	w    *bufio.Writer
}

// NewTCPServer returns a stopped server.
func NewTCPServer(cfg TCPServerConfig, handler Handler) *TCPServer {
	def := DefaultTCPServerConfig()
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = def.MaxPacketSize
	}
	if cfg.KeepAlivePeriod <= 0 {
		cfg.KeepAlivePeriod = def.KeepAlivePeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &TCPServer{
		instance: newInstance(KindTCPServer),
		cfg:      cfg,
		handler:  handler,
		sched:    scheduler.For(KindTCPServer),
		queue:    newSendQueue(cfg.QueueDepth),
		peers:    make(map[*peer]struct{}),
	}
}

// Start listens and accepts peers in the background.
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrRunning
	}
	addr, err := net.ResolveTCPAddr("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", s.cfg.Addr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	s.setError(nil)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.sched.Add(s)
	s.setState(Ready)
	s.log.Info().Stringer("addr", ln.Addr()).Stringer("framing", s.cfg.Framing).Msg("tcp server listening")
	return nil
}

// Addr returns the listen address, or nil when stopped.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPServer) acceptLoop(ln *net.TCPListener) {
	defer s.wg.Done()
	var tempDelay time.Duration
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			tempDelay = nextDelay(tempDelay)
			s.setError(err)
			s.log.Warn().Err(err).Dur("retry", tempDelay).Msg("accept")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		if err := configureConn(conn, s.cfg.KeepAlivePeriod); err != nil {
			s.log.Debug().Err(err).Msg("socket options")
		}

		p := &peer{conn: conn, w: bufio.NewWriter(conn)}
		s.mu.Lock()
		if s.ln == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.peers[p] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serve(p)
	}
}

func (s *TCPServer) serve(p *peer) {
	defer s.wg.Done()
	from := p.conn.RemoteAddr()
	log := s.log.With().Stringer("peer", from).Logger()
	log.Info().Msg("peer connected")

	err := readFrames(p.conn, s.cfg.Framing.NewDecoder(s.cfg.MaxPacketSize), func(b []byte) {
		metrics.PacketReceived(KindTCPServer)
		if s.handler != nil {
			s.handler(b, from)
		}
	})
	if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrSLIPEscape) {
		metrics.FrameError(s.cfg.Framing.String())
		log.Warn().Err(err).Msg("framing error, closing peer")
	}
	s.dropPeer(p)
	log.Info().Msg("peer disconnected")
}

func (s *TCPServer) dropPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.conn.Close()
}

// Peers returns the number of connected peers.
func (s *TCPServer) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Send queues packet for every connected peer.
func (s *TCPServer) Send(packet []byte) error {
	if s.State() != Ready {
		return ErrStopped
	}
	if len(packet) > s.cfg.MaxPacketSize {
		metrics.SendDropped(KindTCPServer, "too_large")
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(packet))
	}
	if err := s.queue.push(packet); err != nil {
		metrics.SendDropped(KindTCPServer, "queue_full")
		return err
	}
	s.sched.Wake()
	return nil
}

// Flush wakes the scheduler.
func (s *TCPServer) Flush() error {
	s.sched.Wake()
	return nil
}

// Pending returns the number of packets waiting to be broadcast.
func (s *TCPServer) Pending() int {
	return s.queue.len()
}

// Update writes queued packets to every peer. A peer whose write fails is
// disconnected.
func (s *TCPServer) Update(time.Time) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	failed := map[*peer]error{}
	_, _ = s.queue.drain(func(b []byte) error {
		for _, p := range peers {
			if _, bad := failed[p]; bad {
				continue
			}
			if err := s.writeTo(p, b); err != nil {
				failed[p] = err
			}
		}
		metrics.PacketSent(KindTCPServer)
		return nil
	})
	for p, err := range failed {
		s.log.Warn().Err(err).Stringer("peer", p.conn.RemoteAddr()).Msg("write failed, closing peer")
		s.dropPeer(p)
	}
}

func (s *TCPServer) writeTo(p *peer, b []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := s.cfg.Framing.WriteFrame(p.w, b); err != nil {
		return err
	}
	return p.w.Flush()
}

// Stop closes the listener and every peer and waits for their goroutines.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	s.setState(Stopped)

	s.sched.Remove(s)
	err := ln.Close()
	for p := range peers {
		p.conn.Close()
	}
	s.wg.Wait()
	s.queue.release()
	s.log.Info().Msg("tcp server stopped")
	return err
}
