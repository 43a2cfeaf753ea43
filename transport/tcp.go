package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/showcontroller/oscwire/internal/metrics"
	"github.com/showcontroller/oscwire/internal/scheduler"
)

// TCPConfig configures a TCP client transport.
type TCPConfig struct {
	// RemoteAddr is the peer to connect to, e.g. "10.0.0.221:8765".
	RemoteAddr string
	Framing    Framing
	// MaxPacketSize bounds both sent and received frames.
	MaxPacketSize int
	// ReconnectInterval is the fixed wait between connect attempts.
	ReconnectInterval time.Duration
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds writing one frame.
	WriteTimeout time.Duration
	// KeepAlivePeriod is the TCP keep-alive probe interval.
	KeepAlivePeriod time.Duration
	// LivenessInterval is how often Update checks the connection for
	// failure.
	LivenessInterval time.Duration
	QueueDepth       int
}

// DefaultTCPConfig returns SLIP framing with a 200ms reconnect interval.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Framing:           FramingSLIP,
		MaxPacketSize:     65507,
		ReconnectInterval: 200 * time.Millisecond,
		DialTimeout:       2 * time.Second,
		WriteTimeout:      2 * time.Second,
		KeepAlivePeriod:   5 * time.Second,
		LivenessInterval:  time.Second,
		QueueDepth:        DefaultQueueDepth,
	}
}

func (c *TCPConfig) applyDefaults() {
	def := DefaultTCPConfig()
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = def.KeepAlivePeriod
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = def.LivenessInterval
	}
}

// TCP is a framed TCP client. Start spawns a connect loop that retries on a
// fixed interval until it succeeds or Stop is called. A broken connection is
// detected by the reader goroutine or a failed write and torn down by the
// next liveness check, which restarts the connect loop.
//
// States: Stopped, Starting (first connect), Ready, Reconnecting.
type TCP struct {
	instance
	cfg     TCPConfig
	handler Handler
	sched   *scheduler.Scheduler
	queue   *sendQueue

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	conn       *net.TCPConn
	w          *bufio.Writer
	connecting bool
	lastCheck  time.Time
	wg         sync.WaitGroup

	broken atomic.Bool
}

// NewTCP returns a stopped TCP client. handler receives packets sent back by
// the peer and may be nil.
func NewTCP(cfg TCPConfig, handler Handler) *TCP {
	cfg.applyDefaults()
	return &TCP{
		instance: newInstance(KindTCP),
		cfg:      cfg,
		handler:  handler,
		sched:    scheduler.For(KindTCP),
		queue:    newSendQueue(cfg.QueueDepth),
	}
}

// Start begins connecting in the background. Packets sent before the
// connection is up stay queued.
func (t *TCP) Start() error {
	if t.cfg.RemoteAddr == "" {
		return ErrNoRemote
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrRunning
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.setError(nil)
	t.setState(Starting)
	t.sched.Add(t)
	t.startConnectLocked()
	return nil
}

func (t *TCP) startConnectLocked() {
	if t.connecting {
		return
	}
	t.connecting = true
	t.wg.Add(1)
	go t.connectLoop(t.ctx)
}

func (t *TCP) connectLoop(ctx context.Context) {
	defer t.wg.Done()
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	attempt := 0
	for {
		raw, err := dialer.DialContext(ctx, "tcp", t.cfg.RemoteAddr)
		if err == nil {
			if t.attach(ctx, raw.(*net.TCPConn)) {
				t.log.Info().Str("remote", t.cfg.RemoteAddr).Int("attempts", attempt+1).Msg("connected")
			}
			return
		}
		if ctx.Err() != nil {
			t.finishConnect()
			return
		}
		attempt++
		t.setError(err)
		t.log.Warn().Err(err).Int("attempt", attempt).Dur("retry", t.cfg.ReconnectInterval).Msg("connect failed")
		if err := waitInterval(ctx, t.cfg.ReconnectInterval); err != nil {
			t.finishConnect()
			return
		}
	}
}

func (t *TCP) finishConnect() {
	t.mu.Lock()
	t.connecting = false
	t.mu.Unlock()
}

// waitInterval sleeps for d unless ctx is cancelled first.
func waitInterval(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// configureConn disables Nagle's algorithm, enables keep-alive and restores
// the default close behaviour, where Close returns at once and the OS
// delivers unsent data in the background.
func configureConn(conn *net.TCPConn, keepAlive time.Duration) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlivePeriod(keepAlive); err != nil {
		return err
	}
	return conn.SetLinger(-1)
}

// attach installs a freshly dialed connection. It reports false if the
// transport was stopped meanwhile.
func (t *TCP) attach(ctx context.Context, conn *net.TCPConn) bool {
	if err := configureConn(conn, t.cfg.KeepAlivePeriod); err != nil {
		t.log.Warn().Err(err).Msg("socket options")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connecting = false
	if ctx.Err() != nil {
		conn.Close()
		return false
	}
	t.conn = conn
	t.w = bufio.NewWriter(conn)
	t.broken.Store(false)
	t.setState(Ready)
	t.wg.Add(1)
	go t.readLoop(conn)
	t.sched.Wake()
	return true
}

func (t *TCP) readLoop(conn *net.TCPConn) {
	defer t.wg.Done()
	dec := t.cfg.Framing.NewDecoder(t.cfg.MaxPacketSize)
	from := conn.RemoteAddr()
	err := readFrames(conn, dec, func(p []byte) {
		metrics.PacketReceived(KindTCP)
		if t.handler != nil {
			t.handler(p, from)
		}
	})
	if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrSLIPEscape) {
		metrics.FrameError(t.cfg.Framing.String())
	}
	t.markBroken(conn, err)
}

// readFrames feeds everything read from conn to dec until the stream ends or
// a framing error occurs.
func readFrames(conn net.Conn, dec Decoder, emit func([]byte)) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, ferr := dec.Feed(buf[:n], emit); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// markBroken flags conn for teardown by the next liveness check and wakes
// the scheduler.
func (t *TCP) markBroken(conn *net.TCPConn, err error) {
	t.mu.Lock()
	current := t.conn == conn
	t.mu.Unlock()
	if !current {
		return
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		t.setError(err)
		t.log.Warn().Err(err).Msg("connection lost")
	}
	t.broken.Store(true)
	t.sched.Wake()
}

// Send copies packet into the send queue and wakes the TCP scheduler. It
// never blocks on the network.
func (t *TCP) Send(packet []byte) error {
	if t.State() == Stopped {
		return ErrStopped
	}
	if len(packet) > t.cfg.MaxPacketSize {
		metrics.SendDropped(KindTCP, "too_large")
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(packet))
	}
	if err := t.queue.push(packet); err != nil {
		metrics.SendDropped(KindTCP, "queue_full")
		return err
	}
	t.sched.Wake()
	return nil
}

// Flush wakes the scheduler so queued packets are written promptly.
func (t *TCP) Flush() error {
	t.sched.Wake()
	return nil
}

// Pending returns the number of packets waiting to be written.
func (t *TCP) Pending() int {
	return t.queue.len()
}

// Update writes queued packets and, at most once per LivenessInterval,
// reconnects a broken connection. It is called by the scheduler.
func (t *TCP) Update(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}

	if t.conn != nil && !t.broken.Load() {
		if _, err := t.queue.drain(t.writeLocked); err != nil {
			metrics.SendDropped(KindTCP, "write_error")
			t.setError(err)
			t.log.Warn().Err(err).Msg("write failed")
			t.broken.Store(true)
		}
	}

	if now.Sub(t.lastCheck) < t.cfg.LivenessInterval {
		return
	}
	t.lastCheck = now
	if t.conn != nil && t.broken.Load() {
		t.reconnectLocked()
	}
}

func (t *TCP) writeLocked(p []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := t.cfg.Framing.WriteFrame(t.w, p); err != nil {
		return err
	}
	if err := t.w.Flush(); err != nil {
		return err
	}
	metrics.PacketSent(KindTCP)
	return nil
}

func (t *TCP) reconnectLocked() {
	metrics.Reconnect(KindTCP)
	t.log.Info().Str("remote", t.cfg.RemoteAddr).Msg("reconnecting")
	t.conn.Close()
	t.conn, t.w = nil, nil
	t.broken.Store(false)
	t.setState(Reconnecting)
	t.startConnectLocked()
}

// Stop cancels any connect attempt, closes the connection, waits for the
// background goroutines, releases queued packets and leaves the scheduler.
func (t *TCP) Stop() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return nil
	}
	t.cancel()
	t.cancel = nil
	conn := t.conn
	t.conn, t.w = nil, nil
	t.setState(Stopped)
	t.mu.Unlock()

	t.sched.Remove(t)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	if n := t.queue.release(); n > 0 {
		t.log.Debug().Int("dropped", n).Msg("released queued packets")
	}
	t.log.Info().Msg("tcp stopped")
	return err
}

// Connected reports whether a connection is up.
func (t *TCP) Connected() bool {
	return t.State() == Ready
}
