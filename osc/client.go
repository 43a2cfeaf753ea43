package osc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/showcontroller/oscwire/internal/logging"
)

// Sender hands a finished packet to a transport. Implementations must copy
// packet before returning and must not block on network I/O.
type Sender interface {
	Send(packet []byte) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BufferSize is the capacity of the packet writer in bytes.
	BufferSize int
	// AutoBundle collects standalone messages into one implicit bundle.
	AutoBundle bool
	// AutoBundleThreshold flushes the implicit bundle once it grows past
	// this many bytes.
	AutoBundleThreshold int
}

// DefaultClientConfig returns a 4 KiB writer with auto-bundling off and a
// threshold that keeps bundles within a typical Ethernet MTU.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BufferSize:          4096,
		AutoBundleThreshold: 1200,
	}
}

// Client builds OSC packets and hands them to a Sender. It is safe for
// concurrent use; manually opened scopes are shared by all callers.
type Client struct {
	mu        sync.Mutex
	out       Sender
	w         *Writer
	threshold int
	auto      bool
	autoOpen  bool
	autoCount int
	manual    mark // writer position before the outermost manual scope
	log       zerolog.Logger
}

// NewClient returns a Client writing to out.
func NewClient(out Sender, cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.AutoBundleThreshold <= 0 || cfg.AutoBundleThreshold > cfg.BufferSize {
		cfg.AutoBundleThreshold = cfg.BufferSize
	}
	return &Client{
		out:       out,
		w:         NewWriter(cfg.BufferSize),
		threshold: cfg.AutoBundleThreshold,
		auto:      cfg.AutoBundle,
		log:       logging.Component("osc.client"),
	}
}

// manualDepth is the number of scopes opened by callers, not counting the
// implicit auto bundle.
func (c *Client) manualDepth() int {
	d := c.w.Depth()
	if c.autoOpen {
		d--
	}
	return d
}

func (c *Client) ensureAutoBundle() error {
	if c.autoOpen {
		return nil
	}
	if err := c.w.BeginBundle(Immediately); err != nil {
		return err
	}
	c.autoOpen = true
	return nil
}

// Send writes a standalone message. With auto-bundling it is appended to
// the implicit bundle, otherwise it is sent at once. A message that cannot
// fit the writer is dropped and ErrBufferFull returned.
func (c *Client) Send(address string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manualDepth() > 0 {
		return fmt.Errorf("%w: Send while a manual scope is open", ErrScopeOpen)
	}
	if !c.auto {
		defer c.w.Reset()
		if err := c.w.WriteMessage(address, args...); err != nil {
			return err
		}
		return c.sendLocked()
	}

	if err := c.ensureAutoBundle(); err != nil {
		return err
	}
	err := c.w.WriteMessage(address, args...)
	if errors.Is(err, ErrBufferFull) && c.autoCount > 0 {
		if ferr := c.flushLocked(); ferr != nil {
			return ferr
		}
		if err = c.ensureAutoBundle(); err == nil {
			err = c.w.WriteMessage(address, args...)
		}
	}
	if err != nil {
		if c.autoCount == 0 {
			c.w.Reset()
			c.autoOpen = false
		}
		return err
	}
	return c.elementAdded()
}

// elementAdded accounts for one finished element in the implicit bundle and
// flushes it when it has grown past the threshold.
func (c *Client) elementAdded() error {
	c.autoCount++
	if c.w.Len() > c.threshold {
		return c.flushLocked()
	}
	return nil
}

// BeginMessage opens a message scope. See Writer.BeginMessage.
func (c *Client) BeginMessage(address, tags string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginLocked(); err != nil {
		return err
	}
	return c.w.BeginMessage(address, tags)
}

// BeginBundle opens a bundle scope.
func (c *Client) BeginBundle(tt Timetag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginLocked(); err != nil {
		return err
	}
	return c.w.BeginBundle(tt)
}

// beginLocked opens the implicit bundle if needed and remembers where the
// outermost manual scope starts.
func (c *Client) beginLocked() error {
	if c.auto {
		if err := c.ensureAutoBundle(); err != nil {
			return err
		}
	}
	if c.manualDepth() == 0 {
		c.manual = c.w.mark()
	}
	return nil
}

// Append writes arguments into the open message.
func (c *Client) Append(args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualDepth() == 0 {
		return fmt.Errorf("%w: Append", ErrNoScope)
	}
	for _, arg := range args {
		if err := c.w.WriteArg(arg); err != nil {
			return c.failLocked(err)
		}
	}
	return nil
}

// EndMessage closes the open message. Closing the outermost manual scope
// sends the packet, or adds it to the implicit bundle.
func (c *Client) EndMessage() error {
	return c.end((*Writer).EndMessage)
}

// EndBundle closes the open bundle. Calling it with no manual scope open is
// a usage error.
func (c *Client) EndBundle() error {
	return c.end((*Writer).EndBundle)
}

func (c *Client) end(close func(*Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualDepth() == 0 {
		return fmt.Errorf("%w: no manual scope to close", ErrNoScope)
	}
	if err := close(c.w); err != nil {
		return err
	}
	if c.manualDepth() > 0 {
		return nil
	}
	if c.autoOpen {
		return c.elementAdded()
	}
	defer c.w.Reset()
	return c.sendLocked()
}

// failLocked drops the manually built packet after a buffer overflow.
// Messages already in the implicit bundle stay queued.
func (c *Client) failLocked(err error) error {
	if !errors.Is(err, ErrBufferFull) {
		return err
	}
	c.log.Warn().Err(err).Int("pending", c.autoCount).Msg("dropping packet")
	if c.autoOpen && c.autoCount > 0 {
		c.w.rollback(c.manual)
		return err
	}
	c.w.Reset()
	c.autoOpen = false
	return err
}

// Flush sends the implicit bundle if it holds any message. It does nothing
// while a manual scope is open.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.autoOpen || c.autoCount == 0 || c.manualDepth() > 0 {
		return nil
	}
	return c.flushLocked()
}

func (c *Client) flushLocked() error {
	defer func() {
		c.w.Reset()
		c.autoOpen = false
		c.autoCount = 0
	}()
	if err := c.w.EndBundle(); err != nil {
		return err
	}
	return c.sendLocked()
}

func (c *Client) sendLocked() error {
	b, err := c.w.Bytes()
	if err != nil {
		return err
	}
	return c.out.Send(b)
}

// AutoBundle reports whether auto-bundling is on.
func (c *Client) AutoBundle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

// SetAutoBundle turns auto-bundling on or off. Turning it off flushes a non
// empty implicit bundle. Changing the mode while a manual scope is open is a
// usage error.
func (c *Client) SetAutoBundle(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.auto {
		return nil
	}
	if c.manualDepth() > 0 {
		return fmt.Errorf("%w: cannot change auto-bundle mode", ErrScopeOpen)
	}
	c.auto = on
	if on || !c.autoOpen {
		return nil
	}
	if c.autoCount == 0 {
		c.w.Reset()
		c.autoOpen = false
		return nil
	}
	return c.flushLocked()
}

// Pending returns the number of messages waiting in the implicit bundle.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCount
}
