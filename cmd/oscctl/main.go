// Command oscctl sends and receives OSC packets from the command line.
//
//	oscctl send [-config file] [-kind udp|tcp] [-remote host:port] /address [args...]
//	oscctl listen [-config file] [-kind udp|tcp-server] [-port n] [-route pattern]... [-metrics addr]
//	oscctl config [-config file]
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/showcontroller/oscwire/internal/config"
	"github.com/showcontroller/oscwire/internal/logging"
	"github.com/showcontroller/oscwire/internal/metrics"
	"github.com/showcontroller/oscwire/internal/scheduler"
	"github.com/showcontroller/oscwire/osc"
	"github.com/showcontroller/oscwire/transport"
)

const usage = `usage: oscctl <command> [flags]

commands:
  send     send one message: oscctl send /mixer/1/level 0.5
  listen   print every received message
  config   print the effective configuration as TOML
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	logging.ConfigureRuntime()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "oscctl: unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "oscctl: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies the log level.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if level, ok := logging.ParseLevel(cfg.Log.Level); ok {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func runConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	path := fs.String("config", "", "config file (default $"+config.EnvConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	return config.Encode(out, cfg)
}

// sender is a started transport that can report its queue.
type sender interface {
	osc.Sender
	Pending() int
	Stop() error
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	path := fs.String("config", "", "config file (default $"+config.EnvConfigPath+")")
	kind := fs.String("kind", "", "transport: udp or tcp (overrides config)")
	remote := fs.String("remote", "", "destination host:port (overrides config)")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for the packet to leave")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("send: missing address")
	}
	address := fs.Arg(0)
	if !osc.ValidAddress(address) {
		return fmt.Errorf("send: invalid address %q", address)
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *remote != "" {
		host, port, err := net.SplitHostPort(*remote)
		if err != nil {
			return fmt.Errorf("send: -remote: %w", err)
		}
		cfg.Transport.RemoteHost = host
		if cfg.Transport.RemotePort, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("send: -remote port: %w", err)
		}
	}
	if cfg.Transport.RemotePort == 0 {
		return errors.New("send: no remote port; set -remote or transport.remote_port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var tr sender
	var ready func() bool
	switch cfg.Transport.Kind {
	case transport.KindUDP:
		u := transport.NewUDP(cfg.UDP(), nil)
		if err := u.Start(); err != nil {
			return err
		}
		tr, ready = u, func() bool { return true }
	case transport.KindTCP:
		t := transport.NewTCP(cfg.TCP(), nil)
		if err := t.Start(); err != nil {
			return err
		}
		tr, ready = t, t.Connected
	default:
		return fmt.Errorf("send: transport %q cannot send to a single remote", cfg.Transport.Kind)
	}
	defer tr.Stop()

	client := osc.NewClient(tr, cfg.Client())
	if err := client.Send(address, parseArgs(fs.Args()[1:])...); err != nil {
		return err
	}
	if err := client.Flush(); err != nil {
		return err
	}

	deadline := time.Now().Add(*timeout)
	for !ready() || tr.Pending() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("send: packet not written within %s", *timeout)
		}
		scheduler.WakeAll()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// parseArgs infers OSC atoms from command line literals: integers become
// int32 (int64 when they do not fit), numbers with a point or exponent
// float32, true/false booleans, nil and inf the Nil and Infinitum atoms,
// blob:<hex> a blob and anything else a string. Quote a literal with
// "..." to force a string.
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		out = append(out, parseArg(a))
	}
	return out
}

func parseArg(a string) any {
	switch a {
	case "true":
		return true
	case "false":
		return false
	case "nil":
		return nil
	case "inf":
		return osc.Infinitum{}
	}
	if len(a) >= 2 && a[0] == '"' && a[len(a)-1] == '"' {
		return a[1 : len(a)-1]
	}
	if h, ok := strings.CutPrefix(a, "blob:"); ok {
		if b, err := hex.DecodeString(h); err == nil {
			return b
		}
		return a
	}
	if i, err := strconv.ParseInt(a, 10, 32); err == nil {
		return int32(i)
	}
	if i, err := strconv.ParseInt(a, 10, 64); err == nil {
		return i
	}
	if strings.ContainsAny(a, ".eE") {
		if f, err := strconv.ParseFloat(a, 32); err == nil {
			return float32(f)
		}
	}
	return a
}

// routeFlags collects repeated -route patterns.
type routeFlags []string

func (r *routeFlags) String() string {
	return strings.Join(*r, ",")
}

func (r *routeFlags) Set(v string) error {
	if !osc.ValidPattern(v) {
		return fmt.Errorf("invalid pattern %q", v)
	}
	*r = append(*r, v)
	return nil
}

// printer writes every message of every packet it is handed.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	packet *osc.Packet
}

func newPrinter(out io.Writer, size int) *printer {
	return &printer{out: out, packet: osc.NewPacket(size)}
}

func (p *printer) HandlePacket(data []byte, from net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.packet.ParseBytes(data); err != nil {
		fmt.Fprintf(p.out, "%s  malformed packet (%d bytes): %v\n", from, len(data), err)
		return
	}
	root, err := p.packet.Root()
	if err != nil {
		return
	}
	p.element(from, root, "")
}

func (p *printer) element(from net.Addr, e osc.Element, indent string) {
	if m, err := e.Message(); err == nil {
		fmt.Fprintf(p.out, "%s  %s%s\n", from, indent, m)
		return
	}
	b, err := e.Bundle()
	if err != nil {
		return
	}
	fmt.Fprintf(p.out, "%s  %s#bundle %s\n", from, indent, b.Timetag())
	b.Each(func(child osc.Element) bool {
		p.element(from, child, indent+"  ")
		return true
	})
}

// listener is a started receiving transport.
type listener interface {
	Stop() error
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	path := fs.String("config", "", "config file (default $"+config.EnvConfigPath+")")
	kind := fs.String("kind", "", "transport: udp or tcp-server (overrides config)")
	port := fs.Int("port", -1, "local port (overrides config)")
	metricsAddr := fs.String("metrics", "", "serve prometheus metrics on this address (overrides config)")
	tick := fs.Duration("tick", 20*time.Millisecond, "delivery tick interval")
	var routes routeFlags
	fs.Var(&routes, "route", "count messages matching this pattern; repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *port >= 0 {
		cfg.Transport.LocalPort = *port
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return listen(ctx, cfg, routes, *tick, os.Stdout)
}

func listen(ctx context.Context, cfg config.Config, routes []string, tick time.Duration, out io.Writer) error {
	log := logging.Component("oscctl")

	pr := newPrinter(out, cfg.Transport.MaxPacketSize)
	d := osc.NewDispatcher()
	counts := make([]int, len(routes))
	for i, pattern := range routes {
		hits := new(atomic.Int64)
		method := osc.NewMethod(func(osc.Message) { hits.Add(1) }, func() {
			counts[i] += int(hits.Swap(0))
			fmt.Fprintf(out, "route %s: %d\n", pattern, counts[i])
		})
		if err := d.Register(pattern, method); err != nil {
			return err
		}
	}
	receiver := osc.NewReceiver(d, cfg.Transport.MaxPacketSize)
	defer receiver.Close()

	handler := func(data []byte, from net.Addr) {
		pr.HandlePacket(data, from)
		receiver.HandlePacket(data, from)
	}

	var tr listener
	switch cfg.Transport.Kind {
	case transport.KindUDP:
		u := transport.NewUDP(cfg.UDP(), handler)
		if err := u.Start(); err != nil {
			return err
		}
		log.Info().Stringer("addr", u.LocalAddr()).Msg("listening")
		tr = u
	case transport.KindTCPServer:
		s := transport.NewTCPServer(cfg.TCPServer(), handler)
		if err := s.Start(); err != nil {
			return err
		}
		log.Info().Stringer("addr", s.Addr()).Msg("listening")
		tr = s
	default:
		return fmt.Errorf("listen: transport %q does not accept packets", cfg.Transport.Kind)
	}
	defer tr.Stop()

	pump := osc.NewPump()
	pump.AddReceiver(receiver)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := pump.Flush(); err != nil {
					log.Warn().Err(err).Msg("flush")
				}
				scheduler.WakeAll()
				pump.Deliver()
			}
		}
	})
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
