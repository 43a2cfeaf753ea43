// Package config loads oscctl settings from defaults, an optional TOML file
// and OSCWIRE_* environment variables, and converts them to the option
// structs of the osc and transport packages.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/showcontroller/oscwire/internal/logging"
	"github.com/showcontroller/oscwire/osc"
	"github.com/showcontroller/oscwire/transport"
)

// EnvConfigPath names a config file to load when Load is given no path.
const EnvConfigPath = "OSCWIRE_CONFIG"

var ErrInvalid = errors.New("config: invalid")

// Config holds application configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TransportConfig selects and tunes one transport.
type TransportConfig struct {
	// Kind is udp, tcp or tcp-server.
	Kind              string        `mapstructure:"kind"`
	LocalPort         int           `mapstructure:"local_port"`
	RemoteHost        string        `mapstructure:"remote_host"`
	RemotePort        int           `mapstructure:"remote_port"`
	MulticastGroup    string        `mapstructure:"multicast_group"`
	Interface         string        `mapstructure:"interface"`
	MulticastLoopback bool          `mapstructure:"multicast_loopback"`
	Framing           string        `mapstructure:"framing"`
	MaxPacketSize     int           `mapstructure:"max_packet_size"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	KeepAlivePeriod   time.Duration `mapstructure:"keep_alive_period"`
	QueueDepth        int           `mapstructure:"queue_depth"`
}

// WriterConfig sizes the packet writer.
type WriterConfig struct {
	BufferSize          int  `mapstructure:"buffer_size"`
	AutoBundle          bool `mapstructure:"auto_bundle"`
	AutoBundleThreshold int  `mapstructure:"auto_bundle_threshold"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Addr is the prometheus listen address. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	tcp := transport.DefaultTCPConfig()
	client := osc.DefaultClientConfig()

	v.SetDefault("transport.kind", transport.KindUDP)
	v.SetDefault("transport.local_port", 0)
	v.SetDefault("transport.remote_host", "127.0.0.1")
	v.SetDefault("transport.remote_port", 0)
	v.SetDefault("transport.multicast_group", "")
	v.SetDefault("transport.interface", "")
	v.SetDefault("transport.multicast_loopback", false)
	v.SetDefault("transport.framing", tcp.Framing.String())
	v.SetDefault("transport.max_packet_size", tcp.MaxPacketSize)
	v.SetDefault("transport.reconnect_interval", tcp.ReconnectInterval)
	v.SetDefault("transport.keep_alive_period", tcp.KeepAlivePeriod)
	v.SetDefault("transport.queue_depth", transport.DefaultQueueDepth)
	v.SetDefault("writer.buffer_size", client.BufferSize)
	v.SetDefault("writer.auto_bundle", client.AutoBundle)
	v.SetDefault("writer.auto_bundle_threshold", client.AutoBundleThreshold)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
}

// Default returns the configuration Load yields with no file and no env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	return c
}

// Load reads configuration from path (or $OSCWIRE_CONFIG when path is empty)
// and env. Env var overrides use prefix OSCWIRE_, e.g.
// OSCWIRE_TRANSPORT_REMOTE_PORT. A named file that cannot be read is an
// error; with no file at all the defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	v.SetEnvPrefix("OSCWIRE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// Validate rejects settings no transport can run with.
func (c Config) Validate() error {
	t := c.Transport
	switch t.Kind {
	case transport.KindUDP, transport.KindTCP, transport.KindTCPServer:
	default:
		return invalid("transport.kind %q (want udp, tcp or tcp-server)", t.Kind)
	}
	if _, err := transport.ParseFraming(t.Framing); err != nil {
		return invalid("transport.framing %q (want slip or length)", t.Framing)
	}
	if !validPort(t.LocalPort) {
		return invalid("transport.local_port %d out of range", t.LocalPort)
	}
	if !validPort(t.RemotePort) {
		return invalid("transport.remote_port %d out of range", t.RemotePort)
	}
	if t.Kind == transport.KindTCP && (t.RemoteHost == "" || t.RemotePort == 0) {
		return invalid("tcp transport needs remote_host and remote_port")
	}
	if t.MulticastGroup != "" {
		if ip := net.ParseIP(t.MulticastGroup); ip == nil || !ip.IsMulticast() {
			return invalid("transport.multicast_group %q is not a multicast address", t.MulticastGroup)
		}
	}
	if t.MaxPacketSize <= 0 {
		return invalid("transport.max_packet_size must be positive")
	}
	if t.QueueDepth <= 0 {
		return invalid("transport.queue_depth must be positive")
	}
	if t.ReconnectInterval < 0 || t.KeepAlivePeriod < 0 {
		return invalid("transport intervals must not be negative")
	}

	w := c.Writer
	if w.BufferSize <= 0 {
		return invalid("writer.buffer_size must be positive")
	}
	if w.AutoBundleThreshold <= 0 || w.AutoBundleThreshold > w.BufferSize {
		return invalid("writer.auto_bundle_threshold %d must be in 1..%d", w.AutoBundleThreshold, w.BufferSize)
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return invalid("log.level %q", c.Log.Level)
	}
	return nil
}

func (t TransportConfig) remote() string {
	if t.RemotePort == 0 {
		return ""
	}
	return net.JoinHostPort(t.RemoteHost, strconv.Itoa(t.RemotePort))
}

func (t TransportConfig) local() string {
	return ":" + strconv.Itoa(t.LocalPort)
}

// UDP returns the UDP transport options.
func (c Config) UDP() transport.UDPConfig {
	t := c.Transport
	return transport.UDPConfig{
		LocalAddr:         t.local(),
		RemoteAddr:        t.remote(),
		MulticastGroup:    t.MulticastGroup,
		Interface:         t.Interface,
		MulticastLoopback: t.MulticastLoopback,
		MaxPacketSize:     t.MaxPacketSize,
		QueueDepth:        t.QueueDepth,
	}
}

// TCP returns the TCP client options.
func (c Config) TCP() transport.TCPConfig {
	t := c.Transport
	cfg := transport.DefaultTCPConfig()
	cfg.RemoteAddr = t.remote()
	cfg.Framing, _ = transport.ParseFraming(t.Framing)
	cfg.MaxPacketSize = t.MaxPacketSize
	cfg.ReconnectInterval = t.ReconnectInterval
	cfg.KeepAlivePeriod = t.KeepAlivePeriod
	cfg.QueueDepth = t.QueueDepth
	return cfg
}

// TCPServer returns the TCP server options.
func (c Config) TCPServer() transport.TCPServerConfig {
	t := c.Transport
	cfg := transport.DefaultTCPServerConfig()
	cfg.Addr = t.local()
	cfg.Framing, _ = transport.ParseFraming(t.Framing)
	cfg.MaxPacketSize = t.MaxPacketSize
	cfg.KeepAlivePeriod = t.KeepAlivePeriod
	cfg.QueueDepth = t.QueueDepth
	return cfg
}

// Client returns the packet writer options.
func (c Config) Client() osc.ClientConfig {
	return osc.ClientConfig{
		BufferSize:          c.Writer.BufferSize,
		AutoBundle:          c.Writer.AutoBundle,
		AutoBundleThreshold: c.Writer.AutoBundleThreshold,
	}
}

// fileConfig is the TOML document layout. Durations are written as strings
// such as "200ms" so the file reads back through Load.
type fileConfig struct {
	Transport struct {
		Kind              string `toml:"kind"`
		LocalPort         int    `toml:"local_port"`
		RemoteHost        string `toml:"remote_host"`
		RemotePort        int    `toml:"remote_port"`
		MulticastGroup    string `toml:"multicast_group,omitempty"`
		Interface         string `toml:"interface,omitempty"`
		MulticastLoopback bool   `toml:"multicast_loopback"`
		Framing           string `toml:"framing"`
		MaxPacketSize     int    `toml:"max_packet_size"`
		ReconnectInterval string `toml:"reconnect_interval"`
		KeepAlivePeriod   string `toml:"keep_alive_period"`
		QueueDepth        int    `toml:"queue_depth"`
	} `toml:"transport"`
	Writer struct {
		BufferSize          int  `toml:"buffer_size"`
		AutoBundle          bool `toml:"auto_bundle"`
		AutoBundleThreshold int  `toml:"auto_bundle_threshold"`
	} `toml:"writer"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// Encode writes cfg to w as TOML.
func Encode(w io.Writer, cfg Config) error {
	var f fileConfig
	t := cfg.Transport
	f.Transport.Kind = t.Kind
	f.Transport.LocalPort = t.LocalPort
	f.Transport.RemoteHost = t.RemoteHost
	f.Transport.RemotePort = t.RemotePort
	f.Transport.MulticastGroup = t.MulticastGroup
	f.Transport.Interface = t.Interface
	f.Transport.MulticastLoopback = t.MulticastLoopback
	f.Transport.Framing = t.Framing
	f.Transport.MaxPacketSize = t.MaxPacketSize
	f.Transport.ReconnectInterval = t.ReconnectInterval.String()
	f.Transport.KeepAlivePeriod = t.KeepAlivePeriod.String()
	f.Transport.QueueDepth = t.QueueDepth
	f.Writer.BufferSize = cfg.Writer.BufferSize
	f.Writer.AutoBundle = cfg.Writer.AutoBundle
	f.Writer.AutoBundleThreshold = cfg.Writer.AutoBundleThreshold
	f.Log.Level = cfg.Log.Level
	f.Metrics.Addr = cfg.Metrics.Addr

	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
