package transport

import (
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/showcontroller/oscwire/internal/logging"
	"github.com/showcontroller/oscwire/osc"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

// inbox collects packets handed to a Handler.
type inbox struct {
	mu      sync.Mutex
	packets [][]byte
	from    []net.Addr
}

func (in *inbox) handle(p []byte, from net.Addr) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.packets = append(in.packets, append([]byte(nil), p...))
	in.from = append(in.from, from)
}

func (in *inbox) snapshot() [][]byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([][]byte(nil), in.packets...)
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.packets)
}

func startUDP(t *testing.T, cfg UDPConfig, h Handler) *UDP {
	t.Helper()
	u := NewUDP(cfg, h)
	require.NoError(t, u.Start())
	t.Cleanup(func() { _ = u.Stop() })
	return u
}

func TestUDPLoopback(t *testing.T) {
	var in inbox
	rx := startUDP(t, UDPConfig{LocalAddr: "127.0.0.1:0"}, in.handle)
	tx := startUDP(t, UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: rx.LocalAddr().String()}, nil)

	require.Equal(t, Ready, tx.State())
	require.NotEmpty(t, tx.ID())
	require.NotEqual(t, tx.ID(), rx.ID())

	require.NoError(t, tx.Send([]byte("first")))
	require.NoError(t, tx.Send([]byte("second")))
	require.NoError(t, tx.Flush())

	require.Eventually(t, func() bool { return in.count() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, in.snapshot())

	in.mu.Lock()
	from := in.from[0].String()
	in.mu.Unlock()
	require.Equal(t, tx.LocalAddr().String(), from)
}

func TestUDPSendErrors(t *testing.T) {
	u := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: "127.0.0.1:9", MaxPacketSize: 8}, nil)
	require.ErrorIs(t, u.Send([]byte("x")), ErrStopped)
	require.Nil(t, u.LocalAddr())

	require.NoError(t, u.Start())
	require.ErrorIs(t, u.Start(), ErrRunning)
	require.ErrorIs(t, u.Send(make([]byte, 9)), ErrPacketTooLarge)

	require.NoError(t, u.Stop())
	require.NoError(t, u.Stop())
	require.Equal(t, Stopped, u.State())
	require.ErrorIs(t, u.Send([]byte("x")), ErrStopped)

	noRemote := startUDP(t, UDPConfig{LocalAddr: "127.0.0.1:0"}, nil)
	require.ErrorIs(t, noRemote.Send([]byte("x")), ErrNoRemote)
}

func TestUDPRejectsNonMulticastGroup(t *testing.T) {
	u := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0", MulticastGroup: "10.1.2.3"}, nil)
	require.Error(t, u.Start())
	require.Equal(t, Stopped, u.State())
}

// multicastInterface returns an up, multicast capable interface with an
// IPv4 address, or nil.
func multicastInterface() *net.Interface {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifs {
		ifi := &ifs[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return ifi
			}
		}
	}
	return nil
}

func TestUDPMulticastLoopback(t *testing.T) {
	ifi := multicastInterface()
	if ifi == nil {
		t.Skip("no multicast capable interface")
	}
	const group = "239.255.77.12"

	var in inbox
	rx := NewUDP(UDPConfig{LocalAddr: "0.0.0.0:0", MulticastGroup: group, Interface: ifi.Name}, in.handle)
	if err := rx.Start(); err != nil {
		t.Skipf("join %s on %s: %v", group, ifi.Name, err)
	}
	t.Cleanup(func() { _ = rx.Stop() })
	port := rx.LocalAddr().(*net.UDPAddr).Port

	tx := NewUDP(UDPConfig{
		LocalAddr:         "0.0.0.0:0",
		RemoteAddr:        net.JoinHostPort(group, strconv.Itoa(port)),
		Interface:         ifi.Name,
		MulticastLoopback: true,
	}, nil)
	if err := tx.Start(); err != nil {
		t.Skipf("multicast sender on %s: %v", ifi.Name, err)
	}
	t.Cleanup(func() { _ = tx.Stop() })

	deadline := time.Now().Add(2 * time.Second)
	for in.count() == 0 && time.Now().Before(deadline) {
		require.NoError(t, tx.Send([]byte("hello group")))
		require.NoError(t, tx.Flush())
		time.Sleep(20 * time.Millisecond)
	}
	if in.count() == 0 {
		if err := tx.LastError(); err != nil {
			t.Skipf("no multicast route on %s: %v", ifi.Name, err)
		}
		t.Fatal("multicast datagram was not looped back")
	}
	require.Equal(t, []byte("hello group"), in.snapshot()[0])

	require.NoError(t, rx.Stop())
	require.Equal(t, Stopped, rx.State())
}

func TestNextDelay(t *testing.T) {
	var d time.Duration
	var got []time.Duration
	for i := 0; i < 10; i++ {
		d = nextDelay(d)
		got = append(got, d)
	}
	require.Equal(t, 5*time.Millisecond, got[0])
	require.Equal(t, 10*time.Millisecond, got[1])
	require.Equal(t, 640*time.Millisecond, got[7])
	require.Equal(t, time.Second, got[8])
	require.Equal(t, time.Second, got[9])
}

func TestUDPRestart(t *testing.T) {
	u := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, u.Start())
	require.NoError(t, u.Stop())
	require.NoError(t, u.Start())
	require.Equal(t, Ready, u.State())
	require.NoError(t, u.Stop())
}

func TestUDPClientToReceiver(t *testing.T) {
	d := osc.NewDispatcher()
	var level atomic.Int32
	var delivered atomic.Int32
	_, err := d.Handle("/mixer/*/level", func(m osc.Message) {
		v, err := m.ReadInt32(0)
		if err == nil {
			level.Store(v)
		}
	})
	require.NoError(t, err)
	require.NoError(t, d.Register("/mixer/1/level", osc.NewMethod(nil, func() { delivered.Add(1) })))

	receiver := osc.NewReceiver(d, 1536)
	t.Cleanup(receiver.Close)

	rx := startUDP(t, UDPConfig{LocalAddr: "127.0.0.1:0"}, receiver.HandlePacket)
	tx := startUDP(t, UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: rx.LocalAddr().String()}, nil)

	cfg := osc.DefaultClientConfig()
	cfg.AutoBundle = true
	client := osc.NewClient(tx, cfg)

	pump := osc.NewPump()
	pump.AddSender(client)
	pump.AddSender(tx)
	pump.AddReceiver(receiver)

	require.NoError(t, client.Send("/mixer/1/level", int32(42)))
	require.NoError(t, client.Send("/mixer/1/level", int32(64)))
	require.NoError(t, pump.Flush())

	require.Eventually(t, func() bool { return level.Load() == 64 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, pump.Deliver())
	require.EqualValues(t, 1, delivered.Load())
	require.Zero(t, pump.Deliver())
}
