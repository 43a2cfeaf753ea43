package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/showcontroller/oscwire/internal/config"
	"github.com/showcontroller/oscwire/internal/logging"
	"github.com/showcontroller/oscwire/osc"
	"github.com/showcontroller/oscwire/transport"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func TestParseArg(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"1", int32(1)},
		{"-42", int32(-42)},
		{"4294967296", int64(4294967296)},
		{"2.5", float32(2.5)},
		{"1e3", float32(1000)},
		{"true", true},
		{"false", false},
		{"nil", nil},
		{"inf", osc.Infinitum{}},
		{"hello", "hello"},
		{`"42"`, "42"},
		{"blob:0aff", []byte{0x0a, 0xff}},
		{"blob:xyz", "blob:xyz"},
		{"e", "e"},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			require.Equal(t, c.want, parseArg(c.in))
		})
	}
}

func TestRouteFlags(t *testing.T) {
	var r routeFlags
	require.NoError(t, r.Set("/mixer/*/level"))
	require.Error(t, r.Set("mixer"))
	require.Equal(t, "/mixer/*/level", r.String())
}

// syncBuffer is a bytes.Buffer safe for the listener's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrinter(t *testing.T) {
	w := osc.NewWriter(256)
	require.NoError(t, w.BeginBundle(osc.Immediately))
	require.NoError(t, w.WriteMessage("/a", int32(1)))
	require.NoError(t, w.WriteMessage("/b", "x"))
	require.NoError(t, w.EndBundle())
	data, err := w.Bytes()
	require.NoError(t, err)

	var out syncBuffer
	p := newPrinter(&out, 256)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	p.HandlePacket(data, from)
	p.HandlePacket([]byte("junk"), from)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "127.0.0.1:9000  #bundle immediate", lines[0])
	require.Equal(t, "127.0.0.1:9000    /a ,i 1", lines[1])
	require.Equal(t, "127.0.0.1:9000    /b ,s x", lines[2])
	require.Contains(t, lines[3], "malformed packet (4 bytes)")
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestListenUDP(t *testing.T) {
	port := freeUDPPort(t)
	cfg := config.Default()
	cfg.Transport.LocalPort = port

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listen(ctx, cfg, []string{"/test/*"}, 5*time.Millisecond, &out) }()

	tx := transport.NewUDP(transport.UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, nil)
	require.NoError(t, tx.Start())
	t.Cleanup(func() { _ = tx.Stop() })

	w := osc.NewWriter(64)
	require.NoError(t, w.WriteMessage("/test/a", int32(7)))
	data, err := w.Bytes()
	require.NoError(t, err)

	// The listener may not be bound yet; resend until it shows up.
	require.Eventually(t, func() bool {
		if !strings.Contains(out.String(), "/test/a ,i 7") {
			_ = tx.Send(data)
			return false
		}
		return strings.Contains(out.String(), "route /test/*: ")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}

func TestRunConfig(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	var out bytes.Buffer
	require.NoError(t, runConfig(nil, &out))
	require.Contains(t, out.String(), "[transport]")
	require.Contains(t, out.String(), `kind = "udp"`)
}
