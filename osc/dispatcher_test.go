package osc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherRoute(t *testing.T) {
	d := NewDispatcher()
	all := NewMethod(nil, func() {})
	fader := NewMethod(nil, func() {})
	exact := NewMethod(nil, func() {})

	require.NoError(t, d.Register("/mixer/*/*", all))
	require.NoError(t, d.Register("/mixer/*/fader", fader))
	require.NoError(t, d.Register("/mixer/1/fader", exact))
	require.Equal(t, 3, d.Len())
	require.Equal(t, []string{"/mixer/*/*", "/mixer/*/fader", "/mixer/1/fader"}, d.Patterns())

	require.Equal(t, []*Method{all, fader, exact}, d.Route("/mixer/1/fader", nil))
	require.Equal(t, []*Method{all, fader}, d.Route("/mixer/2/fader", nil))
	require.Equal(t, []*Method{all}, d.Route("/mixer/2/mute", nil))
	require.Empty(t, d.Route("/other", nil))
}

func TestDispatcherRouteIncomingPattern(t *testing.T) {
	d := NewDispatcher()
	one := NewMethod(nil, func() {})
	two := NewMethod(nil, func() {})
	require.NoError(t, d.Register("/led/1/high", one))
	require.NoError(t, d.Register("/led/2/high", two))

	require.Equal(t, []*Method{one, two}, d.Route("/led/*/high", nil))
	require.Equal(t, []*Method{two}, d.Route("/led/[2-3]/high", nil))
}

func TestDispatcherDuplicateRegistrationFiresTwice(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	m := NewMethod(func(Message) { calls++ }, nil)
	require.NoError(t, d.Register("/dup", m))
	require.NoError(t, d.Register("/dup", m))
	require.Equal(t, 1, d.Len())

	r := NewReceiver(d, 256)
	r.HandlePacket(encode(t, "/dup", int32(1)), nil)
	require.Equal(t, 2, calls)

	require.True(t, d.Unregister("/dup", m))
	r.HandlePacket(encode(t, "/dup", int32(1)), nil)
	require.Equal(t, 3, calls)
}

func TestDispatcherUnregister(t *testing.T) {
	d := NewDispatcher()
	a := NewMethod(nil, func() {})
	b := NewMethod(nil, func() {})
	require.NoError(t, d.Register("/a", a))
	require.NoError(t, d.Register("/a", b))

	t.Run("unknown pair is a no-op", func(t *testing.T) {
		require.False(t, d.Unregister("/missing", a))
		require.False(t, d.Unregister("/a", NewMethod(nil, nil)))
		require.Equal(t, []*Method{a, b}, d.Route("/a", nil))
	})

	t.Run("route result survives unregister", func(t *testing.T) {
		routed := d.Route("/a", nil)
		require.True(t, d.Unregister("/a", a))
		require.Equal(t, []*Method{a, b}, routed)
		require.Equal(t, []*Method{b}, d.Route("/a", nil))
	})

	t.Run("last method removes the pattern", func(t *testing.T) {
		require.True(t, d.Unregister("/a", b))
		require.Zero(t, d.Len())
		require.Empty(t, d.Route("/a", nil))
		require.False(t, d.Unregister("/a", b))
	})
}

func TestDispatcherRegisterErrors(t *testing.T) {
	d := NewDispatcher()
	require.ErrorIs(t, d.Register("/a", nil), ErrNilMethod)
	require.ErrorIs(t, d.Register("/a/[b", NewMethod(nil, nil)), ErrInvalidPattern)
	require.ErrorIs(t, d.Register("no/slash", NewMethod(nil, nil)), ErrInvalidPattern)
	require.Zero(t, d.Len())

	m, err := d.Handle("/ok", func(Message) {})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Nil(t, m.Deliver)
}

func TestDispatcherConcurrentRegisterAndRoute(t *testing.T) {
	d := NewDispatcher()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		dst := make([]*Method, 0, 8)
		for {
			select {
			case <-stop:
				return
			default:
				dst = d.Route("/load/1", dst[:0])
			}
		}
	}()

	methods := make([]*Method, 50)
	for i := range methods {
		methods[i] = NewMethod(nil, func() {})
		require.NoError(t, d.Register("/load/*", methods[i]))
	}
	for _, m := range methods {
		require.True(t, d.Unregister("/load/*", m))
	}
	close(stop)
	wg.Wait()
	require.Zero(t, d.Len())
}
