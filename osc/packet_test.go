package osc

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/showcontroller/oscwire/internal/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

// encode writes one message and returns a copy of the packet bytes.
func encode(t *testing.T, address string, args ...any) []byte {
	t.Helper()
	w := NewWriter(1024)
	require.NoError(t, w.WriteMessage(address, args...))
	b, err := w.Bytes()
	require.NoError(t, err)
	return append([]byte(nil), b...)
}

func parse(t *testing.T, data []byte) *Packet {
	t.Helper()
	p := NewPacket(len(data) + 64)
	require.NoError(t, p.ParseBytes(data))
	return p
}

func TestMessageRoundTrip(t *testing.T) {
	args := []any{
		int32(-7),
		int64(1 << 40),
		float32(1.5),
		float64(-2.25),
		"hello",
		[]byte{1, 2, 3},
		true,
		false,
		nil,
		Infinitum{},
		Timetag(0x0102030405060708),
		MIDI{Port: 1, Status: 0x90, Data1: 60, Data2: 127},
		Color32{R: 255, G: 128, B: 0, A: 64},
		Char('x'),
		"",
		[]byte{},
	}
	p := parse(t, encode(t, "/synth/1/note", args...))

	msg, err := p.Message()
	require.NoError(t, err)
	require.Equal(t, "/synth/1/note", msg.Address())
	require.Equal(t, ",ihfdsbTFNItmrcsb", msg.TypeTags())
	require.Equal(t, len(args), msg.Len())

	got, err := msg.Arguments()
	require.NoError(t, err)
	require.Equal(t, args, got)
	require.Equal(t, 1, p.MessageCount())
	require.False(t, p.IsBundle())
}

func TestTypedReaders(t *testing.T) {
	p := parse(t, encode(t, "/r", int32(3), float32(2.5), "txt", []byte{9, 8}, true, Char('A'), MIDI{1, 2, 3, 4}))
	msg, err := p.Message()
	require.NoError(t, err)

	i, err := msg.ReadInt32(0)
	require.NoError(t, err)
	require.Equal(t, int32(3), i)

	t.Run("numeric conversions", func(t *testing.T) {
		f, err := msg.ReadFloat32(0)
		require.NoError(t, err)
		require.Equal(t, float32(3), f)

		n, err := msg.ReadInt32(1)
		require.NoError(t, err)
		require.Equal(t, int32(2), n)

		d, err := msg.ReadFloat64(1)
		require.NoError(t, err)
		require.Equal(t, 2.5, d)

		b, err := msg.ReadInt64(4)
		require.NoError(t, err)
		require.Equal(t, int64(1), b)
	})

	t.Run("strings format any atom", func(t *testing.T) {
		for i, want := range []string{"3", "2.5", "txt", "blob(2)", "true", "A", "midi(1 2 3 4)"} {
			s, err := msg.ReadString(i)
			require.NoError(t, err)
			require.Equal(t, want, s, "argument %d", i)
		}
	})

	t.Run("mismatched tags read as zero", func(t *testing.T) {
		blob, err := msg.ReadBlob(0)
		require.NoError(t, err)
		require.Nil(t, blob)

		n, err := msg.ReadInt32(2)
		require.NoError(t, err)
		require.Zero(t, n)

		c, err := msg.ReadColor(0)
		require.NoError(t, err)
		require.Equal(t, Color32{}, c)
	})

	t.Run("borrowed blob", func(t *testing.T) {
		blob, err := msg.ReadBlob(3)
		require.NoError(t, err)
		require.Equal(t, []byte{9, 8}, blob)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := msg.ReadInt32(7)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = msg.ReadString(-1)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = msg.Tag(7)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
	})
}

func TestArgumentOffsetsAligned(t *testing.T) {
	p := parse(t, encode(t, "/align/abc", "a", []byte{1}, "abcd", int32(1), []byte{1, 2, 3, 4, 5}, "xy", float64(1)))
	msg, err := p.Message()
	require.NoError(t, err)
	for i := 0; i < msg.Len(); i++ {
		off, err := msg.Offset(i)
		require.NoError(t, err)
		require.Zero(t, off%4, "argument %d at offset %d", i, off)
	}
	require.Zero(t, p.Len()%4)
}

func TestAltTypeString(t *testing.T) {
	w := NewWriter(64)
	require.NoError(t, w.BeginMessage("/alt", ",S"))
	require.NoError(t, w.WriteString("symbol"))
	require.NoError(t, w.EndMessage())
	b, err := w.Bytes()
	require.NoError(t, err)

	msg, err := parse(t, b).Message()
	require.NoError(t, err)
	tag, err := msg.Tag(0)
	require.NoError(t, err)
	require.Equal(t, TypeAltTypeString, tag)
	s, err := msg.ReadString(0)
	require.NoError(t, err)
	require.Equal(t, "symbol", s)
}

func TestMessageWithoutTypeTags(t *testing.T) {
	p := parse(t, []byte("/old\x00\x00\x00\x00"))
	msg, err := p.Message()
	require.NoError(t, err)
	require.Equal(t, "/old", msg.Address())
	require.Zero(t, msg.Len())
	require.Empty(t, msg.TypeTags())
}

func TestBundleSize(t *testing.T) {
	m1 := encode(t, "/a", int32(1))
	m2 := encode(t, "/bb/cc", "xyz")
	require.Len(t, m1, 12)
	require.Len(t, m2, 16)

	w := NewWriter(256)
	require.NoError(t, w.BeginBundle(Immediately))
	require.NoError(t, w.WriteMessage("/a", int32(1)))
	require.NoError(t, w.WriteMessage("/bb/cc", "xyz"))
	require.NoError(t, w.EndBundle())
	b, err := w.Bytes()
	require.NoError(t, err)
	require.Len(t, b, 16+4+len(m1)+4+len(m2))

	p := parse(t, b)
	require.True(t, p.IsBundle())
	require.Equal(t, 2, p.MessageCount())

	bundle, err := p.Bundle()
	require.NoError(t, err)
	require.Equal(t, Immediately, bundle.Timetag())
	require.Equal(t, 2, bundle.Len())
	second, err := bundle.At(1)
	require.NoError(t, err)
	msg, err := second.Message()
	require.NoError(t, err)
	require.Equal(t, "/bb/cc", msg.Address())
	require.Equal(t, m2, second.Bytes())

	_, err = bundle.At(2)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestNestedBundles(t *testing.T) {
	tt := NewTimetag(testTime)
	w := NewWriter(512)
	require.NoError(t, w.BeginBundle(Immediately))
	require.NoError(t, w.WriteMessage("/outer", int32(1)))
	require.NoError(t, w.BeginBundle(tt))
	require.NoError(t, w.WriteMessage("/inner/1"))
	require.NoError(t, w.WriteMessage("/inner/2", "x"))
	require.NoError(t, w.EndBundle())
	require.NoError(t, w.WriteMessage("/outer", int32(2)))
	require.NoError(t, w.EndBundle())
	b, err := w.Bytes()
	require.NoError(t, err)

	p := parse(t, b)
	require.Equal(t, 4, p.MessageCount())
	root, err := p.Bundle()
	require.NoError(t, err)
	require.Equal(t, 3, root.Len())

	var kinds []bool
	root.Each(func(e Element) bool {
		kinds = append(kinds, e.IsBundle())
		return true
	})
	require.Equal(t, []bool{false, true, false}, kinds)

	child, err := root.At(1)
	require.NoError(t, err)
	inner, err := child.Bundle()
	require.NoError(t, err)
	require.Equal(t, tt, inner.Timetag())
	require.Equal(t, 2, inner.MessageCount())

	_, err = child.Message()
	require.ErrorIs(t, err, ErrNotMessage)

	last, err := root.At(2)
	require.NoError(t, err)
	msg, err := last.Message()
	require.NoError(t, err)
	v, err := msg.ReadInt32(0)
	require.NoError(t, err)
	require.Equal(t, int32(2), v)
}

func bundleHeader() []byte {
	b := []byte(bundleTag)
	return binary.BigEndian.AppendUint64(b, uint64(Immediately))
}

func TestMalformedPackets(t *testing.T) {
	overrun := binary.BigEndian.AppendUint32(bundleHeader(), 100)
	overrun = append(overrun, "/a\x00\x00"...)

	negative := binary.BigEndian.AppendUint32(bundleHeader(), 0xffffffff)

	shortLen := append(bundleHeader(), 0, 0)

	tests := []struct {
		name  string
		data  []byte
		cause error
	}{
		{"empty", nil, ErrTruncated},
		{"unterminated address", []byte("/abc"), ErrUnterminatedString},
		{"empty address", []byte{0, 0, 0, 0}, ErrEmptyAddress},
		{"unknown tag", []byte("/a\x00\x00,x\x00\x00"), ErrUnknownTypeTag},
		{"array", []byte("/a\x00\x00,[i]\x00\x00\x00\x00\x00\x00\x00\x01"), ErrArrayUnsupported},
		{"missing int payload", []byte("/a\x00\x00,i\x00\x00"), ErrTruncated},
		{"unterminated string arg", []byte("/a\x00\x00,s\x00\x00abcd"), ErrUnterminatedString},
		{"blob past end", []byte("/a\x00\x00,b\x00\x00\x00\x00\x00\x08abcd"), ErrTruncated},
		{"bundle header only half", []byte("#bundle\x00\x00\x00"), ErrTruncated},
		{"element overruns bundle", overrun, ErrElementLength},
		{"negative element length", negative, ErrElementLength},
		{"short element length", shortLen, ErrElementLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacket(256)
			err := p.ParseBytes(tt.data)
			require.ErrorIs(t, err, ErrMalformed)
			require.ErrorIs(t, err, tt.cause)
			_, err = p.Root()
			require.Error(t, err)
			require.Zero(t, p.MessageCount())
		})
	}
}

func TestPacketLargerThanBuffer(t *testing.T) {
	p := NewPacket(8)
	err := p.ParseBytes(encode(t, "/too/long/for/this", int32(1)))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyBundle(t *testing.T) {
	p := parse(t, bundleHeader())
	b, err := p.Bundle()
	require.NoError(t, err)
	require.Zero(t, b.Len())
	require.Zero(t, p.MessageCount())
}

func TestStaleViews(t *testing.T) {
	p := NewPacket(256)
	require.NoError(t, p.ParseBytes(encode(t, "/first", int32(1))))
	msg, err := p.Message()
	require.NoError(t, err)
	gen := p.Generation()

	require.NoError(t, p.ParseBytes(encode(t, "/second", "x")))
	require.Greater(t, p.Generation(), gen)

	_, err = msg.ReadInt32(0)
	require.ErrorIs(t, err, ErrStaleView)
	_, err = msg.Arguments()
	require.ErrorIs(t, err, ErrStaleView)
	require.Zero(t, msg.Len())
	require.Nil(t, msg.AddressBytes())
	require.Equal(t, "<stale>", msg.String())

	fresh, err := p.Message()
	require.NoError(t, err)
	require.Equal(t, "/second", fresh.Address())

	require.Error(t, p.ParseBytes([]byte("bad")))
	_, err = fresh.Tag(0)
	require.ErrorIs(t, err, ErrStaleView)
}

func TestPacketReuseInPlace(t *testing.T) {
	data := encode(t, "/in/place", float32(0.25))
	p := NewPacket(128)
	n := copy(p.Buffer(), data)
	require.NoError(t, p.Parse(n))
	require.Equal(t, data, p.Bytes())

	clone := p.Clone()
	require.NoError(t, p.ParseBytes(encode(t, "/other")))

	msg, err := clone.Message()
	require.NoError(t, err)
	require.Equal(t, "/in/place", msg.Address())
	v, err := msg.ReadFloat32(0)
	require.NoError(t, err)
	require.Equal(t, float32(0.25), v)
}

func TestMessageString(t *testing.T) {
	msg, err := parse(t, encode(t, "/s", int32(1), "two", false)).Message()
	require.NoError(t, err)
	require.Equal(t, "/s ,isF 1 two false", msg.String())
}
