package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// collect feeds data to dec in chunks of size step and returns the packets.
func collect(t *testing.T, dec Decoder, data []byte, step int) [][]byte {
	t.Helper()
	var out [][]byte
	emit := func(p []byte) { out = append(out, append([]byte(nil), p...)) }
	for len(data) > 0 {
		n := min(step, len(data))
		consumed, err := dec.Feed(data[:n], emit)
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		data = data[n:]
	}
	return out
}

func TestSLIPRoundTrip(t *testing.T) {
	packets := [][]byte{
		{0x2f, 0x61, 0x00, 0x00},
		{slipEnd, 0x01, slipEsc, slipEscEnd, slipEscEsc, slipEnd, slipEsc},
		bytes.Repeat([]byte{slipEnd}, 64),
	}
	var stream bytes.Buffer
	for _, p := range packets {
		require.NoError(t, FramingSLIP.WriteFrame(&stream, p))
	}

	for _, step := range []int{1, 3, 4096} {
		got := collect(t, FramingSLIP.NewDecoder(1024), stream.Bytes(), step)
		require.Equal(t, packets, got, "chunk size %d", step)
	}
}

func TestSLIPDecoder(t *testing.T) {
	t.Run("unescapes", func(t *testing.T) {
		data := []byte{slipEnd, 'a', slipEsc, slipEscEnd, 'b', slipEsc, slipEscEsc, slipEnd}
		got := collect(t, FramingSLIP.NewDecoder(64), data, 2)
		require.Equal(t, [][]byte{{'a', slipEnd, 'b', slipEsc}}, got)
	})

	t.Run("skips empty frames", func(t *testing.T) {
		data := []byte{slipEnd, slipEnd, slipEnd, 'x', slipEnd, slipEnd}
		got := collect(t, FramingSLIP.NewDecoder(64), data, 64)
		require.Equal(t, [][]byte{{'x'}}, got)
	})

	t.Run("invalid escape", func(t *testing.T) {
		dec := FramingSLIP.NewDecoder(64)
		n, err := dec.Feed([]byte{'a', slipEsc, 0x01, 'b'}, func([]byte) { t.Fatal("unexpected packet") })
		require.ErrorIs(t, err, ErrSLIPEscape)
		require.Equal(t, 2, n)
	})

	t.Run("frame too large", func(t *testing.T) {
		dec := FramingSLIP.NewDecoder(4)
		_, err := dec.Feed([]byte{1, 2, 3, 4, 5, slipEnd}, func([]byte) { t.Fatal("unexpected packet") })
		require.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestLengthPrefixRoundTrip(t *testing.T) {
	packets := [][]byte{
		[]byte("/a/b\x00\x00\x00\x00,f\x00\x00\x3f\x80\x00\x00"),
		{slipEnd, slipEsc},
		bytes.Repeat([]byte{7}, 300),
	}
	var stream bytes.Buffer
	for _, p := range packets {
		require.NoError(t, FramingLengthPrefix.WriteFrame(&stream, p))
	}
	require.Equal(t, []byte{0, 0, 0, 16}, stream.Bytes()[:4])

	for _, step := range []int{1, 5, 4096} {
		got := collect(t, FramingLengthPrefix.NewDecoder(1024), stream.Bytes(), step)
		require.Equal(t, packets, got, "chunk size %d", step)
	}
}

func TestLengthPrefixRejectsOversizedFrame(t *testing.T) {
	data := binary.BigEndian.AppendUint32(nil, 4096)
	data = append(data, bytes.Repeat([]byte{1}, 64)...)

	dec := FramingLengthPrefix.NewDecoder(1024)
	n, err := dec.Feed(data, func([]byte) { t.Fatal("unexpected packet") })
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Equal(t, lengthPrefixSize, n, "no payload bytes may be consumed")

	dec = FramingLengthPrefix.NewDecoder(1024)
	_, err = dec.Feed([]byte{0xff, 0xff, 0xff, 0xff}, func([]byte) {})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLengthPrefixSkipsEmptyFrames(t *testing.T) {
	data := []byte{0, 0, 0, 0, 0, 0, 0, 1, 9}
	got := collect(t, FramingLengthPrefix.NewDecoder(16), data, 1)
	require.Equal(t, [][]byte{{9}}, got)
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("SLIP")
	require.NoError(t, err)
	require.Equal(t, FramingSLIP, f)

	f, err = ParseFraming("length")
	require.NoError(t, err)
	require.Equal(t, FramingLengthPrefix, f)
	require.Equal(t, "length", f.String())

	_, err = ParseFraming("auto")
	require.ErrorIs(t, err, ErrFraming)
}
