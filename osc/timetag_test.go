package osc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.March, 9, 21, 30, 15, 500_000_000, time.UTC)

func TestTimetag(t *testing.T) {
	tt := NewTimetag(testTime)
	require.Equal(t, uint32(testTime.Unix()+secondsFrom1900To1970), tt.SecondsSinceEpoch())
	require.Equal(t, uint32(1<<31), tt.FractionalSecond())
	require.True(t, tt.Time().Equal(testTime))
	require.False(t, tt.IsImmediate())
	require.Equal(t, "2024-03-09T21:30:15.5Z", tt.String())
	require.Equal(t, "immediate", Immediately.String())

	b, err := tt.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 8)
	require.Equal(t, byte(0x80), b[4])
}

func TestTimetagExpiry(t *testing.T) {
	require.True(t, Immediately.IsImmediate())
	require.True(t, Timetag(0).IsImmediate())
	require.Zero(t, Immediately.expiresAt(testTime))

	past := NewTimetag(testTime.Add(-time.Second))
	require.Zero(t, past.expiresAt(testTime))

	future := NewTimetag(testTime.Add(250 * time.Millisecond))
	require.InDelta(t, float64(250*time.Millisecond), float64(future.expiresAt(testTime)), float64(time.Microsecond))
}
