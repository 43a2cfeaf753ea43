package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingTask struct {
	n atomic.Int32
}

func (c *countingTask) Update(time.Time) {
	c.n.Add(1)
}

type panickingTask struct{}

func (panickingTask) Update(time.Time) {
	panic("boom")
}

func TestSchedulerWake(t *testing.T) {
	s := New("test", time.Hour)
	task := &countingTask{}
	s.Add(task)
	t.Cleanup(func() { s.Remove(task) })
	require.True(t, s.Running())

	s.Wake()
	require.Eventually(t, func() bool { return task.n.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestSchedulerInterval(t *testing.T) {
	s := New("test", 5*time.Millisecond)
	task := &countingTask{}
	s.Add(task)
	t.Cleanup(func() { s.Remove(task) })

	require.Eventually(t, func() bool { return task.n.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestSchedulerStopsWhenEmpty(t *testing.T) {
	s := New("test", time.Hour)
	a, b := &countingTask{}, &countingTask{}
	s.Add(a)
	s.Add(b)
	s.Add(a)
	require.Equal(t, 2, s.Len())

	require.True(t, s.Remove(a))
	require.True(t, s.Running())
	require.False(t, s.Remove(a))

	require.True(t, s.Remove(b))
	require.False(t, s.Running())
	require.Zero(t, s.Len())

	s.Add(a)
	require.True(t, s.Running())
	s.Wake()
	require.Eventually(t, func() bool { return a.n.Load() >= 1 }, time.Second, time.Millisecond)
	require.True(t, s.Remove(a))
	require.False(t, s.Running())
}

func TestSchedulerSurvivesPanickingTask(t *testing.T) {
	s := New("test", time.Hour)
	good := &countingTask{}
	var bad panickingTask
	s.Add(bad)
	s.Add(good)
	t.Cleanup(func() {
		s.Remove(bad)
		s.Remove(good)
	})

	s.Wake()
	require.Eventually(t, func() bool { return good.n.Load() >= 1 }, time.Second, time.Millisecond)
	s.Wake()
	require.Eventually(t, func() bool { return good.n.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestForSharesPerKind(t *testing.T) {
	require.Same(t, For("kind-a"), For("kind-a"))
	require.NotSame(t, For("kind-a"), For("kind-b"))
	require.Equal(t, "kind-b", For("kind-b").Kind())
	require.NotPanics(t, WakeAll)
}
