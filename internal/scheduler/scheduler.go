// Package scheduler runs periodic update passes for transports. There is one
// Scheduler per transport kind; it owns a single worker goroutine that services
// every registered task, sleeps until woken or until its interval elapses, and
// exits as soon as the last task is removed.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/showcontroller/oscwire/internal/logging"
)

// DefaultInterval is how often tasks are updated when nobody calls Wake.
const DefaultInterval = time.Second

// Task is serviced by a Scheduler. Update must not block on the network for
// long and must not call Remove on its own scheduler.
type Task interface {
	Update(now time.Time)
}

// Scheduler drives a set of tasks from one worker goroutine.
type Scheduler struct {
	kind     string
	interval time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	tasks []Task
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Scheduler{}
)

// For returns the shared scheduler for a transport kind, creating it on first
// use.
func For(kind string) *Scheduler {
	registryMu.Lock()
	defer registryMu.Unlock()
	s, ok := registry[kind]
	if !ok {
		s = New(kind, DefaultInterval)
		registry[kind] = s
	}
	return s
}

// WakeAll wakes every shared scheduler. Call it once per application tick.
func WakeAll() {
	registryMu.Lock()
	all := make([]*Scheduler, 0, len(registry))
	for _, s := range registry {
		all = append(all, s)
	}
	registryMu.Unlock()
	for _, s := range all {
		s.Wake()
	}
}

// New returns a standalone scheduler. Most callers want For.
func New(kind string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		kind:     kind,
		interval: interval,
		log:      logging.Component("scheduler").With().Str("kind", kind).Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// Kind returns the transport kind the scheduler serves.
func (s *Scheduler) Kind() string {
	return s.kind
}

// Add registers a task and starts the worker if it is not running.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing == t {
			return
		}
	}
	s.tasks = append(s.tasks, t)
	if s.stop == nil {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.run(s.stop, s.done)
		s.log.Debug().Msg("worker started")
	}
}

// Remove unregisters a task. Removing the last task stops the worker and
// waits for it to exit. It reports whether t was registered.
func (s *Scheduler) Remove(t Task) bool {
	s.mu.Lock()
	at := -1
	for i, existing := range s.tasks {
		if existing == t {
			at = i
			break
		}
	}
	if at < 0 {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks[:at], s.tasks[at+1:]...)

	var done chan struct{}
	if len(s.tasks) == 0 && s.stop != nil {
		close(s.stop)
		done = s.done
		s.stop, s.done = nil, nil
	}
	s.mu.Unlock()

	if done != nil {
		<-done
		s.log.Debug().Msg("worker stopped")
	}
	return true
}

// Wake requests an update pass without waiting for it. Wakes coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running reports whether the worker goroutine is alive.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var batch []Task
	for {
		select {
		case <-stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}

		s.mu.Lock()
		batch = append(batch[:0], s.tasks...)
		s.mu.Unlock()

		now := time.Now()
		for _, t := range batch {
			s.update(t, now)
		}
		clear(batch)
	}
}

func (s *Scheduler) update(t Task, now time.Time) {
	defer func() {
		if err := recover(); err != nil {
			s.log.Error().Interface("panic", err).Msg("task update panicked")
		}
	}()
	t.Update(now)
}
