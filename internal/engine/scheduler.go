// Package engine implements the single-goroutine cooperative task scheduler
// that every other package runs on. All pledge-store mutation, verification,
// and mirror delivery happens on the scheduler's own goroutine so callers
// never need locks of their own around shared engine state.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// task is one unit of scheduled work.
type task struct {
	fn       func()
	deadline time.Time // zero for immediate/asap tasks
}

// Scheduler runs submitted tasks one at a time on its own goroutine, in the
// order of (a) submit_asap priority then (b) scheduled deadline then (c)
// submission order. Every mutation to the engine's in-memory state must run
// as a task here.
type Scheduler struct {
	mu       sync.Mutex
	asap     []func()
	timed    []task
	wake     chan struct{}
	done     chan struct{}
	onThread atomic.Bool

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewScheduler starts the scheduler's run loop in a background goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go s.loop()
	return s
}

// Submit enqueues fn to run as soon as no asap task is waiting, after every
// task queued by an earlier Submit and ahead of timed tasks from Schedule.
// Safe to call from any goroutine, including from inside a task already
// running on the scheduler.
func (s *Scheduler) Submit(fn func()) {
	s.mu.Lock()
	s.timed = append(s.timed, task{fn: fn})
	s.mu.Unlock()
	s.poke()
}

// SubmitASAP enqueues fn ahead of any already-scheduled timed tasks, but
// behind any other asap tasks already queued. Used for responses to external
// evidence (fresh UTXO info, a received pledge) that should preempt routine
// polling.
func (s *Scheduler) SubmitASAP(fn func()) {
	s.mu.Lock()
	s.asap = append(s.asap, fn)
	s.mu.Unlock()
	s.poke()
}

// Schedule enqueues fn to run no earlier than delay from now.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	s.timed = append(s.timed, task{fn: fn, deadline: time.Now().Add(delay)})
	s.mu.Unlock()
	s.poke()
}

// Jitter returns base plus a random fraction of base (delay = base +
// random*base), clamped to maxJitter, used to stagger verification and
// re-check tasks so many pledges or chain-tip events arriving together don't
// all fire their follow-up work in lockstep. Centralized here so every
// caller (disk-pledge-added, chain-tip-advanced) uses one implementation.
func (s *Scheduler) Jitter(base, maxJitter time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	s.rngMu.Lock()
	r := s.rng.Float64()
	s.rngMu.Unlock()

	d := base + time.Duration(r*float64(base))
	if maxJitter > 0 && d > maxJitter {
		d = maxJitter
	}
	return d
}

// AssertOnThread panics if called from a goroutine other than the
// scheduler's own run loop. Every exported method on engine-owned state
// should call this first.
func (s *Scheduler) AssertOnThread() {
	if !s.onThread.Load() {
		panic("engine: called off the scheduler thread")
	}
}

// OnThread reports whether the calling goroutine is currently executing a
// task on this scheduler.
func (s *Scheduler) OnThread() bool {
	return s.onThread.Load()
}

// RunOnThread runs fn on the scheduler thread and blocks for its result. If
// already called from the scheduler thread it runs fn inline to avoid
// deadlocking against itself.
func RunOnThread[T any](s *Scheduler, fn func() T) T {
	if s.onThread.Load() {
		return fn()
	}
	result := make(chan T, 1)
	s.Submit(func() {
		result <- fn()
	})
	return <-result
}

// Stop signals the run loop to exit. The loop notices the signal only once no
// task is ready to run, so tasks that are already ready still run first;
// tasks whose deadline has not yet come never run. Stop does not wait for
// the loop to exit.
func (s *Scheduler) Stop() {
	close(s.done)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	for {
		next, ok := s.popReady()
		if ok {
			s.onThread.Store(true)
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("engine: task panicked", "recover", r)
					}
				}()
				next()
			}()
			s.onThread.Store(false)
			continue
		}

		wait := s.nextWait()
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// popReady pops the next task that is ready to run, preferring asap tasks,
// then the earliest-deadline timed task that has reached its deadline.
func (s *Scheduler) popReady() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.asap) > 0 {
		fn := s.asap[0]
		s.asap = s.asap[1:]
		return fn, true
	}

	now := time.Now()
	bestIdx := -1
	for i, t := range s.timed {
		if t.deadline.After(now) {
			continue
		}
		if bestIdx == -1 || t.deadline.Before(s.timed[bestIdx].deadline) {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil, false
	}
	fn := s.timed[bestIdx].fn
	s.timed = append(s.timed[:bestIdx], s.timed[bestIdx+1:]...)
	return fn, true
}

// nextWait returns how long the loop should sleep before re-checking,
// bounded by the closest timed-task deadline.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.asap) > 0 {
		return 0
	}
	if len(s.timed) == 0 {
		return time.Hour
	}
	now := time.Now()
	min := time.Hour
	for _, t := range s.timed {
		d := t.deadline.Sub(now)
		if d < min {
			min = d
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// WaitIdle blocks until ctx is done or the scheduler has no pending tasks at
// the moment of the check. Intended for tests that need to synchronize with
// background work rather than production code.
func WaitIdle(ctx context.Context, s *Scheduler, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		idle := len(s.asap) == 0 && len(s.timed) == 0
		s.mu.Unlock()
		if idle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
