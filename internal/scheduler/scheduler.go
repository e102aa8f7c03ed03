// Package scheduler decides when a consolidation cycle is due and guarantees that at most one runs at a time.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// #region state
// State is the scheduler's lifecycle position.
type State int32

const (
	Idle State = iota
	Due
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Due:
		return "due"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// #endregion state

// #region scheduler
// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Scheduler tracks the time and size triggers. The state word is the only coordination point between
// callers: whoever wins the CAS into Running executes the cycle.
type Scheduler struct {
	state  atomic.Int32
	cycles atomic.Uint64
	now    Clock

	mu        sync.Mutex // guards lastCycle and the trigger thresholds
	lastCycle time.Time
	interval  time.Duration
	batchSize int
}

// New creates an idle scheduler whose timer starts now.
func New(interval time.Duration, batchSize int, now Clock) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:       now,
		lastCycle: now(),
		interval:  interval,
		batchSize: batchSize,
	}
}

// SetTriggers replaces the time and size thresholds.
func (s *Scheduler) SetTriggers(interval time.Duration, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.batchSize = batchSize
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Cycles returns how many cycles ran through Tick or Force.
func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

// LastCycle returns when the timer was last reset.
func (s *Scheduler) LastCycle() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// #endregion scheduler

// #region tick
// Trigger names why a cycle became due.
type Trigger string

const (
	TriggerNone  Trigger = ""
	TriggerTime  Trigger = "time"
	TriggerSize  Trigger = "size"
	TriggerForce Trigger = "force"
)

// due reports the trigger that makes a cycle due, if any.
func (s *Scheduler) due(buffered int) Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffered > s.batchSize {
		return TriggerSize
	}
	if s.now().Sub(s.lastCycle) > s.interval {
		return TriggerTime
	}
	return TriggerNone
}

// RunFunc performs one cycle and reports whether it did any work. The buffered count seen by Tick may be
// stale by the time run starts, so only run knows.
type RunFunc func(Trigger) bool

// Tick checks the triggers and, if a cycle is due and none is running, runs it and returns whether the cycle
// ran. A time trigger with an empty buffer only resets the timer.
func (s *Scheduler) Tick(buffered int, run RunFunc) bool {
	trigger := s.due(buffered)
	if trigger == TriggerNone {
		return false
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Due)) {
		return false
	}
	if buffered == 0 {
		s.resetTimer()
		s.state.Store(int32(Idle))
		return false
	}
	return s.execute(Due, trigger, run)
}

// Force runs a cycle regardless of the triggers. It returns false without calling run when a cycle is already
// in flight, and false when run reports no work.
func (s *Scheduler) Force(run RunFunc) bool {
	if !s.state.CompareAndSwap(int32(Idle), int32(Due)) {
		return false
	}
	return s.execute(Due, TriggerForce, run)
}

// Exclusive runs fn while holding the Running state, so fn never overlaps a cycle. It does not count as a
// cycle and leaves the timer alone. It returns false without running fn when a cycle is in flight.
func (s *Scheduler) Exclusive(fn func()) bool {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return false
	}
	defer s.state.Store(int32(Idle))
	fn()
	return true
}

// execute counts the cycle and resets the timer only when run did work.
func (s *Scheduler) execute(from State, trigger Trigger, run RunFunc) bool {
	if !s.state.CompareAndSwap(int32(from), int32(Running)) {
		return false
	}
	defer s.state.Store(int32(Idle))
	if !run(trigger) {
		return false
	}
	s.cycles.Add(1)
	s.resetTimer()
	return true
}

func (s *Scheduler) resetTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = s.now()
}

// #endregion tick
