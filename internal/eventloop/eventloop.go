// Package eventloop implements the single-threaded cooperative scheduler
// that drives an opcuad server: one-shot timed callbacks, cyclic callbacks
// with a cycle-miss policy, and delayed callbacks that run at the end of
// the current iteration.
package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/opcuad/internal/clock"
)

// CallbackID identifies a scheduled callback. Zero is never a valid ID.
type CallbackID uint64

// Callback is invoked by the loop with the wall-clock time the loop
// observed when it decided to run it.
type Callback func(now time.Time)

// MaxIterationWait caps the wait a single Run call returns, mirroring the
// 50ms cap the original server imposes on run_iterate so an embedding
// program's own main loop stays responsive.
const MaxIterationWait = 50 * time.Millisecond

// State is the lifecycle state of the loop itself.
type State int

const (
	StateFresh State = iota
	StateStarted
	StateStopping
	StateStopped
)

type timedEntry struct {
	id       CallbackID
	due      time.Time
	cyclic   bool
	interval time.Duration
	cb       Callback
	index    int
}

type entryHeap []*timedEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*timedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Loop is a concrete, goroutine-free event loop: all scheduling bookkeeping
// happens on the calling goroutine inside Run, matching the single-threaded
// cooperative model the server requires (only Run/the shutdown drain are
// allowed to block).
type Loop struct {
	clock clock.Clock

	mu       sync.Mutex
	state    State
	nextID   CallbackID
	byID     map[CallbackID]*timedEntry
	pending  entryHeap
	delayed  []Callback
}

// New builds a Loop using the supplied clock. A nil clock defaults to the
// real wall clock.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.Real{}
	}
	return &Loop{
		clock: c,
		byID:  make(map[CallbackID]*timedEntry),
	}
}

// Start transitions the loop to Started. Calling Start on an already
// started loop is a no-op, matching UA_EventLoop's idempotent start.
func (l *Loop) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStarted {
		return nil
	}
	l.state = StateStarted
	return nil
}

// Stop marks the loop as stopping; callers must keep calling Run until
// State() reports StateStopped so in-flight callbacks (in particular
// delayed free callbacks) still execute.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStarted {
		l.state = StateStopping
	}
}

// State reports the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Finalize transitions a stopping loop to Stopped once the caller has
// finished draining it. Calling Finalize on a loop that is not currently
// stopping is a no-op.
func (l *Loop) Finalize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopping {
		l.state = StateStopped
	}
}

// AddTimedCallback schedules a one-shot callback to run at or after date.
func (l *Loop) AddTimedCallback(date time.Time, cb Callback) (CallbackID, error) {
	if cb == nil {
		return 0, fmt.Errorf("eventloop: nil callback")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(date, 0, false, cb), nil
}

// AddCyclicCallback schedules a callback to run every interval. On a
// cycle miss (the loop was busy past the next due time) the callback is
// invoked once with the current time rather than being invoked repeatedly
// to "catch up" — this is the "fire with current time" policy spec.md
// requires.
func (l *Loop) AddCyclicCallback(interval time.Duration, cb Callback) (CallbackID, error) {
	if cb == nil {
		return 0, fmt.Errorf("eventloop: nil callback")
	}
	if interval <= 0 {
		return 0, fmt.Errorf("eventloop: interval must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(l.clock.Now().Add(interval), interval, true, cb), nil
}

func (l *Loop) addLocked(due time.Time, interval time.Duration, cyclic bool, cb Callback) CallbackID {
	l.nextID++
	id := l.nextID
	e := &timedEntry{id: id, due: due, cyclic: cyclic, interval: interval, cb: cb}
	l.byID[id] = e
	heap.Push(&l.pending, e)
	return id
}

// ModifyCyclicCallback changes the interval of an existing cyclic callback.
// The new interval takes effect starting from now, not from the entry's
// original schedule.
func (l *Loop) ModifyCyclicCallback(id CallbackID, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("eventloop: interval must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok || !e.cyclic {
		return fmt.Errorf("eventloop: unknown cyclic callback %d", id)
	}
	e.interval = interval
	e.due = l.clock.Now().Add(interval)
	heap.Fix(&l.pending, e.index)
	return nil
}

// RemoveCyclicCallback cancels a callback, timed or cyclic. Removing an
// unknown ID is a no-op, matching UA_Server_removeCallback's tolerance of
// an already-fired one-shot ID.
func (l *Loop) RemoveCyclicCallback(id CallbackID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return
	}
	if e.index >= 0 {
		heap.Remove(&l.pending, e.index)
	}
	delete(l.byID, id)
}

// AddDelayedCallback queues a callback to run once, after the current Run
// iteration has finished dispatching due timed/cyclic callbacks. This is
// the primitive the reverse-connect manager uses to free an entry only
// after its in-flight connection has been asked to close.
func (l *Loop) AddDelayedCallback(cb Callback) {
	if cb == nil {
		return
	}
	l.mu.Lock()
	l.delayed = append(l.delayed, cb)
	l.mu.Unlock()
}

// NextDue returns the time of the next scheduled callback, or the zero
// Time if nothing is scheduled.
func (l *Loop) NextDue() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return time.Time{}
	}
	return l.pending[0].due
}

// Run dispatches every callback due at or before now, then drains delayed
// callbacks queued during this iteration, and returns how long the caller
// may wait before the next call to Run is needed (capped at
// MaxIterationWait). This mirrors UA_Server_run_iterate's return value.
func (l *Loop) Run(ctx context.Context) time.Duration {
	now := l.clock.Now()

	l.mu.Lock()
	var due []*timedEntry
	for len(l.pending) > 0 && !l.pending[0].due.After(now) {
		e := heap.Pop(&l.pending).(*timedEntry)
		if e.cyclic {
			e.due = now.Add(e.interval)
			heap.Push(&l.pending, e)
		} else {
			delete(l.byID, e.id)
		}
		due = append(due, e)
	}
	l.mu.Unlock()

	for _, e := range due {
		select {
		case <-ctx.Done():
			return 0
		default:
		}
		e.cb(now)
	}

	l.mu.Lock()
	delayed := l.delayed
	l.delayed = nil
	l.mu.Unlock()
	for _, cb := range delayed {
		cb(now)
	}

	next := l.NextDue()
	if next.IsZero() {
		return MaxIterationWait
	}
	wait := next.Sub(l.clock.Now())
	if wait < 0 {
		wait = 0
	}
	if wait > MaxIterationWait {
		wait = MaxIterationWait
	}
	return wait
}
