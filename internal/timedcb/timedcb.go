// Package timedcb provides the server's public timed/cyclic callback
// surface: a thin, lock-guarded wrapper over internal/eventloop matching
// UA_Server_addTimedCallback / UA_Server_addRepeatedCallback /
// UA_Server_changeRepeatedCallbackInterval / UA_Server_removeCallback.
package timedcb

import (
	"sync"
	"time"

	"pkt.systems/opcuad/internal/eventloop"
)

// Facade serializes access to an eventloop.Loop behind the server's single
// service mutex, so callers never need to reason about the loop's own
// internal locking.
type Facade struct {
	mu   *sync.Mutex
	loop *eventloop.Loop
}

// New builds a Facade over loop, guarded by mu. mu is expected to be the
// server's single service mutex, shared with every other public entry
// point, matching the original's UA_LOCK(&server->serviceMutex) pattern.
func New(mu *sync.Mutex, loop *eventloop.Loop) *Facade {
	return &Facade{mu: mu, loop: loop}
}

// AddTimedCallback schedules a one-shot callback at the given time.
func (f *Facade) AddTimedCallback(date time.Time, cb eventloop.Callback) (eventloop.CallbackID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loop.AddTimedCallback(date, cb)
}

// AddCyclicCallback schedules a repeated callback at the given interval,
// with the "fire with current time" cycle-miss policy.
func (f *Facade) AddCyclicCallback(interval time.Duration, cb eventloop.Callback) (eventloop.CallbackID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loop.AddCyclicCallback(interval, cb)
}

// ModifyCyclicCallback changes an existing cyclic callback's interval.
func (f *Facade) ModifyCyclicCallback(id eventloop.CallbackID, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loop.ModifyCyclicCallback(id, interval)
}

// RemoveCallback cancels a timed or cyclic callback. Unknown IDs are
// silently ignored.
func (f *Facade) RemoveCallback(id eventloop.CallbackID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loop.RemoveCyclicCallback(id)
}

// AddDelayedCallback queues a callback for the end of the current
// iteration, outside the service lock since the loop itself serializes
// delayed-callback dispatch.
func (f *Facade) AddDelayedCallback(cb eventloop.Callback) {
	f.loop.AddDelayedCallback(cb)
}
