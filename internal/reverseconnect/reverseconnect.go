// Package reverseconnect implements the server-initiated outbound
// connection manager: the server dials out to clients instead of waiting
// for them to connect, redialing on a cyclic retry until the entry
// connects or is removed. A dial result is handed back to the event loop
// as a delayed callback, so the next Run collects it. It is the Go counterpart of UA_Server_addReverseConnect /
// UA_Server_removeReverseConnect / attemptReverseConnect in the original
// server, with the SLIST-based entry list replaced by a map and the
// "delayed free after the current iteration" teardown replaced by a
// delayed eventloop callback that notifies the caller once the close has
// been requested.
package reverseconnect

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/opcuad/internal/clock"
	"pkt.systems/opcuad/internal/eventloop"
	"pkt.systems/opcuad/internal/listener"
	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// State is the lifecycle state of a reverse-connect entry.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Handle identifies a registered reverse-connect entry.
type Handle uint64

// StateCallback is invoked whenever an entry transitions state.
type StateCallback func(handle Handle, state State)

// RetryInterval is how often the manager attempts to (re)dial entries
// that are not currently connected, matching the 1Hz cadence the spec
// requires for reverse-connect retries.
const RetryInterval = time.Second

// DialTimeout bounds a single dial attempt.
const DialTimeout = 5 * time.Second

type dialResult struct {
	conn net.Conn
	err  error
}

type entry struct {
	handle      Handle
	url         string
	addr        string
	state       State
	callback    StateCallback
	conn        net.Conn
	inflight    bool
	resultCh    chan dialResult
	destruction bool
}

// Dialer opens an outbound TCP connection. It exists as a seam for tests;
// production code uses net.Dialer.DialContext.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager owns the set of reverse-connect entries and their retry cyclic
// callback.
type Manager struct {
	loop          *eventloop.Loop
	clock         clock.Clock
	dialer        Dialer
	retryInterval time.Duration
	logger        pslog.Logger

	mu            sync.Mutex
	entries       map[Handle]*entry
	retryCallback eventloop.CallbackID
	retrying      bool
}

// New builds a Manager bound to loop, retrying closed entries at
// retryInterval (RetryInterval if retryInterval <= 0).
func New(loop *eventloop.Loop, c clock.Clock, dialer Dialer, retryInterval time.Duration, logger pslog.Logger) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if retryInterval <= 0 {
		retryInterval = RetryInterval
	}
	return &Manager{
		loop:          loop,
		clock:         c,
		dialer:        dialer,
		retryInterval: retryInterval,
		logger:        svcfields.WithSubsystem(logger, "server.reverseconnect"),
		entries:       make(map[Handle]*entry),
	}
}

// Add registers url for reverse connection and returns its handle. The
// first attempt is kicked off immediately; subsequent attempts happen on
// the 1Hz retry cyclic callback until the entry connects or is removed.
func (m *Manager) Add(url string, cb StateCallback) (Handle, error) {
	ep, err := listener.ParseServerURL(url)
	if err != nil {
		return 0, fmt.Errorf("reverseconnect: %w", err)
	}

	m.mu.Lock()
	if len(m.entries) == 0 {
		m.startRetryLocked()
	}
	handle := Handle(uuid.New().ID())
	for m.entries[handle] != nil || handle == 0 {
		handle = Handle(uuid.New().ID())
	}
	e := &entry{
		handle:   handle,
		url:      url,
		addr:     ep.Addr(),
		state:    StateClosed,
		callback: cb,
		resultCh: make(chan dialResult, 1),
	}
	m.entries[handle] = e
	m.mu.Unlock()

	m.beginDial(e)
	return handle, nil
}

// Remove unregisters handle. If the entry has a live connection, the
// connection is closed and the caller's state callback is invoked once
// more, from a delayed eventloop callback, after the close has been
// requested — the Go equivalent of the original's delayed
// freeReverseConnectCallback.
func (m *Manager) Remove(handle Handle) error {
	m.mu.Lock()
	e, ok := m.entries[handle]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("reverseconnect: unknown handle %d", handle)
	}
	delete(m.entries, handle)
	empty := len(m.entries) == 0
	if empty {
		m.stopRetryLocked()
	}
	e.destruction = true
	conn := e.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.loop.AddDelayedCallback(func(time.Time) {
			m.setState(e, StateClosed)
		})
	} else {
		m.setState(e, StateClosed)
	}
	return nil
}

// Count returns the number of registered entries.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CloseAll removes every registered entry, requesting transport close for
// any with a live connection. Used by the server's shutdown drain to mark
// every reverse connect as destroying, matching the original's shutdown
// step "iterate over the reverse connects, mark them destroyed".
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.entries))
	for h := range m.entries {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := m.Remove(h); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) startRetryLocked() {
	if m.retrying {
		return
	}
	m.retrying = true
	id, _ := m.loop.AddCyclicCallback(m.retryInterval, m.retryTick)
	m.retryCallback = id
}

func (m *Manager) stopRetryLocked() {
	if !m.retrying {
		return
	}
	m.retrying = false
	m.loop.RemoveCyclicCallback(m.retryCallback)
}

func (m *Manager) retryTick(now time.Time) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.collectResult(e)
		m.mu.Lock()
		destroyed := e.destruction
		needsDial := e.state != StateConnected && !e.inflight
		m.mu.Unlock()
		if destroyed || !needsDial {
			continue
		}
		m.beginDial(e)
	}
}

func (m *Manager) collectResult(e *entry) {
	select {
	case res := <-e.resultCh:
		m.mu.Lock()
		e.inflight = false
		if e.destruction {
			m.mu.Unlock()
			if res.conn != nil {
				_ = res.conn.Close()
			}
			return
		}
		if res.err != nil {
			m.logger.Warn("reverseconnect.dial_failed", "url", e.url, "error", res.err)
			m.mu.Unlock()
			m.setState(e, StateClosed)
			return
		}
		e.conn = res.conn
		m.mu.Unlock()
		m.setState(e, StateConnected)
	default:
	}
}

func (m *Manager) beginDial(e *entry) {
	m.mu.Lock()
	if e.destruction || e.inflight || e.state == StateConnected {
		m.mu.Unlock()
		return
	}
	e.inflight = true
	wasConnecting := e.state == StateConnecting
	e.state = StateConnecting
	m.mu.Unlock()

	if !wasConnecting {
		m.setState(e, StateConnecting)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
		defer cancel()
		conn, err := m.dialer.DialContext(ctx, "tcp", e.addr)
		e.resultCh <- dialResult{conn: conn, err: err}
		m.loop.AddDelayedCallback(func(time.Time) { m.collectResult(e) })
	}()
}

func (m *Manager) setState(e *entry, state State) {
	m.mu.Lock()
	e.state = state
	cb := e.callback
	m.mu.Unlock()
	if cb != nil {
		cb(e.handle, state)
	}
}
