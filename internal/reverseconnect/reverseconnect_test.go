package reverseconnect

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/opcuad/internal/clock"
	"pkt.systems/opcuad/internal/eventloop"
)

type fakeConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	conns   []*fakeConn
	dialHit int
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialHit++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAddConnectsAndNotifiesState(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	dialer := &fakeDialer{}

	var mu sync.Mutex
	var states []State
	mgr := New(loop, c, dialer, 0, nil)

	handle, err := mgr.Add("opc.tcp://127.0.0.1:4840", func(h Handle, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if handle == 0 {
		t.Fatalf("expected non-zero handle")
	}

	// The dial result reaches the loop as a delayed callback, and the retry
	// cyclic callback collects it too; advance the clock past the first
	// retry tick before polling, matching TestAddRetriesOnFailure.
	c.Advance(RetryInterval + time.Millisecond)

	// Drive the loop until the async dial result is collected.
	waitFor(t, func() bool {
		ctx := context.Background()
		loop.Run(ctx)
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == StateConnected {
				return true
			}
		}
		return false
	})

	mu.Lock()
	if len(states) < 2 || states[0] != StateConnecting {
		t.Fatalf("states = %v, want [connecting, ..., connected]", states)
	}
	mu.Unlock()
}

func TestAddRetriesOnFailure(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	dialer := &fakeDialer{fail: true}
	mgr := New(loop, c, dialer, 0, nil)

	_, err := mgr.Add("opc.tcp://127.0.0.1:4840", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, func() bool {
		ctx := context.Background()
		loop.Run(ctx)
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.dialHit >= 1
	})

	c.Advance(RetryInterval + time.Millisecond)
	waitFor(t, func() bool {
		ctx := context.Background()
		loop.Run(ctx)
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.dialHit >= 2
	})
}

func TestRemoveClosesLiveConnectionAndNotifiesOnce(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	dialer := &fakeDialer{}
	mgr := New(loop, c, dialer, 0, nil)

	var mu sync.Mutex
	var states []State
	handle, err := mgr.Add("opc.tcp://127.0.0.1:4840", func(h Handle, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// See TestAddConnectsAndNotifiesState: the first retry tick is made due
	// as well before polling for the dial result.
	c.Advance(RetryInterval + time.Millisecond)

	waitFor(t, func() bool {
		ctx := context.Background()
		loop.Run(ctx)
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == StateConnected {
				return true
			}
		}
		return false
	})

	if err := mgr.Remove(handle); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if mgr.Count() != 0 {
		t.Fatalf("Count() = %d after Remove, want 0", mgr.Count())
	}

	// The close-notification callback is delayed to the end of the
	// current iteration; one more Run must drain it exactly once.
	ctx := context.Background()
	loop.Run(ctx)
	loop.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	closedCount := 0
	for _, s := range states {
		if s == StateClosed {
			closedCount++
		}
	}
	if closedCount != 1 {
		t.Fatalf("StateClosed notified %d times, want exactly 1", closedCount)
	}
}

func TestRemoveUnknownHandleErrors(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	mgr := New(loop, c, &fakeDialer{}, 0, nil)
	if err := mgr.Remove(Handle(999)); err == nil {
		t.Fatalf("expected error removing unknown handle")
	}
}
