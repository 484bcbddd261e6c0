package housekeeping

import (
	"context"
	"time"

	"testing"

	"pkt.systems/opcuad/internal/clock"
	"pkt.systems/opcuad/internal/eventloop"
)

type countingExpirer struct {
	sessions, channels, discovery int
	calls, discoveryCalls         int
}

func (c *countingExpirer) ExpireSessions(now time.Time) int {
	c.calls++
	return c.sessions
}
func (c *countingExpirer) ExpireSecureChannels(now time.Time) int { return c.channels }
func (c *countingExpirer) ExpireDiscoveryRegistrations(now time.Time) int {
	c.discoveryCalls++
	return c.discovery
}

func TestRunnerTicksAtOneHertz(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	exp := &countingExpirer{sessions: 1}
	r := New(loop, exp, 0, true, nil)
	r.Start()

	ctx := context.Background()
	loop.Run(ctx) // t=0: callback scheduled for t=1s, nothing due yet
	if exp.calls != 0 {
		t.Fatalf("calls = %d before first interval elapsed, want 0", exp.calls)
	}

	c.Advance(Interval)
	loop.Run(ctx)
	if exp.calls != 1 {
		t.Fatalf("calls = %d after one interval, want 1", exp.calls)
	}

	c.Advance(Interval)
	loop.Run(ctx)
	if exp.calls != 2 {
		t.Fatalf("calls = %d after two intervals, want 2", exp.calls)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	r := New(loop, &countingExpirer{}, 0, true, nil)
	r.Start()
	id1 := r.callbackID
	r.Start()
	if r.callbackID != id1 {
		t.Fatalf("second Start() re-registered the callback")
	}
}

func TestRunnerHonorsCustomInterval(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	exp := &countingExpirer{sessions: 1}
	r := New(loop, exp, 5*time.Second, true, nil)
	r.Start()

	ctx := context.Background()
	c.Advance(Interval)
	loop.Run(ctx)
	if exp.calls != 0 {
		t.Fatalf("calls = %d after 1s with a 5s interval, want 0", exp.calls)
	}

	c.Advance(4 * Interval)
	loop.Run(ctx)
	if exp.calls != 1 {
		t.Fatalf("calls = %d after 5s with a 5s interval, want 1", exp.calls)
	}
}

func TestRunnerSkipsDiscoveryExpiryWhenDisabled(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	exp := &countingExpirer{sessions: 1, discovery: 1}
	r := New(loop, exp, 0, false, nil)
	r.Start()

	ctx := context.Background()
	c.Advance(Interval)
	loop.Run(ctx)
	if exp.calls != 1 {
		t.Fatalf("calls = %d after one interval, want 1", exp.calls)
	}
	if exp.discoveryCalls != 0 {
		t.Fatalf("discoveryCalls = %d with discovery disabled, want 0", exp.discoveryCalls)
	}
}

func TestStopCancelsCallback(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	loop := eventloop.New(c)
	exp := &countingExpirer{sessions: 1}
	r := New(loop, exp, 0, true, nil)
	r.Start()
	r.Stop()

	ctx := context.Background()
	c.Advance(5 * Interval)
	loop.Run(ctx)
	if exp.calls != 0 {
		t.Fatalf("calls = %d after Stop, want 0", exp.calls)
	}
}
