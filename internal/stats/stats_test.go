package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersSnapshotTracksOpenAndClose(t *testing.T) {
	c := NewCounters()
	c.ChannelOpened()
	c.ChannelOpened()
	c.SessionOpened()
	c.ChannelClosed()

	snap := c.Snapshot()
	if snap.Channels.CurrentChannelCount != 1 {
		t.Fatalf("CurrentChannelCount = %d, want 1", snap.Channels.CurrentChannelCount)
	}
	if snap.Channels.CumulatedChannelCount != 2 {
		t.Fatalf("CumulatedChannelCount = %d, want 2", snap.Channels.CumulatedChannelCount)
	}
	if snap.Sessions.CurrentSessionCount != 1 {
		t.Fatalf("CurrentSessionCount = %d, want 1", snap.Sessions.CurrentSessionCount)
	}
}

func TestCountersClosedNeverUnderflows(t *testing.T) {
	c := NewCounters()
	c.ChannelClosed()
	c.ChannelClosed()
	if got := c.Snapshot().Channels.CurrentChannelCount; got != 0 {
		t.Fatalf("CurrentChannelCount = %d, want 0", got)
	}
}

func TestCollectorExportsRegisteredMetrics(t *testing.T) {
	c := NewCounters()
	c.ChannelOpened()
	c.SessionOpened()
	c.SessionTimedOut()

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(c)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]*dto.MetricFamily{}
	for _, mf := range got {
		found[mf.GetName()] = mf
	}
	if _, ok := found["opcuad_secure_channels_current"]; !ok {
		t.Fatalf("missing opcuad_secure_channels_current in %v", found)
	}
	if _, ok := found["opcuad_sessions_timeout_total"]; !ok {
		t.Fatalf("missing opcuad_sessions_timeout_total in %v", found)
	}
}
