// Package stats implements the server's read-only statistics accessor,
// matching UA_Server_getStatistics's secure-channel and session counters,
// and exposes the same counters as a Prometheus collector.
package stats

import "sync/atomic"

// SecureChannelStats mirrors UA_SecureChannelStatistics.
type SecureChannelStats struct {
	CurrentChannelCount   uint32
	CumulatedChannelCount uint32
	RejectedChannelCount  uint32
	ChannelTimeoutCount   uint32
	ChannelAbortCount     uint32
	ChannelPurgeCount     uint32
}

// SessionStats mirrors UA_ServerDiagnosticsSummaryDataType's
// session-related fields.
type SessionStats struct {
	CurrentSessionCount          uint32
	CumulatedSessionCount        uint32
	SecurityRejectedSessionCount uint32
	RejectedSessionCount         uint32
	SessionTimeoutCount          uint32
	SessionAbortCount            uint32
}

// Snapshot is the value UA_Server_getStatistics returns.
type Snapshot struct {
	Channels SecureChannelStats
	Sessions SessionStats
}

// Counters is the atomic backing store updated by the components that
// observe channel/session lifecycle events. All fields are accessed only
// through atomic operations so Snapshot can be read from any goroutine
// without taking the server's service lock.
type Counters struct {
	currentChannelCount   atomic.Uint32
	cumulatedChannelCount atomic.Uint32
	rejectedChannelCount  atomic.Uint32
	channelTimeoutCount   atomic.Uint32
	channelAbortCount     atomic.Uint32
	channelPurgeCount     atomic.Uint32

	currentSessionCount          atomic.Uint32
	cumulatedSessionCount        atomic.Uint32
	securityRejectedSessionCount atomic.Uint32
	rejectedSessionCount         atomic.Uint32
	sessionTimeoutCount          atomic.Uint32
	sessionAbortCount            atomic.Uint32
}

// NewCounters builds a zeroed Counters.
func NewCounters() *Counters { return &Counters{} }

// ChannelOpened records a newly opened secure channel.
func (c *Counters) ChannelOpened() {
	c.currentChannelCount.Add(1)
	c.cumulatedChannelCount.Add(1)
}

// ChannelClosed records a channel leaving the current set, for any reason.
func (c *Counters) ChannelClosed() {
	decrementUint32(&c.currentChannelCount)
}

// ChannelRejected records a channel open attempt that was refused.
func (c *Counters) ChannelRejected() { c.rejectedChannelCount.Add(1) }

// ChannelTimedOut records a channel closed by housekeeping due to inactivity.
func (c *Counters) ChannelTimedOut() {
	c.channelTimeoutCount.Add(1)
	decrementUint32(&c.currentChannelCount)
}

// ChannelAborted records a channel that ended abnormally.
func (c *Counters) ChannelAborted() {
	c.channelAbortCount.Add(1)
	decrementUint32(&c.currentChannelCount)
}

// ChannelPurged records a channel purged while still in the handshake phase.
func (c *Counters) ChannelPurged() { c.channelPurgeCount.Add(1) }

// SessionOpened records a newly activated session.
func (c *Counters) SessionOpened() {
	c.currentSessionCount.Add(1)
	c.cumulatedSessionCount.Add(1)
}

// SessionClosed records a session leaving the current set.
func (c *Counters) SessionClosed() { decrementUint32(&c.currentSessionCount) }

// SessionSecurityRejected records a session create rejected on security grounds.
func (c *Counters) SessionSecurityRejected() { c.securityRejectedSessionCount.Add(1) }

// SessionRejected records any other rejected session create.
func (c *Counters) SessionRejected() { c.rejectedSessionCount.Add(1) }

// SessionTimedOut records a session expired by housekeeping.
func (c *Counters) SessionTimedOut() {
	c.sessionTimeoutCount.Add(1)
	decrementUint32(&c.currentSessionCount)
}

// SessionAborted records a session that ended abnormally.
func (c *Counters) SessionAborted() {
	c.sessionAbortCount.Add(1)
	decrementUint32(&c.currentSessionCount)
}

func decrementUint32(v *atomic.Uint32) {
	for {
		old := v.Load()
		if old == 0 {
			return
		}
		if v.CompareAndSwap(old, old-1) {
			return
		}
	}
}

// Snapshot returns a consistent-enough point-in-time read of every
// counter, matching UA_Server_getStatistics.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Channels: SecureChannelStats{
			CurrentChannelCount:   c.currentChannelCount.Load(),
			CumulatedChannelCount: c.cumulatedChannelCount.Load(),
			RejectedChannelCount:  c.rejectedChannelCount.Load(),
			ChannelTimeoutCount:   c.channelTimeoutCount.Load(),
			ChannelAbortCount:     c.channelAbortCount.Load(),
			ChannelPurgeCount:     c.channelPurgeCount.Load(),
		},
		Sessions: SessionStats{
			CurrentSessionCount:          c.currentSessionCount.Load(),
			CumulatedSessionCount:        c.cumulatedSessionCount.Load(),
			SecurityRejectedSessionCount: c.securityRejectedSessionCount.Load(),
			RejectedSessionCount:         c.rejectedSessionCount.Load(),
			SessionTimeoutCount:          c.sessionTimeoutCount.Load(),
			SessionAbortCount:            c.sessionAbortCount.Load(),
		},
	}
}
