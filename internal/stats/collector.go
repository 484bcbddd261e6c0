package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Counters snapshot as Prometheus metrics. It
// implements prometheus.Collector directly rather than registering a set
// of GaugeFuncs, since every value is read from a single Snapshot() call
// and should be mutually consistent within one scrape.
type Collector struct {
	counters *Counters

	currentChannelCount   *prometheus.Desc
	cumulatedChannelCount *prometheus.Desc
	rejectedChannelCount  *prometheus.Desc
	channelTimeoutCount   *prometheus.Desc
	channelAbortCount     *prometheus.Desc
	channelPurgeCount     *prometheus.Desc

	currentSessionCount          *prometheus.Desc
	cumulatedSessionCount        *prometheus.Desc
	securityRejectedSessionCount *prometheus.Desc
	rejectedSessionCount         *prometheus.Desc
	sessionTimeoutCount          *prometheus.Desc
	sessionAbortCount            *prometheus.Desc
}

// NewCollector wraps counters for registration with a prometheus.Registry.
func NewCollector(counters *Counters) *Collector {
	const ns = "opcuad"
	return &Collector{
		counters: counters,

		currentChannelCount:   prometheus.NewDesc(ns+"_secure_channels_current", "Number of currently open secure channels.", nil, nil),
		cumulatedChannelCount: prometheus.NewDesc(ns+"_secure_channels_cumulated_total", "Total secure channels opened since server start.", nil, nil),
		rejectedChannelCount:  prometheus.NewDesc(ns+"_secure_channels_rejected_total", "Total secure channel open attempts rejected.", nil, nil),
		channelTimeoutCount:   prometheus.NewDesc(ns+"_secure_channels_timeout_total", "Total secure channels closed by housekeeping due to inactivity.", nil, nil),
		channelAbortCount:     prometheus.NewDesc(ns+"_secure_channels_abort_total", "Total secure channels that ended abnormally.", nil, nil),
		channelPurgeCount:     prometheus.NewDesc(ns+"_secure_channels_purge_total", "Total secure channels purged during handshake.", nil, nil),

		currentSessionCount:          prometheus.NewDesc(ns+"_sessions_current", "Number of currently active sessions.", nil, nil),
		cumulatedSessionCount:        prometheus.NewDesc(ns+"_sessions_cumulated_total", "Total sessions activated since server start.", nil, nil),
		securityRejectedSessionCount: prometheus.NewDesc(ns+"_sessions_security_rejected_total", "Total session creates rejected on security grounds.", nil, nil),
		rejectedSessionCount:         prometheus.NewDesc(ns+"_sessions_rejected_total", "Total session creates rejected for any other reason.", nil, nil),
		sessionTimeoutCount:          prometheus.NewDesc(ns+"_sessions_timeout_total", "Total sessions expired by housekeeping.", nil, nil),
		sessionAbortCount:            prometheus.NewDesc(ns+"_sessions_abort_total", "Total sessions that ended abnormally.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currentChannelCount
	ch <- c.cumulatedChannelCount
	ch <- c.rejectedChannelCount
	ch <- c.channelTimeoutCount
	ch <- c.channelAbortCount
	ch <- c.channelPurgeCount
	ch <- c.currentSessionCount
	ch <- c.cumulatedSessionCount
	ch <- c.securityRejectedSessionCount
	ch <- c.rejectedSessionCount
	ch <- c.sessionTimeoutCount
	ch <- c.sessionAbortCount
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counters.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.currentChannelCount, prometheus.GaugeValue, float64(snap.Channels.CurrentChannelCount))
	ch <- prometheus.MustNewConstMetric(c.cumulatedChannelCount, prometheus.CounterValue, float64(snap.Channels.CumulatedChannelCount))
	ch <- prometheus.MustNewConstMetric(c.rejectedChannelCount, prometheus.CounterValue, float64(snap.Channels.RejectedChannelCount))
	ch <- prometheus.MustNewConstMetric(c.channelTimeoutCount, prometheus.CounterValue, float64(snap.Channels.ChannelTimeoutCount))
	ch <- prometheus.MustNewConstMetric(c.channelAbortCount, prometheus.CounterValue, float64(snap.Channels.ChannelAbortCount))
	ch <- prometheus.MustNewConstMetric(c.channelPurgeCount, prometheus.CounterValue, float64(snap.Channels.ChannelPurgeCount))

	ch <- prometheus.MustNewConstMetric(c.currentSessionCount, prometheus.GaugeValue, float64(snap.Sessions.CurrentSessionCount))
	ch <- prometheus.MustNewConstMetric(c.cumulatedSessionCount, prometheus.CounterValue, float64(snap.Sessions.CumulatedSessionCount))
	ch <- prometheus.MustNewConstMetric(c.securityRejectedSessionCount, prometheus.CounterValue, float64(snap.Sessions.SecurityRejectedSessionCount))
	ch <- prometheus.MustNewConstMetric(c.rejectedSessionCount, prometheus.CounterValue, float64(snap.Sessions.RejectedSessionCount))
	ch <- prometheus.MustNewConstMetric(c.sessionTimeoutCount, prometheus.CounterValue, float64(snap.Sessions.SessionTimeoutCount))
	ch <- prometheus.MustNewConstMetric(c.sessionAbortCount, prometheus.CounterValue, float64(snap.Sessions.SessionAbortCount))
}
