// Package housekeeping implements the server's 1Hz regular maintenance
// callback: expiring sessions, secure channels, and discovery
// registrations, matching serverHouseKeeping/UA_Server_run_startup's
// "regular callback for housekeeping tasks. With a 1s interval."
package housekeeping

import (
	"time"

	"pkt.systems/opcuad/internal/eventloop"
	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// Interval is the housekeeping cadence, matching the original's
// hard-coded 1000ms registration.
const Interval = time.Second

// Expirer is implemented by the collaborators housekeeping sweeps each
// tick. Each method reports how many entries it expired, for logging and
// the statistics accessor.
type Expirer interface {
	ExpireSessions(now time.Time) int
	ExpireSecureChannels(now time.Time) int
	ExpireDiscoveryRegistrations(now time.Time) int
}

// Runner owns the housekeeping cyclic callback's registration in the
// event loop.
type Runner struct {
	loop             *eventloop.Loop
	expirer          Expirer
	interval         time.Duration
	discoveryEnabled bool
	logger           pslog.Logger
	callbackID       eventloop.CallbackID
	running          bool
}

// New builds a Runner ticking at interval (Interval if interval <= 0).
// expirer may be nil in configurations with no session/channel/discovery
// state to sweep (e.g. unit tests exercising only the lifecycle state
// machine). discoveryEnabled gates whether each tick sweeps discovery
// registrations at all, matching the original's discoveryManager being an
// optional, separately-enabled component.
func New(loop *eventloop.Loop, expirer Expirer, interval time.Duration, discoveryEnabled bool, logger pslog.Logger) *Runner {
	if interval <= 0 {
		interval = Interval
	}
	return &Runner{
		loop:             loop,
		expirer:          expirer,
		interval:         interval,
		discoveryEnabled: discoveryEnabled,
		logger:           svcfields.WithSubsystem(logger, "server.housekeeping"),
	}
}

// Start registers the cyclic callback at the runner's configured
// interval. Calling Start twice without an intervening Stop is a no-op,
// matching the original's "if(server->houseKeepingCallbackId == 0)" guard.
func (r *Runner) Start() {
	if r.running {
		return
	}
	id, err := r.loop.AddCyclicCallback(r.interval, r.tick)
	if err != nil {
		r.logger.Error("housekeeping.start_failed", "error", err)
		return
	}
	r.callbackID = id
	r.running = true
}

// Active reports whether the housekeeping callback is currently
// registered, matching the houseKeepingCallbackId != 0 testable property.
func (r *Runner) Active() bool {
	return r.running
}

// Stop cancels the housekeeping callback.
func (r *Runner) Stop() {
	if !r.running {
		return
	}
	r.loop.RemoveCyclicCallback(r.callbackID)
	r.running = false
}

func (r *Runner) tick(now time.Time) {
	if r.expirer == nil {
		return
	}
	sessions := r.expirer.ExpireSessions(now)
	channels := r.expirer.ExpireSecureChannels(now)
	var discovery int
	if r.discoveryEnabled {
		discovery = r.expirer.ExpireDiscoveryRegistrations(now)
	}
	if sessions > 0 || channels > 0 || discovery > 0 {
		r.logger.Info("housekeeping.expired",
			"sessions", sessions,
			"channels", channels,
			"discovery_registrations", discovery)
	}
}
