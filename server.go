package opcuad

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/opcuad/internal/certrotate"
	"pkt.systems/opcuad/internal/clock"
	"pkt.systems/opcuad/internal/connguard"
	"pkt.systems/opcuad/internal/eventloop"
	"pkt.systems/opcuad/internal/housekeeping"
	"pkt.systems/opcuad/internal/listener"
	"pkt.systems/opcuad/internal/namespace"
	"pkt.systems/opcuad/internal/nodestore"
	"pkt.systems/opcuad/internal/reverseconnect"
	"pkt.systems/opcuad/internal/stats"
	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/opcuad/internal/timedcb"
	"pkt.systems/pslog"

	"golang.org/x/sync/errgroup"
)

// State is the server's lifecycle state, per the fresh/started/shutting-
// down/stopped state machine.
type State int

const (
	StateFresh State = iota
	StateStarted
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "fresh"
	}
}

// Option configures a Server at construction time.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	NodeStore nodestore.Store
	Dialer    reverseconnect.Dialer

	CertEndpoints     []*certrotate.EndpointCert
	CertPolicies      []certrotate.SecurityPolicy
	CertSessionCloser certrotate.SessionCloser
	CertChannelCloser certrotate.ChannelCloser
}

// WithLogger supplies a custom logger; the default is pslog.NoopLogger so
// embedding opcuad.Server never requires one.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation, primarily for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithNodeStore supplies the address-space collaborator init requires.
// Without one, New returns a fatal-init Failure, matching the original's
// "no node store configured" abort.
func WithNodeStore(store nodestore.Store) Option {
	return func(o *options) { o.NodeStore = store }
}

// WithDialer overrides the reverse-connect manager's outbound dialer,
// for tests.
func WithDialer(d reverseconnect.Dialer) Option {
	return func(o *options) { o.Dialer = d }
}

// WithCertificateEndpoints supplies the endpoint descriptions
// UpdateCertificate rewrites when a bundle path is configured. Without
// these, certificate rotation has nothing to rewrite.
func WithCertificateEndpoints(endpoints ...*certrotate.EndpointCert) Option {
	return func(o *options) { o.CertEndpoints = endpoints }
}

// WithSecurityPolicies supplies the security policies whose certificate
// and private key UpdateCertificate replaces alongside each matching
// endpoint.
func WithSecurityPolicies(policies ...certrotate.SecurityPolicy) Option {
	return func(o *options) { o.CertPolicies = policies }
}

// WithSessionCloser supplies the collaborator UpdateCertificate uses to
// close sessions bound to a certificate being replaced, when asked to.
func WithSessionCloser(closer certrotate.SessionCloser) Option {
	return func(o *options) { o.CertSessionCloser = closer }
}

// WithChannelCloser supplies the collaborator UpdateCertificate uses to
// close secure channels bound to a certificate being replaced, when asked
// to.
func WithChannelCloser(closer certrotate.ChannelCloser) Option {
	return func(o *options) { o.CertChannelCloser = closer }
}

// Server is the root aggregate: configuration, namespace table, event
// loop, and every subsystem manager it owns.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	nodeStore nodestore.Store

	mu    sync.Mutex
	state State

	loop           *eventloop.Loop
	namespaces     *namespace.Table
	timedCallbacks *timedcb.Facade
	reverseConnect *reverseconnect.Manager
	houseKeeping   *housekeeping.Runner
	certRotator    *certrotate.Rotator
	certWatcher    *certrotate.Watcher
	counters       *stats.Counters
	collector      *stats.Collector
	guard          *connguard.Guard

	listeners []listener.Bound

	startTime time.Time
	endTime   time.Time
}

// New transfers ownership of cfg into a fresh Server and runs init:
// seeds the namespace table with indices 0 and 1, wires every subsystem
// manager, and validates a node store collaborator was supplied.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.NodeStore == nil {
		return nil, errFatalInit("no node store configured")
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := o.Clock
	if c == nil {
		c = clock.Real{}
	}

	loop := eventloop.New(c)
	ns := namespace.New()
	ns.EnsureNS1(cfg.ApplicationURI)

	counters := stats.NewCounters()

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server.lifecycle"),
		clock:      c,
		nodeStore:  o.NodeStore,
		loop:       loop,
		namespaces: ns,
		counters:   counters,
		collector:  stats.NewCollector(counters),
	}
	s.timedCallbacks = timedcb.New(&s.mu, loop)
	s.reverseConnect = reverseconnect.New(loop, c, o.Dialer, cfg.ReverseConnectRetryInterval, logger)
	s.guard = connguard.New(connguard.Config{}, logger)

	if cfg.BundlePath != "" {
		bundle, err := certrotate.LoadBundle(cfg.BundlePath, cfg.DenylistPath)
		if err != nil {
			return nil, fmt.Errorf("opcuad: load certificate bundle: %w", err)
		}
		s.certRotator = certrotate.NewRotator(o.CertEndpoints, o.CertPolicies, o.CertSessionCloser, o.CertChannelCloser, logger)
		if cfg.WatchBundle {
			s.certWatcher = certrotate.NewWatcher(cfg.BundlePath, cfg.DenylistPath, bundle, s.onBundleReload, logger)
		}
	}

	return s, nil
}

// Namespaces exposes the namespace table (4.B addNamespace / getNamespaceByName/Index).
func (s *Server) Namespaces() *namespace.Table { return s.namespaces }

// ForEachChildNodeCall browses id in both reference directions, local-only,
// invoking fn once per child (4.J).
func (s *Server) ForEachChildNodeCall(ctx context.Context, id nodestore.NodeID, fn nodestore.ChildCallback) error {
	return nodestore.ForEachChild(ctx, s.nodeStore, id, fn)
}

// Stats returns a point-in-time statistics snapshot (4.I getStatistics).
func (s *Server) Stats() stats.Snapshot { return s.counters.Snapshot() }

// StatsCollector returns the Prometheus collector wrapping Stats, for
// registration with a prometheus.Registry by the embedding program.
func (s *Server) StatsCollector() *stats.Collector { return s.collector }

// AddTimedCallback schedules a one-shot callback (4.C).
func (s *Server) AddTimedCallback(date time.Time, cb eventloop.Callback) (eventloop.CallbackID, error) {
	return s.timedCallbacks.AddTimedCallback(date, cb)
}

// AddRepeatedCallback schedules a cyclic callback (4.C).
func (s *Server) AddRepeatedCallback(interval time.Duration, cb eventloop.Callback) (eventloop.CallbackID, error) {
	return s.timedCallbacks.AddCyclicCallback(interval, cb)
}

// ChangeRepeatedCallbackInterval modifies a cyclic callback's interval (4.C).
func (s *Server) ChangeRepeatedCallbackInterval(id eventloop.CallbackID, interval time.Duration) error {
	return s.timedCallbacks.ModifyCyclicCallback(id, interval)
}

// RemoveCallback cancels a timed or cyclic callback (4.C).
func (s *Server) RemoveCallback(id eventloop.CallbackID) {
	s.timedCallbacks.RemoveCallback(id)
}

// AddReverseConnect registers url for reverse connection (4.E).
func (s *Server) AddReverseConnect(url string, cb reverseconnect.StateCallback) (reverseconnect.Handle, error) {
	return s.reverseConnect.Add(url, cb)
}

// RemoveReverseConnect unregisters a reverse-connect entry (4.E).
func (s *Server) RemoveReverseConnect(handle reverseconnect.Handle) error {
	return s.reverseConnect.Remove(handle)
}

// UpdateCertificate rotates server certificate material (4.G). It is a
// no-op returning an error when no bundle path was configured.
func (s *Server) UpdateCertificate(oldCert, newCert, newKey []byte, closeSessions, closeSecureChannels bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certRotator == nil {
		return errInvalidArgument("certificate rotation not configured (no bundle path)")
	}
	return s.certRotator.UpdateCertificate(oldCert, newCert, newKey, closeSessions, closeSecureChannels)
}

func (s *Server) onBundleReload(old, newBundle *certrotate.Bundle) {
	if s.certRotator == nil || old == nil || newBundle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.certRotator.UpdateCertificate(old.ServerCertPEM, newBundle.ServerCertPEM, newBundle.ServerKeyPEM, false, false); err != nil {
		s.logger.Error("server.cert_reload_failed", "error", err)
	}
}

// RunStartup transitions the server from fresh to started: idempotent
// past started, registers housekeeping, starts the event loop, and opens
// listeners for every configured server URL (4.D, 4.H startup).
func (s *Server) RunStartup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarted {
		return nil
	}
	if s.state != StateFresh {
		return errInvalidArgument(fmt.Sprintf("cannot start from state %s", s.state))
	}

	s.namespaces.EnsureNS1(s.cfg.ApplicationURI)

	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("opcuad: start event loop: %w", err)
	}

	if s.houseKeeping == nil {
		s.houseKeeping = housekeeping.New(s.loop, nil, s.cfg.HousekeepingInterval, s.cfg.DiscoveryEnabled, s.logger)
	}
	s.houseKeeping.Start()

	bound, errs := listener.Fanout(s.cfg.ServerURLs, s.guard, nil, s.cfg.MaxServerConnections, s.logger)
	for _, err := range errs {
		s.logger.Warn("server.listener_bind_failed", "error", err)
	}
	s.listeners = bound
	if len(bound) == 0 {
		s.logger.Error("server.no_listener_available")
	}

	if s.certWatcher != nil {
		if err := s.certWatcher.Start(ctx); err != nil {
			s.logger.Warn("server.cert_watch_failed", "error", err)
		}
	}

	s.startTime = s.clock.Now()
	s.endTime = time.Time{}
	s.state = StateStarted
	s.logger.Info("server.started", "urls", s.cfg.ServerURLs)
	return nil
}

// RunIterate pumps the event loop for at most the configured iterate
// budget (capped at eventloop.MaxIterationWait) and returns how long the
// caller may wait before calling RunIterate again (4.H iterate).
func (s *Server) RunIterate(ctx context.Context) time.Duration {
	s.mu.Lock()
	loop := s.loop
	budget := s.cfg.IterateBudget
	s.mu.Unlock()

	iterCtx := ctx
	var cancel context.CancelFunc
	if budget > 0 {
		iterCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	return loop.Run(iterCtx)
}

// RequestShutdown implements setServerShutdown: delay == 0 means stop
// immediately (the caller should proceed directly to RunShutdown); a
// positive delay arms endTime and the caller should keep iterating until
// ShutdownDeadlineReached reports true.
func (s *Server) RequestShutdown(delay time.Duration) (continueIterating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay <= 0 {
		s.state = StateShuttingDown
		return false
	}
	s.endTime = s.clock.Now().Add(delay)
	s.state = StateShuttingDown
	return true
}

// ShutdownDeadlineReached reports whether a delayed shutdown's grace
// period has elapsed.
func (s *Server) ShutdownDeadlineReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return true
	}
	return !s.clock.Now().Before(s.endTime)
}

// RunShutdown drains every subsystem and transitions the server to
// stopped (4.H shutdown): cancels housekeeping, marks every reverse
// connect as destroying, closes listeners, and stops the event loop.
// Housekeeping is stopped first; the reverse-connect, listener and
// certificate-watcher drains then run concurrently and RunShutdown waits
// for all of them (they do not consult ctx). A final Run bounded by
// DefaultShutdownIterationBudget executes delayed callbacks the drain
// queued before the loop is finalized.
func (s *Server) RunShutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShuttingDown
	houseKeeping := s.houseKeeping
	listeners := s.listeners
	s.listeners = nil
	certWatcher := s.certWatcher
	s.mu.Unlock()

	if houseKeeping != nil {
		houseKeeping.Stop()
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.closeReverseConnects(ctx)
	})
	g.Go(func() error {
		return listener.CloseAll(listeners)
	})
	if certWatcher != nil {
		g.Go(func() error {
			certWatcher.Stop()
			return nil
		})
	}
	err := g.Wait()

	s.loop.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownIterationBudget)
	s.loop.Run(drainCtx)
	cancel()
	s.loop.Finalize()

	s.mu.Lock()
	s.state = StateStopped
	s.startTime = time.Time{}
	s.endTime = time.Time{}
	s.mu.Unlock()

	s.logger.Info("server.stopped")
	return err
}

func (s *Server) closeReverseConnects(ctx context.Context) error {
	return s.reverseConnect.CloseAll()
}

// State reports the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HousekeepingActive reports whether the housekeeping callback is
// currently registered, matching the houseKeepingCallbackId != 0
// testable property.
func (s *Server) HousekeepingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.houseKeeping != nil && s.houseKeeping.Active()
}

// Run drives the full fresh -> started -> shutting-down -> stopped cycle,
// calling RunIterate until ctx is canceled or a shutdown deadline (if
// any) is reached, then running RunShutdown once. When ctx is canceled
// while the server is started and Config.ShutdownDelay is positive, Run
// first arms that delay via RequestShutdown and keeps iterating until it
// has elapsed.
func (s *Server) Run(ctx context.Context) error {
	if err := s.RunStartup(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			if s.cfg.ShutdownDelay > 0 && s.State() == StateStarted {
				s.RequestShutdown(s.cfg.ShutdownDelay)
				ctx = context.Background()
				continue
			}
			return s.RunShutdown(context.Background())
		default:
		}
		wait := s.RunIterate(ctx)
		if s.State() == StateShuttingDown && s.ShutdownDeadlineReached() {
			return s.RunShutdown(ctx)
		}
		if wait > 0 {
			s.clock.Sleep(wait)
		}
	}
}
