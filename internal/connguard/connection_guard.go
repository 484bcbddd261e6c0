// Package connguard protects the server's listening sockets from abusive
// clients before any OPC UA framing is parsed: connections that fail a
// TLS handshake or send nothing within a probe window are tracked per
// remote host and, past a failure threshold, blocked outright for a
// cooldown period.
package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls connection-level protection applied to every listener
// the server opens, ahead of the OPC UA secure-channel handshake.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before hard blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked remote host stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout is the timeout for pre-classification probes on plain TCP.
	ProbeTimeout time.Duration
}

type connectionEvent struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores suspicious-connection state and can wrap a net.Listener.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	events map[string]*connectionEvent
}

// New constructs a connection guard with the supplied config.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 1 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "server.listener.connguard"),
		now:    time.Now,
		events: make(map[string]*connectionEvent),
	}
}

// WrapListener returns a listener enforcing connection guard behavior. A
// nil tlsConfig means the listener carries raw opc.tcp traffic; a non-nil
// one means the listener serves an https/wss-style transport where a TLS
// handshake gates every accepted connection.
func (g *Guard) WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{
		Listener:  ln,
		guard:     g,
		tlsConfig: tlsConfig,
	}
}

// classifyFailure records a suspicious event and returns whether the remote is blocked.
func (g *Guard) classifyFailure(remote string, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil {
		state = &connectionEvent{}
		g.events[remote] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.blocked",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

func (g *Guard) isBlocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.disengaged", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.events, remote)
	}
	return false
}

func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config
}

// Accept blocks suspicious traffic before returning a connection to the
// server's secure-channel acceptor.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, rejected, wrapErr := l.wrapConnection(conn)
		if !rejected && wrapErr == nil {
			return accepted, nil
		}
		if accepted != nil {
			_ = accepted.Close()
		}
	}
}

func (l *guardedListener) wrapConnection(conn net.Conn) (net.Conn, bool, error) {
	if l.guard == nil || conn == nil {
		return conn, false, nil
	}
	remote := remoteAddress(conn)
	if l.guard.isBlocked(remote) {
		l.guard.logger.Warn("connguard.rejected", "remote", remote, "reason", "blocked")
		return nil, true, errors.New("connection blocked")
	}

	if l.tlsConfig != nil {
		return l.wrapTLSConnection(conn, remote)
	}
	return l.wrapPlainConnection(conn, remote)
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}

func (l *guardedListener) wrapTLSConnection(conn net.Conn, remote string) (net.Conn, bool, error) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if l.guard.cfg.ProbeTimeout > 0 {
		deadline := l.guard.now().Add(l.guard.cfg.ProbeTimeout)
		if err := tlsConn.SetReadDeadline(deadline); err != nil {
			l.guard.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		}
	}
	err := tlsConn.Handshake()
	_ = tlsConn.SetReadDeadline(time.Time{})
	if err == nil {
		return tlsConn, false, nil
	}
	_ = l.guard.classifyFailure(remote, "tls_handshake")
	return tlsConn, true, err
}

func (l *guardedListener) wrapPlainConnection(conn net.Conn, remote string) (net.Conn, bool, error) {
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, false, nil
	}
	deadline := l.guard.now().Add(l.guard.cfg.ProbeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		l.guard.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		return conn, false, nil
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		l.guard.classifyFailure(remote, "zero_connect")
		return conn, true, err
	}
	if n == 0 {
		l.guard.classifyFailure(remote, "zero_connect")
		return conn, true, io.EOF
	}
	return &prefixedConn{
		Conn:   conn,
		prefix: buffer[:n],
		used:   0,
	}, false, nil
}

type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
