// Package listener opens one net.Listener per configured server URL and
// wraps each with a connection guard, implementing the fan-out behavior
// of UA_Server_createServerConnection/UA_Server_run_startup.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/opcuad/internal/connguard"
	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultServerURL is used when no server URL is configured, matching the
// original's "opc.tcp://:4840" fallback.
const DefaultServerURL = "opc.tcp://:4840"

// DefaultPort is the standard OPC UA TCP port.
const DefaultPort = 4840

// Endpoint is a parsed opc.tcp URL: scheme, host, port, path.
type Endpoint struct {
	Scheme string
	Host   string
	Port   uint16
	Path   string
}

// ParseServerURL parses a "scheme://[host][:port][/path]" server URL,
// defaulting the port to DefaultPort when omitted.
func ParseServerURL(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("listener: invalid server URL %q: missing scheme", raw)
	}
	scheme := raw[:idx]
	rest := raw[idx+3:]
	path := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		path = rest[slash:]
		rest = rest[:slash]
	}
	host := rest
	port := uint16(DefaultPort)
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		host = rest[:colon]
		p, err := strconv.ParseUint(rest[colon+1:], 10, 16)
		if err != nil {
			return Endpoint{}, fmt.Errorf("listener: invalid port in %q: %w", raw, err)
		}
		port = uint16(p)
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// Addr renders the endpoint's host:port for net.Listen.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Bound pairs an opened listener with the URL it was opened for. ID is a
// short, sortable identifier correlating this listener's log lines across
// its open/close lifetime.
type Bound struct {
	ID       string
	URL      string
	Endpoint Endpoint
	Listener net.Listener
}

// Fanout opens one listener per configured URL. Every URL that can bind
// does — this is not first-success-wins (see DESIGN.md Open Question #3)
// — only the synthesized default URL used when urls is empty is a single
// attempt. Errors binding an individual URL are returned alongside
// whatever did succeed so the caller can log and continue, matching the
// original's "warn if no socket available" rather than hard failure.
//
// maxConns bounds the number of connections accepted concurrently across
// every listener Fanout returns, matching the fixed-size
// UA_MAXSERVERCONNECTIONS slot table in the original server; maxConns <= 0
// disables the bound.
func Fanout(urls []string, guard *connguard.Guard, tlsConfig *tls.Config, maxConns int, logger pslog.Logger) ([]Bound, []error) {
	logger = svcfields.WithSubsystem(logger, "server.listener")
	if len(urls) == 0 {
		urls = []string{DefaultServerURL}
		logger.Warn("listener.no_urls_configured", "default", DefaultServerURL)
	}

	limiter := newConnLimiter(maxConns)

	var bound []Bound
	var errs []error
	for _, raw := range urls {
		ep, err := ParseServerURL(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ln, err := net.Listen("tcp", ep.Addr())
		if err != nil {
			errs = append(errs, fmt.Errorf("listener: bind %q: %w", raw, err))
			continue
		}
		if guard != nil {
			ln = guard.WrapListener(ln, tlsConfig)
		}
		ln = limiter.wrap(ln, logger)
		id := xid.New().String()
		logger.Info("listener.bound", "id", id, "url", raw, "addr", ln.Addr().String())
		bound = append(bound, Bound{ID: id, URL: raw, Endpoint: ep, Listener: ln})
	}

	if len(bound) == 0 {
		logger.Error("listener.no_socket_available")
	}
	return bound, errs
}

// connLimiter enforces a shared upper bound on connections concurrently
// accepted across every listener a single Fanout call returns.
type connLimiter struct {
	max int

	mu      sync.Mutex
	current int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) wrap(ln net.Listener, logger pslog.Logger) net.Listener {
	if l == nil || l.max <= 0 {
		return ln
	}
	return &limitedListener{Listener: ln, limiter: l, logger: logger}
}

func (l *connLimiter) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.max {
		return false
	}
	l.current++
	return true
}

func (l *connLimiter) release() {
	l.mu.Lock()
	l.current--
	l.mu.Unlock()
}

// limitedListener rejects connections past the shared limiter's bound,
// closing them immediately rather than queuing — the original's
// serverConnections slot table has no waiting room either.
type limitedListener struct {
	net.Listener
	limiter *connLimiter
	logger  pslog.Logger
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.limiter.acquire() {
			l.logger.Warn("listener.max_connections_reached", "max", l.limiter.max)
			_ = conn.Close()
			continue
		}
		return &releasingConn{Conn: conn, limiter: l.limiter}, nil
	}
}

// releasingConn frees its limiter slot exactly once, tolerating a caller
// that closes the connection more than once.
type releasingConn struct {
	net.Conn
	once    sync.Once
	limiter *connLimiter
}

func (c *releasingConn) Close() error {
	c.once.Do(func() { c.limiter.release() })
	return c.Conn.Close()
}

// CloseAll closes every bound listener, collecting (not stopping at) the
// first error so every socket gets a close attempt.
func CloseAll(bound []Bound) error {
	var firstErr error
	for _, b := range bound {
		if err := b.Listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IDs returns the bind IDs of bound, in order, for diagnostics.
func IDs(bound []Bound) []string {
	ids := make([]string, len(bound))
	for i, b := range bound {
		ids[i] = b.ID
	}
	return ids
}
