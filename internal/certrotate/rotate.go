package certrotate

import (
	"bytes"
	"sync"

	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// EndpointCert is the subset of an endpoint description this package
// needs to rewrite during rotation: the certificate bytes advertised to
// clients and the security policy URI selecting which policy owns it.
type EndpointCert struct {
	SecurityPolicyURI string
	ServerCertificate []byte
}

// SecurityPolicy receives the new certificate/key material for the
// policies bound to a rotated endpoint.
type SecurityPolicy interface {
	PolicyURI() string
	UpdateCertificateAndPrivateKey(cert, key []byte) error
}

// SessionCloser and ChannelCloser are the selective-teardown collaborators
// UpdateCertificate calls when asked to close sessions/channels bound to
// the certificate being replaced.
type SessionCloser interface {
	// CloseSessionsWithCertificate closes every session whose secure
	// channel is bound to oldCert and returns how many were closed.
	CloseSessionsWithCertificate(oldCert []byte) int
}

type ChannelCloser interface {
	// CloseChannelsWithCertificate closes every secure channel bound to
	// oldCert and returns how many were closed.
	CloseChannelsWithCertificate(oldCert []byte) int
}

// Rotator performs UpdateCertificate against a set of endpoints and
// security policies. The caller (the server) is expected to hold its
// single service lock across the whole call — see DESIGN.md Open
// Question #2 — Rotator itself only serializes its own endpoint/policy
// bookkeeping.
type Rotator struct {
	mu        sync.Mutex
	logger    pslog.Logger
	endpoints []*EndpointCert
	policies  map[string]SecurityPolicy
	sessions  SessionCloser
	channels  ChannelCloser
}

// NewRotator builds a Rotator over the given endpoints and policies.
func NewRotator(endpoints []*EndpointCert, policies []SecurityPolicy, sessions SessionCloser, channels ChannelCloser, logger pslog.Logger) *Rotator {
	byURI := make(map[string]SecurityPolicy, len(policies))
	for _, p := range policies {
		byURI[p.PolicyURI()] = p
	}
	return &Rotator{
		logger:    svcfields.WithSubsystem(logger, "server.certrotate"),
		endpoints: endpoints,
		policies:  byURI,
		sessions:  sessions,
		channels:  channels,
	}
}

// UpdateCertificate replaces oldCert with newCert/newKey across every
// endpoint that currently advertises oldCert, matching
// UA_Server_updateCertificate. When closeSessions/closeSecureChannels are
// set, sessions and channels bound to oldCert are torn down first.
func (r *Rotator) UpdateCertificate(oldCert, newCert, newKey []byte, closeSessions, closeSecureChannels bool) error {
	if len(oldCert) == 0 || len(newCert) == 0 || len(newKey) == 0 {
		return errInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if closeSessions && r.sessions != nil {
		n := r.sessions.CloseSessionsWithCertificate(oldCert)
		if n > 0 {
			r.logger.Info("certrotate.sessions_closed", "count", n)
		}
	}
	if closeSecureChannels && r.channels != nil {
		n := r.channels.CloseChannelsWithCertificate(oldCert)
		if n > 0 {
			r.logger.Info("certrotate.channels_closed", "count", n)
		}
	}

	updated := 0
	for _, ep := range r.endpoints {
		if !bytes.Equal(ep.ServerCertificate, oldCert) {
			continue
		}
		ep.ServerCertificate = append([]byte(nil), newCert...)
		policy, ok := r.policies[ep.SecurityPolicyURI]
		if !ok {
			return errInternal
		}
		if err := policy.UpdateCertificateAndPrivateKey(newCert, newKey); err != nil {
			return err
		}
		updated++
	}

	r.logger.Info("certrotate.updated", "endpoints", updated)
	return nil
}

type rotateError string

func (e rotateError) Error() string { return string(e) }

const (
	errInvalidArgument = rotateError("certrotate: invalid argument")
	errInternal        = rotateError("certrotate: no security policy for endpoint")
)
