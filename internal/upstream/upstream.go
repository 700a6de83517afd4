// Package upstream selects and dials the upstream connection for a proxied
// request: either direct to the target, or through an upstream SOCKS5
// proxy.
package upstream

import (
	"context"
	"net"

	"github.com/metroo-labs/metroo-proxy/internal/addrutil"
	"github.com/metroo-labs/metroo-proxy/internal/classify"
)

// Dialer opens a connection to a target endpoint.
type Dialer interface {
	DialContext(ctx context.Context, target addrutil.Address) (net.Conn, error)
}

// Decision is the immutable per-request choice of upstream path.
type Decision int

const (
	Direct Decision = iota
	ViaSOCKS5
)

func (d Decision) String() string {
	if d == Direct {
		return "direct"
	}
	return "socks5"
}

// Selector picks Direct or ViaSOCKS5 for a target host, and returns the
// Dialer to use. Selection is a pure function of (host, whitelist,
// private-IP rule); the dialer invocation is the only side effect.
type Selector struct {
	whitelist *classify.Whitelist
	direct    Dialer
	socks5    Dialer
}

// NewSelector builds a Selector over a compiled whitelist and the two
// concrete dialers.
func NewSelector(whitelist *classify.Whitelist, direct, socks5 Dialer) *Selector {
	return &Selector{whitelist: whitelist, direct: direct, socks5: socks5}
}

// Decide returns the UpstreamDecision for host, without dialing.
func (s *Selector) Decide(host string) Decision {
	if classify.IsDirect(host, s.whitelist) {
		return Direct
	}
	return ViaSOCKS5
}

// Dial decides the upstream path for target.Host and dials it.
func (s *Selector) Dial(ctx context.Context, target addrutil.Address) (net.Conn, Decision, error) {
	decision := s.Decide(target.Host)
	dialer := s.socks5
	if decision == Direct {
		dialer = s.direct
	}
	conn, err := dialer.DialContext(ctx, target)
	return conn, decision, err
}
