package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/addrutil"
	"github.com/metroo-labs/metroo-proxy/internal/metrics"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
)

// DirectDialer opens a plain TCP connection to the target, using the host
// runtime's resolver for DNS names.
type DirectDialer struct {
	dialTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewDirectDialer creates a DirectDialer with the given dial timeout and
// metrics sink. A non-positive timeout falls back to 10s. A nil m disables
// metrics.
func NewDirectDialer(dialTimeout time.Duration, m *metrics.Metrics) *DirectDialer {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &DirectDialer{dialTimeout: dialTimeout, metrics: m}
}

// DialContext implements Dialer.
func (d *DirectDialer) DialContext(ctx context.Context, target addrutil.Address) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	start := time.Now()
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", target.String())
	if d.metrics != nil {
		d.metrics.RecordUpstreamDial("direct", time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proxyerr.ErrUpstreamConnect, err)
	}
	return conn, nil
}
