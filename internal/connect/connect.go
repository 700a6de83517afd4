// Package connect implements the HTTPS CONNECT tunnel path: hijacking the
// client connection, establishing the upstream leg, and handing both off to
// the relay package.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/addrutil"
	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
	"github.com/metroo-labs/metroo-proxy/internal/relay"
	"github.com/metroo-labs/metroo-proxy/internal/reqid"
	"github.com/metroo-labs/metroo-proxy/internal/upstream"
)

// Handler serves CONNECT requests by tunneling bytes between the hijacked
// client socket and an upstream connection chosen by Selector.
type Handler struct {
	selector    *upstream.Selector
	tracker     *conntrack.Tracker
	reqIDs      *reqid.Generator
	idleTimeout time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger
}

// Config bundles Handler dependencies.
type Config struct {
	Selector    *upstream.Selector
	Tracker     *conntrack.Tracker
	RequestIDs  *reqid.Generator
	IdleTimeout time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// New builds a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Handler{
		selector:    cfg.Selector,
		tracker:     cfg.Tracker,
		reqIDs:      cfg.RequestIDs,
		idleTimeout: cfg.IdleTimeout,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Handle serves one CONNECT request. r.Method must be "CONNECT".
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	target, err := addrutil.Parse(r.Host)
	if err != nil {
		err = fmt.Errorf("%w: %v", proxyerr.ErrInvalidClientRequest, err)
		if errors.Is(err, proxyerr.ErrInvalidClientRequest) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
		}
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	requestID := h.reqIDs.Next()
	meta := conntrack.Meta{
		Type:       conntrack.TypeHTTPS,
		TargetHost: target.Host,
		TargetPort: target.Port,
		ClientIP:   clientIP(r),
		UserAgent:  r.Header.Get("User-Agent"),
	}
	if err := h.tracker.StartConnection(requestID, meta); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	clientConn, bufrw, err := hj.Hijack()
	if err != nil {
		h.tracker.EndConnection(requestID, conntrack.StatusError, proxyerr.Message(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.dialTimeout)
	upstreamConn, _, err := h.selector.Dial(ctx, target)
	cancel()
	if err != nil {
		status := http.StatusBadGateway
		if !errors.Is(err, proxyerr.ErrUpstreamConnect) {
			status = http.StatusInternalServerError
		}
		fmt.Fprintf(clientConn, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
		clientConn.Close()
		h.tracker.EndConnection(requestID, conntrack.StatusError, proxyerr.Message(err))
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		h.tracker.EndConnection(requestID, conntrack.StatusError, proxyerr.Message(err))
		return
	}

	// Any bytes the server already buffered while reading the CONNECT
	// request's headers belong to the tunneled stream and must be
	// forwarded before the relay takes over.
	if n := bufrw.Reader.Buffered(); n > 0 {
		head := make([]byte, n)
		if _, err := bufrw.Read(head); err == nil {
			if _, err := upstreamConn.Write(head); err != nil {
				clientConn.Close()
				upstreamConn.Close()
				err = fmt.Errorf("%w: %v", proxyerr.ErrUpstreamIO, err)
				h.tracker.EndConnection(requestID, conntrack.StatusError, err.Error())
				return
			}
			h.tracker.AddBytesUp(requestID, int64(len(head)))
		}
	}

	res := relay.Run(clientConn, upstreamConn, h.idleTimeout)
	h.tracker.AddBytesUp(requestID, res.BytesUp)
	h.tracker.AddBytesDown(requestID, res.BytesDown)

	h.tracker.EndConnection(requestID, res.Status, proxyerr.Message(res.Err))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
