// Package proxyserver wires a single HTTP listener that demultiplexes
// CONNECT tunnel requests from absolute-URI forwarding requests, and
// manages graceful shutdown including hijacked tunnel sockets that
// http.Server.Shutdown cannot see.
package proxyserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/connect"
	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/httpfwd"
	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
)

// Server is the proxy's single TCP listener, dispatching each request by
// method to either the CONNECT handler or the HTTP forwarder.
type Server struct {
	httpServer   *http.Server
	connector    *connect.Handler
	forwarder    *httpfwd.Forwarder
	tracker      *conntrack.Tracker
	logger       *slog.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	tunnels map[net.Conn]struct{}
}

// Config bundles Server dependencies. Tracker is optional: when set,
// Shutdown finalizes every still-active connection as "server shutdown"
// before force-closing the hijacked tunnel sockets underneath them.
type Config struct {
	Addr         string
	Connector    *connect.Handler
	Forwarder    *httpfwd.Forwarder
	Tracker      *conntrack.Tracker
	Logger       *slog.Logger
	DrainTimeout time.Duration
}

// New builds a Server bound to cfg.Addr. Call ListenAndServe to start
// accepting connections.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}

	s := &Server{
		connector:    cfg.Connector,
		forwarder:    cfg.Forwarder,
		tracker:      cfg.Tracker,
		logger:       logger,
		drainTimeout: drain,
		tunnels:      make(map[net.Conn]struct{}),
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     http.HandlerFunc(s.dispatch),
		ConnContext: s.trackConn,
	}

	return s
}

// dispatch routes a request to the CONNECT handler or the forwarder based
// on its method. A failure in one request's handling never affects another
// in-flight request on a different connection.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.connector.Handle(w, r)
		return
	}
	s.forwarder.Handle(w, r)
}

type connKey struct{}

// trackConn records each accepted connection so Shutdown can force-close
// any still-open hijacked CONNECT tunnels once the drain deadline passes.
func (s *Server) trackConn(ctx context.Context, c net.Conn) context.Context {
	s.mu.Lock()
	s.tunnels[c] = struct{}{}
	s.mu.Unlock()
	return context.WithValue(ctx, connKey{}, c)
}

// Tracked connections are never removed before Shutdown, since net/http
// gives no notice when a hijacked connection closes. Shutdown closes every
// connection recorded here, which is safe because closing an already-closed
// net.Conn returns an error, not a panic.

// ListenAndServe starts accepting connections on cfg.Addr and blocks until
// the listener is closed or an unrecoverable error occurs.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests for up to the configured
// drain timeout, then force-closes any surviving hijacked tunnel
// connections before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(drainCtx)

	if s.tracker != nil {
		s.tracker.EndAll(conntrack.StatusError, proxyerr.ShutdownMessage)
	}

	s.mu.Lock()
	for c := range s.tunnels {
		c.Close()
	}
	s.tunnels = make(map[net.Conn]struct{})
	s.mu.Unlock()

	return err
}
