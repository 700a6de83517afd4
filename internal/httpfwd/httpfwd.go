// Package httpfwd implements the absolute-URI HTTP forwarding path: request
// line rewriting, hop-by-hop header stripping, and request/response
// reassembly across either a direct dial or a SOCKS5 tunnel.
package httpfwd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/addrutil"
	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
	"github.com/metroo-labs/metroo-proxy/internal/reqid"
	"github.com/metroo-labs/metroo-proxy/internal/upstream"
)

// Dialer is the narrow interface httpfwd needs from each concrete dialer;
// satisfied by *upstream.DirectDialer and *upstream.SocksDialer.
type Dialer interface {
	DialContext(ctx context.Context, target addrutil.Address) (net.Conn, error)
}

// Forwarder handles non-CONNECT proxy requests with an absolute-form URI.
type Forwarder struct {
	selector    *upstream.Selector
	socksDialer Dialer
	httpClient  *http.Client
	tracker     *conntrack.Tracker
	reqIDs      *reqid.Generator
	idleTimeout time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger
}

// Config bundles Forwarder dependencies.
type Config struct {
	Selector     *upstream.Selector
	DirectDialer Dialer
	SocksDialer  Dialer
	Tracker      *conntrack.Tracker
	RequestIDs   *reqid.Generator
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// New builds a Forwarder. The direct path is served through a shared
// http.Client whose Transport dials via DirectDialer, so response parsing
// is delegated to the standard library per the design notes; only the
// SOCKS5 path hand-rolls the HTTP/1.1 request.
func New(cfg Config) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	direct := cfg.DirectDialer
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			target, err := addrutil.Parse(addr)
			if err != nil {
				return nil, err
			}
			return direct.DialContext(ctx, target)
		},
		DisableCompression: true,
	}

	return &Forwarder{
		selector:    cfg.Selector,
		socksDialer: cfg.SocksDialer,
		httpClient:  &http.Client{Transport: transport, Timeout: idle},
		tracker:     cfg.Tracker,
		reqIDs:      cfg.RequestIDs,
		idleTimeout: idle,
		dialTimeout: cfg.DialTimeout,
		logger:      logger,
	}
}

// targetFromRequest extracts host/port from an absolute-URI request,
// defaulting the port by scheme.
func targetFromRequest(r *http.Request) (addrutil.Address, error) {
	host := r.URL.Hostname()
	if host == "" {
		return addrutil.Address{}, fmt.Errorf("%w: missing host in request", proxyerr.ErrInvalidClientRequest)
	}

	portStr := r.URL.Port()
	if portStr == "" {
		if r.URL.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return addrutil.Address{}, fmt.Errorf("%w: invalid port %q", proxyerr.ErrInvalidClientRequest, portStr)
	}

	return addrutil.Address{Host: host, Port: uint16(port)}, nil
}

// Handle serves one absolute-URI HTTP request. It is a http.HandlerFunc-
// shaped method; callers dispatch to it after confirming r.Method is not
// CONNECT.
func (f *Forwarder) Handle(w http.ResponseWriter, r *http.Request) {
	target, err := targetFromRequest(r)
	if err != nil {
		if errors.Is(err, proxyerr.ErrInvalidClientRequest) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	requestID := f.reqIDs.Next()
	meta := conntrack.Meta{
		Type:       conntrack.TypeHTTP,
		TargetHost: target.Host,
		TargetPort: target.Port,
		ClientIP:   clientIP(r),
		UserAgent:  r.Header.Get("User-Agent"),
	}
	if err := f.tracker.StartConnection(requestID, meta); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	decision := f.selector.Decide(target.Host)

	var status conntrack.Status
	var errMsg string

	if decision == upstream.Direct {
		status, errMsg = f.forwardDirect(w, r, target, requestID)
	} else {
		status, errMsg = f.forwardViaSocks5(w, r, target, requestID)
	}

	f.tracker.EndConnection(requestID, status, errMsg)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardDirect performs the request through the shared http.Client,
// preserving method, headers (minus hop-by-hop), and body, then copies the
// origin's status line, headers, and body back verbatim.
func (f *Forwarder) forwardDirect(w http.ResponseWriter, r *http.Request, target addrutil.Address, requestID string) (conntrack.Status, string) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		err = fmt.Errorf("%w: %v", proxyerr.ErrInvalidClientRequest, err)
		return conntrack.StatusError, proxyerr.Message(err)
	}
	outReq.Header = stripHopByHopHeaders(r.Header)
	outReq.ContentLength = r.ContentLength

	cw := &countingReader{r: r.Body}
	outReq.Body = io.NopCloser(cw)

	resp, err := f.httpClient.Do(outReq)
	if err != nil {
		writeBadGateway(w)
		f.tracker.AddBytesUp(requestID, cw.n)
		err = fmt.Errorf("%w: %v", proxyerr.ErrUpstreamConnect, err)
		return conntrack.StatusError, proxyerr.Message(err)
	}
	defer resp.Body.Close()
	f.tracker.AddBytesUp(requestID, cw.n)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, copyErr := io.Copy(&countingWriter{w: w, n: new(int64)}, resp.Body)
	f.tracker.AddBytesDown(requestID, n)
	if copyErr != nil {
		// This copy writes to the client, so a broken pipe here almost
		// always means the client already hung up.
		return conntrack.StatusError, proxyerr.Message(copyErr)
	}
	return conntrack.StatusSuccess, ""
}

// forwardViaSocks5 opens a raw tunnel to target through the SOCKS5 proxy
// and synthesizes an HTTP/1.1 request over it: origin-form request line,
// headers minus hop-by-hop, Connection: close, then streams the upstream
// response bytes verbatim to the client.
func (f *Forwarder) forwardViaSocks5(w http.ResponseWriter, r *http.Request, target addrutil.Address, requestID string) (conntrack.Status, string) {
	ctx, cancel := context.WithTimeout(r.Context(), f.dialTimeout)
	defer cancel()

	conn, err := f.socksDialer.DialContext(ctx, target)
	if err != nil {
		writeBadGateway(w)
		return conntrack.StatusError, proxyerr.Message(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(f.idleTimeout))

	upBytes, err := writeOriginFormRequest(conn, r)
	if err != nil {
		writeBadGateway(w)
		err = fmt.Errorf("%w: %v", proxyerr.ErrUpstreamIO, err)
		return conntrack.StatusError, err.Error()
	}
	f.tracker.AddBytesUp(requestID, upBytes)

	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		writeBadGateway(w)
		err = fmt.Errorf("%w: %v", proxyerr.ErrUpstreamIO, err)
		return conntrack.StatusError, err.Error()
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, copyErr := io.Copy(w, resp.Body)
	f.tracker.AddBytesDown(requestID, n)
	if copyErr != nil {
		if ne, ok := copyErr.(net.Error); ok && ne.Timeout() {
			return conntrack.StatusTimeout, "idle timeout"
		}
		// This copy writes to the client, so a broken pipe here almost
		// always means the client already hung up.
		return conntrack.StatusError, proxyerr.Message(copyErr)
	}
	return conntrack.StatusSuccess, ""
}

// writeOriginFormRequest writes r to conn using the origin-form request
// line (path+query, not the absolute URI), headers stripped of hop-by-hop
// fields, and a forced Connection: close, then streams the request body if
// present. It returns the number of bytes written.
func writeOriginFormRequest(conn net.Conn, r *http.Request) (int64, error) {
	cw := &countingWriter{w: conn, n: new(int64)}

	requestURI := r.URL.RequestURI()
	if _, err := fmt.Fprintf(cw, "%s %s HTTP/1.1\r\n", r.Method, requestURI); err != nil {
		return *cw.n, err
	}

	headers := stripHopByHopHeaders(r.Header)
	headers.Set("Connection", "close")
	if headers.Get("Host") == "" {
		headers.Set("Host", r.Host)
	}

	for k, vv := range headers {
		for _, v := range vv {
			if _, err := fmt.Fprintf(cw, "%s: %s\r\n", k, v); err != nil {
				return *cw.n, err
			}
		}
	}
	if _, err := fmt.Fprint(cw, "\r\n"); err != nil {
		return *cw.n, err
	}

	if r.Body != nil {
		if _, err := io.Copy(cw, r.Body); err != nil {
			return *cw.n, err
		}
	}

	return *cw.n, nil
}

func writeBadGateway(w http.ResponseWriter) {
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
