// Package proxyerr defines the error taxonomy shared by the proxy data
// plane. Kinds are sentinel values checked with errors.Is at the boundary
// that maps them to client-visible status codes and ConnectionRecord
// status fields; they are never allowed to escape into a neighboring
// request.
package proxyerr

import (
	"errors"
	"net"
	"strings"
)

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ErrX) to add
// context while remaining matchable with errors.Is.
var (
	// ErrConfig marks invalid or missing required configuration. Fatal at
	// startup.
	ErrConfig = errors.New("proxyerr: invalid configuration")

	// ErrInvalidClientRequest marks a malformed request line, missing
	// host, or bad CONNECT target. Surfaced as HTTP 400.
	ErrInvalidClientRequest = errors.New("proxyerr: invalid client request")

	// ErrUpstreamConnect marks a SOCKS5 or direct dial failure. Surfaced
	// as HTTP 502.
	ErrUpstreamConnect = errors.New("proxyerr: upstream connect failed")

	// ErrUpstreamIO marks a read/write failure mid-stream.
	ErrUpstreamIO = errors.New("proxyerr: upstream i/o failed")

	// ErrIdleTimeout marks an idle timeout on either side of a relay.
	ErrIdleTimeout = errors.New("proxyerr: idle timeout")

	// ErrClientAbort marks premature closure by the client.
	ErrClientAbort = errors.New("proxyerr: client aborted")

	// ErrStorage marks a persistence failure. Logged, never surfaced to
	// the data plane.
	ErrStorage = errors.New("proxyerr: storage failure")

	// ErrShutdown marks a connection torn down by server shutdown.
	ErrShutdown = errors.New("proxyerr: server shutdown")
)

// Literal ConnectionRecord.ErrorMessage values. Unlike the sentinels above
// (whose Error() text is prefixed "proxyerr: " for log readability), these
// are the exact strings persisted to storage and returned over the API.
const (
	ClientAbortMessage = "client aborted"
	ShutdownMessage    = "server shutdown"
)

// IsClientAbort reports whether err indicates the client side of a
// connection went away: an explicit ErrClientAbort, the stdlib's
// net.ErrClosed, or one of the common OS-level reset/closed-pipe errors that
// net.Conn methods return without a matchable sentinel.
func IsClientAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientAbort) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}

// Message renders err as the literal string a ConnectionRecord should carry:
// the fixed "client aborted" / "server shutdown" literals when err matches
// those kinds, otherwise err's own message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrShutdown) {
		return ShutdownMessage
	}
	if IsClientAbort(err) {
		return ClientAbortMessage
	}
	return err.Error()
}
