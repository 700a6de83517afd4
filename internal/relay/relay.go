// Package relay implements the bidirectional byte pipe between a client
// connection and its upstream, with byte accounting, idle timeouts, and
// safe teardown.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
)

// halfCloser is implemented by connections that support half-close (TCP).
// Signaling write-done on one side while keeping the other direction open
// lets a clean EOF on one leg propagate without forcing the whole socket
// closed.
type halfCloser interface {
	CloseWrite() error
}

// Result is the terminal outcome of a Run call.
type Result struct {
	BytesUp   int64
	BytesDown int64
	Status    conntrack.Status
	Err       error
}

// Run pipes data between client and upstream until both directions finish,
// an idle timeout elapses, or either side errors. It always closes both
// connections before returning. idleTimeout <= 0 disables the idle check.
func Run(client, upstream net.Conn, idleTimeout time.Duration) Result {
	defer client.Close()
	defer upstream.Close()

	type dirResult struct {
		n   int64
		err error
	}

	upCh := make(chan dirResult, 1)
	downCh := make(chan dirResult, 1)

	go func() {
		n, err := copyWithIdleTimeout(upstream, client, idleTimeout)
		if hc, ok := upstream.(halfCloser); ok {
			hc.CloseWrite()
		}
		upCh <- dirResult{n, err}
	}()

	go func() {
		n, err := copyWithIdleTimeout(client, upstream, idleTimeout)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		downCh <- dirResult{n, err}
	}()

	up := <-upCh
	down := <-downCh

	res := Result{BytesUp: up.n, BytesDown: down.n}
	res.Status, res.Err = classify(up.err, down.err)
	return res
}

// classify maps the two directions' terminal errors onto a single
// ConnectionRecord status: a clean EOF on both sides is success; an idle
// timeout on either side is timeout; any other I/O error is error (using
// the client-to-upstream leg's error when both legs failed, and preferring
// the non-timeout one so a genuine I/O failure is reported over a timeout
// observed on the other leg of the same teardown).
func classify(upErr, downErr error) (conntrack.Status, error) {
	upTimeout := errors.Is(upErr, proxyerr.ErrIdleTimeout)
	downTimeout := errors.Is(downErr, proxyerr.ErrIdleTimeout)
	if upErr != nil && !upTimeout {
		return conntrack.StatusError, fmt.Errorf("%w: %v", proxyerr.ErrUpstreamIO, upErr)
	}
	if downErr != nil && !downTimeout {
		return conntrack.StatusError, fmt.Errorf("%w: %v", proxyerr.ErrUpstreamIO, downErr)
	}
	if upTimeout || downTimeout {
		return conntrack.StatusTimeout, proxyerr.ErrIdleTimeout
	}
	return conntrack.StatusSuccess, nil
}

// deadlineConn is implemented by every net.Conn; kept as a named interface
// purely for readability at call sites.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// copyWithIdleTimeout copies from src to dst, resetting src's read deadline
// before every read so the idle window measures gaps between reads rather
// than total transfer time. A clean io.EOF from src is reported as nil
// error (success); a deadline expiry is reported as proxyerr.ErrIdleTimeout;
// any other read or write error is returned as-is.
func copyWithIdleTimeout(dst io.Writer, src io.Reader, idleTimeout time.Duration) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)

	dc, hasDeadline := src.(deadlineConn)

	for {
		if hasDeadline && idleTimeout > 0 {
			dc.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil
			}
			if ne, ok := er.(net.Error); ok && ne.Timeout() {
				return written, proxyerr.ErrIdleTimeout
			}
			return written, er
		}
	}
}
