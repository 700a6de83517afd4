package upstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/addrutil"
	"github.com/metroo-labs/metroo-proxy/internal/classify"
)

func TestDirectDialer_Success(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	addr, _ := addrutil.Parse(host + ":" + portStr)

	d := NewDirectDialer(time.Second, nil)
	conn, err := d.DialContext(context.Background(), addr)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
}

func TestDirectDialer_ConnectionRefused(t *testing.T) {
	d := NewDirectDialer(time.Second, nil)
	_, err := d.DialContext(context.Background(), addrutil.Address{Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected error connecting to closed port")
	}
}

type recordingDialer struct {
	called bool
}

func (r *recordingDialer) DialContext(ctx context.Context, target addrutil.Address) (net.Conn, error) {
	r.called = true
	return nil, nil
}

func TestSelector_Decide(t *testing.T) {
	wl := classify.CompileWhitelist([]string{"*.internal.corp"})
	sel := NewSelector(wl, &recordingDialer{}, &recordingDialer{})

	if got := sel.Decide("192.168.1.10"); got != Direct {
		t.Errorf("private IP: got %v, want Direct", got)
	}
	if got := sel.Decide("api.internal.corp"); got != Direct {
		t.Errorf("whitelisted host: got %v, want Direct", got)
	}
	if got := sel.Decide("example.com"); got != ViaSOCKS5 {
		t.Errorf("public host: got %v, want ViaSOCKS5", got)
	}
}

func TestSelector_Dial_RoutesToCorrectDialer(t *testing.T) {
	direct := &recordingDialer{}
	socks := &recordingDialer{}
	wl := classify.CompileWhitelist(nil)
	sel := NewSelector(wl, direct, socks)

	sel.Dial(context.Background(), addrutil.Address{Host: "192.168.1.10", Port: 22})
	if !direct.called || socks.called {
		t.Fatal("expected private IP to dial via direct dialer only")
	}

	direct.called, socks.called = false, false
	sel.Dial(context.Background(), addrutil.Address{Host: "example.com", Port: 80})
	if direct.called || !socks.called {
		t.Fatal("expected public host to dial via socks5 dialer only")
	}
}
