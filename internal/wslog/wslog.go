// Package wslog broadcasts log lines to connected WebSocket clients. It is
// wired into the logging package through a narrow BroadcastFunc callback
// so the core logger never imports this package or nhooyr.io/websocket.
package wslog

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/metroo-labs/metroo-proxy/internal/logging"
)

// Broadcaster fans out log lines to every currently connected WebSocket
// client without applying backpressure to the logger: a line that a
// client's buffer cannot take is dropped for that client, and a client
// whose write fails or stalls past 5s is disconnected.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ch     chan []byte
	cancel context.CancelFunc
}

// New builds a Broadcaster. Pass the returned value's Broadcast method as a
// logging.BroadcastFunc when constructing the log sink.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Broadcast implements logging.BroadcastFunc: it fans line out to every
// connected client without blocking the caller.
func (b *Broadcaster) Broadcast(line []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		select {
		case c.ch <- line:
		default:
			b.logger.Warn("dropping log line for slow websocket client")
		}
	}
}

// Handler upgrades the request to a WebSocket and streams broadcast log
// lines to the client until it disconnects or the connection errors.
func (b *Broadcaster) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error("websocket accept failed", logging.KeyError, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{ch: make(chan []byte, 256), cancel: cancel}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.ch:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, line)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
