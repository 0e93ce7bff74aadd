// Package websocket bridges a session with external systems over
// WebSocket. Clients push room events as JSON messages and receive every
// answer event the session broadcasts.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/protocol"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Dispatcher accepts decoded room events, typically the session
// orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *room.Event) error
}

// Bridge is an http.Handler that upgrades requests to WebSocket.
//
//	{"type": "message_received", "message": "hello"}
//	{"type": "function_calls_finished", "called_functions": [...]}
//
// Outbound events are written as protocol.WireEvent envelopes.
type Bridge struct {
	logger *core.Logger
	ctx    context.Context

	dispatcherMu sync.RWMutex
	dispatcher   Dispatcher

	upgrader  websocket.Upgrader
	clients   map[*client]struct{}
	clientsMu sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewBridge(ctx context.Context, dispatcher Dispatcher, logger *core.Logger) *Bridge {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Bridge{
		logger:     logger,
		dispatcher: dispatcher,
		ctx:        ctx,
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetDispatcher replaces the destination of inbound events.
func (b *Bridge) SetDispatcher(d Dispatcher) {
	b.dispatcherMu.Lock()
	b.dispatcher = d
	b.dispatcherMu.Unlock()
}

// Broadcast serialises an outbound event and sends it to every connected
// client.
func (b *Bridge) Broadcast(ev core.IExternalOutputEvent) {
	wire, err := protocol.EncodeEvent(ev)
	if err != nil {
		b.logger.Errorf("bridge: marshal output event %q: %v", ev.GetId(), err)
		return
	}

	b.clientsMu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.write(wire); err != nil {
			b.logger.Errorf("bridge: write to client: %v", err)
		}
	}
}

// Clients reports how many clients are connected.
func (b *Bridge) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorf("bridge: upgrade: %v", err)
		return
	}
	c := &client{conn: conn}
	defer conn.Close()

	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, c)
		b.clientsMu.Unlock()
	}()

	b.logger.Infof("bridge: client connected (%s)", conn.RemoteAddr())

	// Closing the connection unblocks ReadMessage on shutdown
	stop := context.AfterFunc(b.ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := protocol.DecodeRoomEvent(data)
		if err != nil {
			b.logger.Warnf("bridge: ignoring message: %v", err)
			continue
		}
		b.dispatcherMu.RLock()
		d := b.dispatcher
		b.dispatcherMu.RUnlock()
		if d == nil {
			continue
		}
		if err := d.Dispatch(b.ctx, ev); err != nil {
			b.logger.Warnf("bridge: dispatch %s: %v", ev.GetId(), err)
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

// ListenAndServe serves the bridge on addr until ctx is done.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", b)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	b.logger.Infof("bridge WebSocket server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
