// Package websocket implements the live reload channel: a hub of browser
// connections that receive reload, stylesheet, and build error messages.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/kiln/internal/logging"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

// DefaultOriginPatterns admit pages served from the local machine.
var DefaultOriginPatterns = []string{"localhost:*", "127.0.0.1:*", "[::1]:*"}

// Manager tracks browser connections and broadcasts messages to them.
//
// Invariants:
//   - clients is only accessed with clientsMutex held
//   - a client's send channel is closed exactly once, by whoever removes it
//     from clients
type Manager struct {
	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	originPatterns []string
	logger         logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
	hubDone      chan struct{}
}

// NewManager creates a manager and starts its hub. With no origin patterns
// DefaultOriginPatterns apply.
func NewManager(logger logging.Logger, originPatterns ...string) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}

	if len(originPatterns) == 0 {
		originPatterns = DefaultOriginPatterns
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		clients:        make(map[*websocket.Conn]*Client),
		broadcast:      make(chan []byte, 64),
		register:       make(chan *Client, 32),
		unregister:     make(chan *websocket.Conn, 32),
		originPatterns: originPatterns,
		logger:         logger.WithComponent("websocket"),
		ctx:            ctx,
		cancel:         cancel,
		hubDone:        make(chan struct{}),
	}

	go manager.runHub()

	return manager
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (wm *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wm.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// Accept rejects cross-origin requests that match no pattern with 403.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  wm.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		wm.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		lastActivity: time.Now(),
		remoteAddr:   r.RemoteAddr,
	}

	select {
	case wm.register <- client:
	case <-wm.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go wm.handleClient(client)
}

func (wm *Manager) runHub() {
	defer close(wm.hubDone)

	for {
		select {
		case client := <-wm.register:
			wm.registerClient(client)

		case conn := <-wm.unregister:
			wm.unregisterClient(conn)

		case message := <-wm.broadcast:
			wm.broadcastToClients(message)

		case <-wm.ctx.Done():
			return
		}
	}
}

func (wm *Manager) registerClient(client *Client) {
	wm.clientsMutex.Lock()
	wm.clients[client.conn] = client
	count := len(wm.clients)
	wm.clientsMutex.Unlock()

	wm.logger.Debug(wm.ctx, "WebSocket client connected", "remote", client.remoteAddr, "clients", count)
}

func (wm *Manager) unregisterClient(conn *websocket.Conn) {
	wm.clientsMutex.Lock()
	client, exists := wm.clients[conn]
	if exists {
		delete(wm.clients, conn)
		close(client.send)
	}
	count := len(wm.clients)
	wm.clientsMutex.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wm.logger.Debug(wm.ctx, "WebSocket client disconnected", "remote", client.remoteAddr, "clients", count)
	}
}

func (wm *Manager) broadcastToClients(message []byte) {
	wm.clientsMutex.RLock()
	clients := make([]*Client, 0, len(wm.clients))
	for _, client := range wm.clients {
		clients = append(clients, client)
	}
	wm.clientsMutex.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			// Slow client; drop it rather than stall the hub.
			go wm.drop(client.conn)
		}
	}
}

func (wm *Manager) drop(conn *websocket.Conn) {
	select {
	case wm.unregister <- conn:
	case <-wm.ctx.Done():
	}
}

func (wm *Manager) handleClient(client *Client) {
	defer func() { _ = client.conn.CloseNow() }()
	defer wm.drop(client.conn)

	go wm.writeToClient(client)

	wm.readFromClient(client)
}

// readFromClient drains the connection so that close frames and pongs are
// processed. Browsers never send application messages.
func (wm *Manager) readFromClient(client *Client) {
	for {
		_, _, err := client.conn.Read(wm.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && wm.ctx.Err() == nil {
				wm.logger.Debug(wm.ctx, "WebSocket read ended", "remote", client.remoteAddr, "error", err)
			}

			return
		}

		client.lastActivity = time.Now()
	}
}

func (wm *Manager) writeToClient(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(wm.ctx, writeTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()

			if err != nil {
				wm.logger.Debug(wm.ctx, "WebSocket write failed", "remote", client.remoteAddr, "error", err)
				wm.drop(client.conn)

				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wm.ctx, writeTimeout)
			err := client.conn.Ping(ctx)
			cancel()

			if err != nil {
				wm.drop(client.conn)

				return
			}

		case <-wm.ctx.Done():
			return
		}
	}
}

// Broadcast queues message for every connected client. It returns an error
// if the manager is shut down or ctx ends before the message is queued.
func (wm *Manager) Broadcast(ctx context.Context, message Message) error {
	if wm.ctx.Err() != nil {
		return fmt.Errorf("websocket manager is shut down")
	}

	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", message.Type, err)
	}

	select {
	case wm.broadcast <- data:
		return nil
	case <-wm.ctx.Done():
		return fmt.Errorf("websocket manager is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients
func (wm *Manager) ClientCount() int {
	wm.clientsMutex.RLock()
	defer wm.clientsMutex.RUnlock()

	return len(wm.clients)
}

// Shutdown closes every connection and stops the hub.
func (wm *Manager) Shutdown(ctx context.Context) error {
	wm.shutdownOnce.Do(func() {
		wm.isShutdown.Store(true)
		wm.cancel()
	})

	// The hub owns the send channels until it exits.
	select {
	case <-wm.hubDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	wm.clientsMutex.Lock()
	for conn, client := range wm.clients {
		close(client.send)
		_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
	wm.clients = make(map[*websocket.Conn]*Client)
	wm.clientsMutex.Unlock()

	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (wm *Manager) IsShutdown() bool {
	return wm.isShutdown.Load()
}
