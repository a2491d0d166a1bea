// Package handlers provides HTTP request handlers for the netmonkey API.
// This file implements the watch hub that fans scheduled sweep events out to
// every connected WebSocket client.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/netmonkey/internal/api/middleware"
	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast channel buffer
	clientBuffer    = 64                                                 // Per-client queue before it counts as slow

	// MessageTypeScanEvent tags hub messages that carry a scanning.Event.
	MessageTypeScanEvent = "scan_event"
)

// WebSocketMessage is the envelope sent to watch clients.
type WebSocketMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// WatchHub handles WebSocket connections that observe scheduled sweeps.
type WatchHub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*watchClient]struct{}
	broadcast  chan []byte
	register   chan *watchClient
	unregister chan *watchClient
	shutdown   chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

type watchClient struct {
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

// NewWatchHub creates a hub and starts its dispatch goroutine.
func NewWatchHub(logger *logging.Logger) *WatchHub {
	h := &WatchHub{
		logger:     logger.WithComponent("websocket"),
		upgrader:   newUpgrader(),
		clients:    make(map[*watchClient]struct{}),
		broadcast:  make(chan []byte, bufferSize),
		register:   make(chan *watchClient),
		unregister: make(chan *watchClient),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	go h.run()

	return h
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origins are enforced by the CORS layer in front of the router.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// Watch upgrades the connection and subscribes it to hub broadcasts.
func (h *WatchHub) Watch(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)
	h.logger.Info("New watch WebSocket connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	conn, err := h.upgrader.Upgrade(w, r, middleware.UpgradeHeader(r))
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	client := &watchClient{conn: conn, send: make(chan []byte, clientBuffer), requestID: requestID}
	select {
	case h.register <- client:
	case <-h.stopped:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

// BroadcastEvent queues ev for every connected client. It waits up to
// writeWait for room in the broadcast queue.
func (h *WatchHub) BroadcastEvent(sessionID string, ev scanning.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal scan event: %w", err)
	}

	data, err := json.Marshal(WebSocketMessage{
		Type:      MessageTypeScanEvent,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal websocket message: %w", err)
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case h.broadcast <- data:
		return nil
	case <-h.stopped:
		return errors.ErrSessionClosed()
	case <-timer.C:
		h.logger.Warn("Broadcast channel full, dropping message", "session_id", sessionID)
		return errors.NewScanError(errors.CodeTimeout, "broadcast channel full")
	}
}

// ClientCount returns the number of connected watch clients.
func (h *WatchHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and stops the hub. Safe to call twice.
func (h *WatchHub) Shutdown() {
	h.closeOnce.Do(func() { close(h.shutdown) })
	<-h.stopped
}

// run manages client registration and broadcasts. It is the only goroutine
// that closes a client's send queue.
func (h *WatchHub) run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.logger.Debug("Watch hub shutting down")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("Client registered", "request_id", c.requestID, "total_clients", total)

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			h.mutex.RLock()
			var slow []*watchClient
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()

			for _, c := range slow {
				h.logger.Warn("Client too slow, disconnecting", "request_id", c.requestID)
				h.drop(c)
			}
		}
	}
}

func (h *WatchHub) drop(c *watchClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("Client unregistered", "request_id", c.requestID, "total_clients", len(h.clients))
	}
}

// readPump discards client messages and unregisters the client once the
// connection fails.
func (h *WatchHub) readPump(c *watchClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", c.requestID, "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", c.requestID, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer of the connection.
func (h *WatchHub) writePump(c *watchClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		}
	}
}
