package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chimera/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	sendChannelSize = 256
)

// Hub channels clients can subscribe to.
const (
	ChannelAlerts = "alerts"
	ChannelMerges = "merges"
)

// WebSocketMessage is the envelope every hub broadcast is wrapped in.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// frame is a marshaled message routed to one channel's subscribers.
// An empty channel delivers to every client.
type frame struct {
	channel string
	payload []byte
}

// client represents a single WebSocket client connection.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]struct{}
}

func (c *client) subscribed(channel string) bool {
	if channel == "" {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

// Hub maintains the set of active WebSocket clients and fans events out to
// them by channel. Slow clients are dropped rather than allowed to block a
// broadcast, so the merge notifier never stalls on a dead dashboard.
type Hub struct {
	clients map[*client]bool

	broadcast  chan frame
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// upgrader configures WebSocket connection upgrades. Origin checks are left
// to the CORS middleware, which runs before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Start() must be called before use. The hub derives
// its own cancellable context so Stop() works even when the parent context
// never cancels.
func NewHub(logger *zap.SugaredLogger, ctx context.Context) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the hub's event loop. Call exactly once, in its own goroutine.
func (h *Hub) Start() {
	defer close(h.done)

	h.logger.Info("WebSocket hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			metrics.WebSocketClients.Set(0)
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.logger.Debugw("WebSocket client registered",
				"total_clients", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WebSocketClients.Set(float64(len(h.clients)))
				h.mu.Unlock()
				h.logger.Debugw("WebSocket client unregistered",
					"total_clients", h.ClientCount())
			} else {
				h.mu.Unlock()
			}

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.subscribed(f.channel) {
					continue
				}
				select {
				case c.send <- f.payload:
				default:
					// Send buffer full. Disconnect the client so one
					// slow consumer cannot hold up the rest.
					go func(slow *client) {
						h.unregister <- slow
						slow.conn.Close()
					}(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// channelForType routes a message type to its hub channel. Unknown types
// fan out to every client.
func channelForType(msgType string) string {
	switch msgType {
	case "merge":
		return ChannelMerges
	case "alert":
		return ChannelAlerts
	default:
		return ""
	}
}

// BroadcastMessage wraps data in a WebSocketMessage and queues it for the
// subscribers of the matching channel. The send is non-blocking: if the hub
// is saturated for a full second the message is dropped and nil is returned,
// because a lost dashboard update must never fail the operation that
// produced it.
func (h *Hub) BroadcastMessage(msgType string, data interface{}) error {
	msg := WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message",
			"type", msgType,
			"error", err)
		return err
	}

	select {
	case h.broadcast <- frame{channel: channelForType(msgType), payload: payload}:
		return nil
	case <-time.After(1 * time.Second):
		h.logger.Warnw("WebSocket broadcast timeout", "type", msgType)
		return nil
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down and waits for the event loop to finish cleanup.
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

// readPump discards inbound frames and watches for disconnection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("WebSocket unexpected close", "error", err)
			}
			break
		}
	}
}

// writePump drains the send channel to the connection and keeps the
// ping/pong heartbeat alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything else already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseChannels resolves the ?channels= query parameter into a subscription
// set. Absent or empty means every channel.
func parseChannels(raw string) (map[string]struct{}, error) {
	subs := make(map[string]struct{})
	if strings.TrimSpace(raw) == "" {
		subs[ChannelAlerts] = struct{}{}
		subs[ChannelMerges] = struct{}{}
		return subs, nil
	}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case ChannelAlerts, ChannelMerges:
			subs[name] = struct{}{}
		case "":
		default:
			return nil, &unknownChannelError{name: name}
		}
	}
	if len(subs) == 0 {
		subs[ChannelAlerts] = struct{}{}
		subs[ChannelMerges] = struct{}{}
	}
	return subs, nil
}

type unknownChannelError struct {
	name string
}

func (e *unknownChannelError) Error() string {
	return "unknown channel " + strconv.Quote(e.name)
}

// serveWs upgrades the request and registers the client with the hub.
func serveWs(hub *Hub, logger *zap.SugaredLogger, w http.ResponseWriter, r *http.Request) {
	subs, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, logger)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendChannelSize),
		channels: subs,
	}
	c.hub.register <- c

	go c.writePump()
	go c.readPump()
}
