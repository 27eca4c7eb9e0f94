package scheduler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/gorilla/websocket"
)

// subscriberBuffer bounds each per-user event queue. Publication drops on a
// full queue so the publish path stays O(1) and non-blocking.
const subscriberBuffer = 16

// Broker fans job status changes out to per-user subscribers (the SSE
// endpoint) and mirrors every event onto the admin WebSocket hub.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan models.JobEvent]struct{}
	hub    *WSHub
	logger *common.Logger
}

// NewBroker creates a broker with an attached admin hub.
func NewBroker(logger *common.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[chan models.JobEvent]struct{}),
		hub:    NewWSHub(logger),
		logger: logger,
	}
}

// Hub returns the admin WebSocket hub for handler registration.
func (b *Broker) Hub() *WSHub {
	return b.hub
}

// Publish delivers the event to the owner's subscribers and the admin hub.
// Never blocks.
func (b *Broker) Publish(event models.JobEvent) {
	b.hub.Broadcast(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug().
				Str("user_id", event.UserID).
				Str("job_id", event.JobID).
				Msg("Subscriber queue full, dropping event")
		}
	}
}

// Subscribe registers a bounded queue for userID. The returned cancel func
// must be called when the consumer disconnects.
func (b *Broker) Subscribe(userID string) (<-chan models.JobEvent, func()) {
	ch := make(chan models.JobEvent, subscriberBuffer)

	b.mu.Lock()
	set := b.subs[userID]
	if set == nil {
		set = make(map[chan models.JobEvent]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[userID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, userID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Compile-time check
var _ interfaces.EventBroker = (*Broker)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHub manages admin WebSocket clients and broadcasts every job event.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan models.JobEvent
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

type wsClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *common.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan models.JobEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("WebSocket client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to marshal job event")
				continue
			}

			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *WSHub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

// Broadcast sends a job event to all connected clients.
func (h *WSHub) Broadcast(event models.JobEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Msg("WebSocket broadcast channel full, dropping event")
	}
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump sends messages from the send channel to the WebSocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection (mainly to detect close).
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
