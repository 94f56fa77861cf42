// Package fanout pushes delta batches to live websocket subscribers.
package fanout

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/nsidwatch/pkg/config"
	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
)

// Hub manages live subscriber connections. Each delta batch is pushed to
// every open subscriber; a subscriber that fails its write (or is too slow
// to make its deadline) is dropped without affecting the others, and a
// full broadcast queue drops the batch rather than block the aggregator.
// New subscribers only see batches broadcast after they register.
type Hub struct {
	// Registered clients
	clients map[*websocket.Conn]bool

	// Register requests from clients
	register chan *websocket.Conn

	// Unregister requests from clients
	unregister chan *websocket.Conn

	// Broadcast channel for encoded delta batches
	broadcast chan []byte

	// Write deadline applied to every subscriber write, and interval for
	// keepalive pings. Overridable in tests.
	writeDeadline time.Duration
	pingInterval  time.Duration

	mu sync.RWMutex
}

// New creates a hub.
func New() *Hub {
	return &Hub{
		clients:       make(map[*websocket.Conn]bool),
		register:      make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister:    make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:     make(chan []byte, config.WSBroadcastBuffer),
		writeDeadline: config.WSWriteDeadline,
		pingInterval:  config.WSPingInterval,
	}
}

// Run starts the hub's main loop. Every subscriber write, delta batches
// and keepalive pings alike, happens on this goroutine: gorilla allows
// only one concurrent writer per connection. On context cancellation
// every remaining subscriber connection is closed.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			metricSubscribers.Set(0)
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			metricSubscribers.Set(float64(count))
			log.Printf("Stream subscriber connected (total: %d)", count)
		case conn := <-h.unregister:
			h.drop(conn)
		case message := <-h.broadcast:
			h.writeAll(websocket.TextMessage, message)
		case <-pingTicker.C:
			h.writeAll(websocket.PingMessage, nil)
		}
	}
}

// writeAll pushes one frame to every subscriber. Failed connections are
// dropped inline: Run is the only reader of the unregister channel, so
// routing its own failures back through that channel would wedge the loop
// once enough subscribers failed in one pass.
func (h *Hub) writeAll(messageType int, data []byte) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(h.writeDeadline))
		if err := conn.WriteMessage(messageType, data); err != nil {
			log.Printf("Subscriber write failed, dropping: %v", err)
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.drop(conn)
	}
}

// drop removes and closes a subscriber connection. Safe to call twice for
// the same connection.
func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		metricSubscribers.Set(float64(count))
		log.Printf("Stream subscriber disconnected (total: %d)", count)
	}
}

// Register adds a subscriber connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a subscriber connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Broadcast queues a delta batch for every subscriber. Never blocks: if
// the queue is full the batch is dropped and counted, because stalling
// the aggregator is worse than a subscriber missing one delta.
func (h *Hub) Broadcast(batch counts.Batch) error {
	message, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
		return nil
	default:
		metricDroppedBatches.Inc()
		log.Printf("Broadcast queue full, dropping delta batch")
		return nil
	}
}

// HasClients returns true if there are any connected subscribers
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
