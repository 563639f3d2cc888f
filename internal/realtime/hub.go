// Package realtime pushes order state transitions to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tollgate/internal/checkout/saga"
)

// Transition is the wire shape of one broadcast message.
type Transition struct {
	OrderID string     `json:"order_id"`
	State   saga.State `json:"state"`
	At      time.Time  `json:"at"`
}

// Hub manages WebSocket clients and broadcasts order transitions to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub. The broadcast queue is bounded; when it backs
// up, transitions are dropped rather than stalling the saga.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, 64),
	}
}

// Notify queues a transition for broadcast. Never blocks.
func (h *Hub) Notify(orderID string, state saga.State) {
	msg, err := json.Marshal(Transition{OrderID: orderID, State: state, At: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("realtime broadcast queue full, dropping transition",
			"order_id", orderID, "state", string(state))
	}
}

// Run processes register/unregister/broadcast events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
