package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewatch/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans persisted alerts out to connected websocket clients.
// Broadcast is fire-and-forget: slow clients are skipped, a full
// broadcast buffer drops the message.
type Hub struct {
	clients    map[chan []byte]bool
	register   chan chan []byte
	unregister chan chan []byte
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// New creates a new broadcast hub
func New() *Hub {
	return &Hub{
		clients:    make(map[chan []byte]bool),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		broadcast:  make(chan []byte, 256),
		logger:     log.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("total", len(h.clients)).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("total", len(h.clients)).Msg("Client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client <- msg:
				default:
					// Skip clients whose buffer is full
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastAlert pushes an alert to all connected clients
func (h *Hub) BroadcastAlert(alert *model.Alert) {
	payload := map[string]interface{}{
		"event":   "alert",
		"payload": alert,
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("Error marshalling broadcast message")
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		// Drop if broadcast buffer full
	}
}

// ServeWS upgrades an HTTP request and streams broadcasts to the peer
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientChan := make(chan []byte, 16)
	h.register <- clientChan

	go func() {
		defer func() {
			h.unregister <- clientChan
			conn.Close()
		}()
		for msg := range clientChan {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Drain reads so close frames and pings are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
