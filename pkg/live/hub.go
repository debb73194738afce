// Package live streams latest values to websocket clients.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/logging"
	"github.com/nicktill/minerstats/pkg/schema"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// no Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Message is what clients receive for every latest value
type Message struct {
	Type  string             `json:"type"`
	Value schema.LatestValue `json:"value"`
}

// Hub manages websocket connections and fans out latest values
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	logger     zerolog.Logger

	mu      sync.RWMutex
	dropped int64
}

// Dropped counts values discarded because the broadcast queue was full
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// NewHub creates a hub; call Run to start it
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		logger:     logging.Component(logger, "live"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("websocket client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("websocket client disconnected")
		case message := <-h.broadcast:
			// exclusive lock: gorilla connections allow one writer at a time
			h.mu.Lock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Debug().Err(err).Msg("websocket write failed")
					failed = append(failed, conn)
				}
			}
			h.mu.Unlock()

			// unregister outside the lock
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// PublishLatest queues a latest value for every client. It never blocks;
// when the queue is full the value is dropped.
func (h *Hub) PublishLatest(v schema.LatestValue) {
	if !h.HasClients() {
		return
	}
	message, err := json.Marshal(Message{Type: "latest", Value: v})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode latest value")
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn().Str("pool", v.Pool).Msg("broadcast channel full, dropping message")
	}
}

// HasClients returns true if there are any connected clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection alive until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.Lock()
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				h.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// clients only send control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}
