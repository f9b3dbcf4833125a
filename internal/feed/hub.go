package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loanbook/position-engine/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Hub manages WebSocket connections and broadcasts committed events to
// every connected client. Clients may narrow the stream to one facility
// with ?facility_id=.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

type client struct {
	conn       *websocket.Conn
	facilityID string
	writeMu    sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// NewHub creates a new WebSocket hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info().Int("total", total).Str("facility_id", c.facilityID).Msg("ws client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Error().Err(err).Str("event_id", evt.ID).Msg("marshal event")
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.facilityID != "" && c.facilityID != evt.FacilityID {
					continue
				}
				if err := c.write(websocket.TextMessage, data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Publish queues evt for broadcast. A full buffer drops the event rather
// than blocking the command that produced it.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	select {
	case h.broadcast <- evt:
		return nil
	default:
		metrics.FeedPublishFailures.WithLabelValues("websocket").Inc()
		return fmt.Errorf("feed: websocket buffer full, dropped event %s", evt.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{conn: conn, facilityID: r.URL.Query().Get("facility_id")}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
