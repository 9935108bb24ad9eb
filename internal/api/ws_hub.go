package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stackfutures/settlement-engine/internal/metrics"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  string      `json:"type"` // always "event"
	Event model.Event `json:"event"`
}

type wsClient struct {
	market string // empty = every market
}

type outbound struct {
	market string
	data   []byte
}

// WSHub fans committed engine events out to WebSocket clients. Clients may
// subscribe to one market with ?market=<id>.
type WSHub struct {
	clients    map[*websocket.Conn]wsClient
	broadcast  chan outbound
	register   chan registration
	unregister chan *websocket.Conn
	done       chan struct{} // closed once Run returns
	mu         sync.RWMutex
}

type registration struct {
	conn   *websocket.Conn
	client wsClient
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]wsClient),
		broadcast:  make(chan outbound, 256),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done, then closes every
// connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.client
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "market", reg.client.market)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if c.market != "" && c.market != msg.market {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Done is closed once Run has returned and every client is closed.
func (h *WSHub) Done() <-chan struct{} { return h.done }

func (h *WSHub) Name() string { return "websocket" }

// Publish queues events for broadcast without blocking the caller. Events
// that do not fit in the buffer are dropped and reported.
func (h *WSHub) Publish(_ context.Context, events []model.Event) error {
	dropped := 0
	for _, e := range events {
		data, err := json.Marshal(WSMessage{Type: "event", Event: e})
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		select {
		case h.broadcast <- outbound{market: e.MarketID, data: data}:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("ws: broadcast buffer full, dropped %d of %d events", dropped, len(events))
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin policy is enforced by the gateway
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- registration{conn: conn, client: wsClient{market: r.URL.Query().Get("market")}}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
