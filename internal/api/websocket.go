package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"strategy-agent/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Origin checks are left to the CORS middleware; the upgrade accepts any
// origin so non-browser clients can connect too.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSClient is one connected websocket subscriber. A client with a
// strategyID follows that strategy only; without one it sees the full
// event stream.
type WSClient struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *WSHub
	strategyID string
}

// wsEnvelope pairs a marshaled event with its routing key so the hub can
// filter per client without unmarshaling again.
type wsEnvelope struct {
	strategyID string
	data       []byte
}

// WSHub fans bus events out to websocket clients. The clients map is
// owned by the Run goroutine; only the counter is shared.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan wsEnvelope
	register   chan *WSClient
	unregister chan *WSClient
	logger     zerolog.Logger

	mu    sync.RWMutex
	count int
}

// NewWSHub builds the hub and subscribes it to the event bus. The caller
// starts Run on its own goroutine.
func NewWSHub(bus *events.EventBus, logger zerolog.Logger) *WSHub {
	hub := &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan wsEnvelope, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
	if bus != nil {
		bus.SubscribeAll(hub.BroadcastEvent)
	}
	return hub
}

// Run processes registrations and broadcasts until the process exits.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			h.logger.Info().
				Int("clients", len(h.clients)).
				Str("strategy_id", client.strategyID).
				Msg("WebSocket client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.setCount(len(h.clients))
				h.logger.Info().Int("clients", len(h.clients)).Msg("WebSocket client disconnected")
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.strategyID != "" && client.strategyID != msg.strategyID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
					h.setCount(len(h.clients))
				}
			}
		}
	}
}

func (h *WSHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// BroadcastEvent marshals a bus event and queues it for delivery. A full
// buffer drops the event; the stream is best-effort.
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal event for broadcast")
		return
	}
	select {
	case h.broadcast <- wsEnvelope{strategyID: event.StrategyID, data: data}:
	default:
		h.logger.Warn().Str("type", string(event.Type)).Msg("WebSocket broadcast buffer full, dropping event")
	}
}

// writePump drains the send channel to the connection and keeps the
// connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes (and discards) client frames so pongs are processed,
// and unregisters on disconnect.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleWebSocket upgrades GET /ws. The optional strategy_id query
// parameter narrows the stream to one strategy.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:       conn,
		send:       make(chan []byte, 256),
		hub:        s.hub,
		strategyID: c.Query("strategy_id"),
	}
	s.hub.register <- client

	go client.writePump()

	welcome := map[string]interface{}{
		"type":      "CONNECTED",
		"timestamp": time.Now().UnixMilli(),
	}
	if client.strategyID != "" {
		welcome["strategy_id"] = client.strategyID
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.send <- data
	}

	go client.readPump()
}
