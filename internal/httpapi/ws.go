package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/helperbridge/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface is loopback-oriented; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans each logged update out to connected websocket clients. A slow
// client is dropped rather than allowed to stall the rest.
type hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	updates    chan store.Record
	clients    map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan store.Record
}

func newHub() *hub {
	return &hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		updates:    make(chan store.Record, 256),
		clients:    make(map[*wsClient]struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case rec := <-h.updates:
			for c := range h.clients {
				select {
				case c.send <- rec:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *hub) broadcast(rec store.Record) {
	select {
	case h.updates <- rec:
	default:
		slog.Warn("websocket broadcast queue full, dropping update", "update_id", rec.ID)
	}
}

// handleWS upgrades the connection and streams every new update as JSON.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan store.Record, wsSendBuffer)}
	s.hub.register <- client

	go client.writeLoop()
	go client.readLoop(s.hub)
}

// readLoop drains inbound frames so pongs and closes are processed.
func (c *wsClient) readLoop(h *hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case rec, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(viewOf(rec)); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
