package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"relicwatch/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
	wsSendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the frame pushed to WebSocket subscribers.
type wsEnvelope struct {
	Topic   string                    `json:"topic"`
	Payload models.NotificationRecord `json:"payload"`
}

type wsMessage struct {
	topic string
	data  []byte
}

// wsClient is one WebSocket subscriber. An empty topic receives everything.
type wsClient struct {
	hub   *WebSocketHub
	conn  *websocket.Conn
	topic string
	send  chan []byte
	done  <-chan struct{}
}

// WebSocketHub pushes notifications to browser clients subscribed with
// /ws?topic=<topic>.
type WebSocketHub struct {
	logger     *zap.Logger
	clients    map[*wsClient]bool
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *wsClient
	count      chan chan int

	mu sync.Mutex
	// done is closed when the current Serve run exits.
	done chan struct{}
}

func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		logger:     logger,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsMessage, wsSendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Serve runs the hub loop until ctx is cancelled, then closes every client.
// The hub may be served again after a run ends.
func (h *WebSocketHub) Serve(ctx context.Context) error {
	done := h.startRun()
	defer func() {
		close(done)
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("WebSocket client registered",
				zap.String("remote", client.conn.RemoteAddr().String()),
				zap.String("topic", client.topic))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote", client.conn.RemoteAddr().String()))
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.topic != "" && client.topic != msg.topic {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn("WebSocket client send buffer full, removing",
						zap.String("remote", client.conn.RemoteAddr().String()))
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// startRun returns the done channel of a new run, replacing the previous
// run's channel once that one is closed.
func (h *WebSocketHub) startRun() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		h.done = make(chan struct{})
	default:
	}
	return h.done
}

func (h *WebSocketHub) stopped() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Publish queues the record for subscribers of topic.
func (h *WebSocketHub) Publish(ctx context.Context, topic string, record models.NotificationRecord) error {
	data, err := json.Marshal(wsEnvelope{Topic: topic, Payload: record})
	if err != nil {
		return fmt.Errorf("failed to marshal websocket message: %w", err)
	}

	select {
	case h.broadcast <- wsMessage{topic: topic, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients. It needs Serve running.
func (h *WebSocketHub) ClientCount(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply, nil
	case <-h.stopped():
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ServeWS upgrades the request and registers the client.
func (h *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		hub:   h,
		conn:  conn,
		topic: r.URL.Query().Get("topic"),
		send:  make(chan []byte, wsSendBuffer),
		done:  h.stopped(),
	}

	select {
	case h.register <- client:
	case <-client.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; clients do not send data.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
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
