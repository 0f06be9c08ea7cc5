package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"finpilot/internal/models"
	"finpilot/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AuditFeedMessage is what subscribers receive on the audit websocket.
type AuditFeedMessage struct {
	Type      string            `json:"type"`
	Data      models.AuditEvent `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

type auditClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan AuditFeedMessage
	hub      *AuditHub
}

// AuditHub pushes audit events to websocket subscribers of the same tenant.
type AuditHub struct {
	clients    map[string]*auditClient
	broadcast  chan models.AuditEvent
	register   chan *auditClient
	unregister chan *auditClient
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewAuditHub(logger *logrus.Logger) *AuditHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditHub{
		clients:    make(map[string]*auditClient),
		broadcast:  make(chan models.AuditEvent, 256),
		register:   make(chan *auditClient),
		unregister: make(chan *auditClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *AuditHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Infof("Audit subscriber %s connected (tenant %s)", client.id, client.tenantID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mutex.Unlock()

		case ev := <-h.broadcast:
			msg := AuditFeedMessage{Type: "audit-event", Data: ev, Timestamp: time.Now()}
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.tenantID != ev.TenantID {
					continue
				}
				select {
				case client.send <- msg:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Emit implements AuditSink. It never blocks the caller; events are dropped when the hub is saturated.
func (h *AuditHub) Emit(_ context.Context, ev models.AuditEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.WithField("event_id", ev.ID).Warn("audit hub saturated, dropping live event")
	}
}

// Serve upgrades the request and subscribes the connection to tenantID's events.
func (h *AuditHub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &auditClient{
		id:       utils.GeneratePrefixedID("sub"),
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan AuditFeedMessage, 64),
		hub:      h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
	return nil
}

func (h *AuditHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump only drains control frames; subscribers do not send data.
func (c *auditClient) readPump() {
	defer func() {
		c.hub.unregister <- c
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorf("Audit websocket error: %v", err)
			}
			return
		}
	}
}

func (c *auditClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Error("WriteJSON error:", err)
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
