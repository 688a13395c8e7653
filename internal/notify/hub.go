package notify

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Hub tracks open websocket connections per user and fans notifications
// out to them. A user may hold several connections (phone + browser).
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]map[*websocket.Conn]struct{})}
}

func (h *Hub) Register(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[userID][conn] = struct{}{}
}

func (h *Hub) Unregister(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
}

// SendToUser pushes a JSON message to every open connection of the user.
// Dead connections are dropped; delivery is best-effort.
func (h *Hub) SendToUser(userID uuid.UUID, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("hub: marshal message: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[userID]))
	for conn := range h.clients[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.Unregister(userID, conn)
			_ = conn.Close()
		}
	}
}

// Upgrade returns the middleware pair for the /ws route. RequireAuth must
// run before it so userID is already in locals.
func (h *Hub) Upgrade() (fiber.Handler, fiber.Handler) {
	check := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	serve := websocket.New(func(conn *websocket.Conn) {
		userID, err := uuid.Parse(conn.Locals("userID").(string))
		if err != nil {
			_ = conn.Close()
			return
		}
		h.Register(userID, conn)
		defer func() {
			h.Unregister(userID, conn)
			_ = conn.Close()
		}()
		// Read loop exists only to detect disconnects; inbound frames are
		// ignored.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return check, serve
}
