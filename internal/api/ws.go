package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub fans progress events out to websocket subscribers, keyed by story.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]map[*wsClient]bool
	logger  *zap.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan model.ProgressEvent
}

// NewHub creates a Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*wsClient]bool),
		logger:  logger.Named("ProgressHub"),
	}
}

// Broadcast delivers an event to every subscriber of its story. Slow
// clients are dropped rather than buffered without bound.
func (h *Hub) Broadcast(event model.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[event.StoryID] {
		select {
		case client.send <- event:
		default:
			h.removeLocked(event.StoryID, client)
		}
	}
}

func (h *Hub) add(storyID uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[storyID] == nil {
		h.clients[storyID] = make(map[*wsClient]bool)
	}
	h.clients[storyID][client] = true
}

func (h *Hub) remove(storyID uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(storyID, client)
}

func (h *Hub) removeLocked(storyID uuid.UUID, client *wsClient) {
	if clients, ok := h.clients[storyID]; ok && clients[client] {
		delete(clients, client)
		close(client.send)
		if len(clients) == 0 {
			delete(h.clients, storyID)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer in front of the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the story's progress events
// until the client disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid story id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan model.ProgressEvent, 16)}
	h.add(storyID, client)
	h.logger.Debug("Websocket subscriber added", zap.String("storyID", storyID.String()))

	go h.writePump(storyID, client)
	go h.readPump(storyID, client)
}

func (h *Hub) writePump(storyID uuid.UUID, client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.remove(storyID, client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(storyID, client)
				return
			}
		}
	}
}

func (h *Hub) readPump(storyID uuid.UUID, client *wsClient) {
	defer func() {
		h.remove(storyID, client)
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for storyID, clients := range h.clients {
		for client := range clients {
			close(client.send)
			_ = client.conn.Close()
		}
		delete(h.clients, storyID)
	}
}
