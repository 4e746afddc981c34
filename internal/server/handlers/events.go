package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/skydeck-app/skydeck/internal/events"
)

// EventsHandler serves the lifecycle event feed: a recent-events listing
// and a WebSocket stream that pushes every new event to connected shells.
type EventsHandler struct {
	bus        events.EventBus
	logger     hclog.Logger
	wsUpgrader websocket.Upgrader

	streamsMutex  sync.RWMutex
	activeStreams map[string]*wsClient
}

// wsClient is one connected WebSocket consumer. Writes are serialized
// because bus callbacks and the initial backlog may race.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// wsMessage is the frame sent to WebSocket consumers.
type wsMessage struct {
	Type      string       `json:"type"`
	Event     events.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

// NewEventsHandler creates event feed handlers.
func NewEventsHandler(bus events.EventBus, logger hclog.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		logger: logger.Named("api"),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local desktop service, shell connects from file:// origins
			},
		},
		activeStreams: make(map[string]*wsClient),
	}
}

// RecentEvents returns the in-memory event buffer, optionally filtered
// by type or source.
func (h *EventsHandler) RecentEvents(c *gin.Context) {
	eventType := c.Query("type")
	source := c.Query("source")

	all := h.bus.RecentEvents()
	out := make([]events.Event, 0, len(all))
	for _, ev := range all {
		if eventType != "" && string(ev.Type) != eventType {
			continue
		}
		if source != "" && ev.Source != source {
			continue
		}
		out = append(out, ev)
	}

	c.JSON(http.StatusOK, gin.H{
		"events": out,
		"count":  len(out),
	})
}

// StreamEvents upgrades the connection to a WebSocket and pushes every
// bus event to the client until it disconnects.
func (h *EventsHandler) StreamEvents(c *gin.Context) {
	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("failed to upgrade connection: %v", err),
		})
		return
	}
	defer conn.Close()

	clientID := fmt.Sprintf("client_%d", time.Now().UnixNano())
	client := &wsClient{conn: conn}

	h.streamsMutex.Lock()
	h.activeStreams[clientID] = client
	h.streamsMutex.Unlock()

	sub, err := h.bus.Subscribe(events.EventFilter{}, func(ev events.Event) error {
		h.sendToClient(client, wsMessage{
			Type:      "event",
			Event:     ev,
			Timestamp: time.Now().Unix(),
		})
		return nil
	})
	if err != nil {
		h.logger.Error("event stream subscription failed", "client", clientID, "error", err)
		h.dropClient(clientID)
		return
	}

	h.logger.Debug("event stream client connected", "client", clientID)

	// Send the backlog so the client starts with recent history.
	for _, ev := range h.bus.RecentEvents() {
		h.sendToClient(client, wsMessage{
			Type:      "backlog",
			Event:     ev,
			Timestamp: time.Now().Unix(),
		})
	}

	// Block on the read loop; clients send nothing meaningful, the read
	// is how we notice the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.bus.Unsubscribe(sub.ID)
	h.dropClient(clientID)
	h.logger.Debug("event stream client disconnected", "client", clientID)
}

// ActiveStreamCount reports how many WebSocket clients are connected.
func (h *EventsHandler) ActiveStreamCount() int {
	h.streamsMutex.RLock()
	defer h.streamsMutex.RUnlock()
	return len(h.activeStreams)
}

func (h *EventsHandler) sendToClient(client *wsClient, message wsMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	client.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *EventsHandler) dropClient(clientID string) {
	h.streamsMutex.Lock()
	delete(h.activeStreams, clientID)
	h.streamsMutex.Unlock()
}
