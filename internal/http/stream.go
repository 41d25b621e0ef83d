package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/observability"
)

const (
	streamSendBuffer   = 8
	streamWriteTimeout = 10 * time.Second
	streamLatestCount  = 10
)

// SnapshotEvent is pushed to every stream client when a snapshot is published.
type SnapshotEvent struct {
	Type        string          `json:"type"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Total       int             `json:"total"`
	Latest      []models.Record `json:"latest"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StreamHub fans published snapshots out to websocket clients. A client that cannot keep
// up with its send buffer is disconnected rather than slowing the publisher.
type StreamHub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHub returns a hub that accepts connections from any origin.
func NewStreamHub(logger *zap.Logger) *StreamHub {
	return &StreamHub{
		clients:  make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
	}
}

// ServeHTTP handles GET /api/sismos/stream.
func (hub *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLogger(r, hub.logger).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, streamSendBuffer)}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	n := len(hub.clients)
	hub.mu.Unlock()
	observability.StreamClients.Set(float64(n))

	go hub.writeLoop(c)
	go hub.readLoop(c)
}

// readLoop discards client messages and notices disconnects.
func (hub *StreamHub) readLoop(c *streamClient) {
	defer hub.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (hub *StreamHub) writeLoop(c *streamClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			hub.logger.Debug("websocket write failed", zap.Error(err))
			hub.remove(c)
			return
		}
		observability.StreamMessagesTotal.Inc()
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

// remove unregisters c and closes its send channel. Safe to call more than once.
func (hub *StreamHub) remove(c *streamClient) {
	hub.mu.Lock()
	if _, ok := hub.clients[c]; ok {
		delete(hub.clients, c)
		close(c.send)
	}
	n := len(hub.clients)
	hub.mu.Unlock()
	observability.StreamClients.Set(float64(n))
}

// Broadcast sends a summary of snap to every client. It never blocks on a client and
// matches the refresh publish hook signature.
func (hub *StreamHub) Broadcast(_ context.Context, snap *models.Snapshot) error {
	latest := snap.Records
	if len(latest) > streamLatestCount {
		latest = latest[:streamLatestCount]
	}
	msg, err := json.Marshal(SnapshotEvent{
		Type:        "snapshot",
		LastUpdated: snap.LastUpdated,
		Total:       snap.Len(),
		Latest:      latest,
	})
	if err != nil {
		return err
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for c := range hub.clients {
		select {
		case c.send <- msg:
		default:
			hub.logger.Info("dropping slow stream client")
			delete(hub.clients, c)
			close(c.send)
		}
	}
	observability.StreamClients.Set(float64(len(hub.clients)))
	return nil
}

// ClientCount returns the number of connected clients.
func (hub *StreamHub) ClientCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.clients)
}

// Close disconnects every client.
func (hub *StreamHub) Close() {
	hub.mu.Lock()
	for c := range hub.clients {
		delete(hub.clients, c)
		close(c.send)
	}
	hub.mu.Unlock()
	observability.StreamClients.Set(0)
}
