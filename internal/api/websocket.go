package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"spotify-remote/internal/chat"
)

// StatusTopic carries status board messages as JSON
const StatusTopic = "status"

// WebSocketMessage represents a JSON message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	EventID   string      `json:"eventId,omitempty"`
}

// outbound is either a JSON message or a binary frame
type outbound struct {
	message *WebSocketMessage
	binary  []byte
}

// WebSocketConnection represents a single WebSocket connection subscribed to
// one topic
type WebSocketConnection struct {
	ID         string
	Topic      string
	Conn       *websocket.Conn
	Send       chan outbound
	RemoteAddr string
	UserAgent  string

	lastPong  atomic.Int64
	closeOnce sync.Once
}

// WebSocketManager fans messages out to connections grouped by topic: the
// status feed and one PCM topic per guild. Slow connections lose messages
// instead of blocking the publisher.
type WebSocketManager struct {
	connections map[string]*WebSocketConnection
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
	done        chan struct{}
	stopOnce    sync.Once

	dropped atomic.Uint64

	// Configuration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	maxConnections int
	sendBuffer     int
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(logger *logrus.Logger) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]*WebSocketConnection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:         logger,
		done:           make(chan struct{}),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
		maxConnections: 100,
		sendBuffer:     64,
	}
}

// Start starts the keepalive loop
func (wsm *WebSocketManager) Start(ctx context.Context) {
	wsm.logger.Info("Starting WebSocket manager")
	go wsm.run(ctx)
}

// Stop closes every connection and ends the keepalive loop
func (wsm *WebSocketManager) Stop() {
	wsm.stopOnce.Do(func() {
		wsm.logger.Info("Stopping WebSocket manager")
		close(wsm.done)

		wsm.mutex.Lock()
		conns := make([]*WebSocketConnection, 0, len(wsm.connections))
		for _, conn := range wsm.connections {
			conns = append(conns, conn)
		}
		wsm.mutex.Unlock()

		for _, conn := range conns {
			wsm.unregisterConnection(conn)
		}
	})
}

func (wsm *WebSocketManager) run(ctx context.Context) {
	ticker := time.NewTicker(wsm.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wsm.logger.Info("WebSocket manager context cancelled")
			return
		case <-wsm.done:
			return
		case <-ticker.C:
			wsm.reapStale()
		}
	}
}

// registerConnection adds conn unless the connection limit is reached
func (wsm *WebSocketManager) registerConnection(conn *WebSocketConnection) bool {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()

	select {
	case <-wsm.done:
		return false
	default:
	}

	if len(wsm.connections) >= wsm.maxConnections {
		wsm.logger.WithField("connectionId", conn.ID).Warn("Maximum WebSocket connections reached")
		return false
	}

	wsm.connections[conn.ID] = conn
	wsm.logger.WithFields(logrus.Fields{
		"connectionId": conn.ID,
		"topic":        conn.Topic,
		"remoteAddr":   conn.RemoteAddr,
		"totalConns":   len(wsm.connections),
	}).Info("WebSocket connection registered")
	return true
}

// unregisterConnection removes conn and lets its write pump close the socket
func (wsm *WebSocketManager) unregisterConnection(conn *WebSocketConnection) {
	wsm.mutex.Lock()
	_, exists := wsm.connections[conn.ID]
	delete(wsm.connections, conn.ID)
	total := len(wsm.connections)
	wsm.mutex.Unlock()

	conn.closeOnce.Do(func() { close(conn.Send) })

	if exists {
		wsm.logger.WithFields(logrus.Fields{
			"connectionId": conn.ID,
			"topic":        conn.Topic,
			"totalConns":   total,
		}).Info("WebSocket connection unregistered")
	}
}

// publish queues item for every connection on topic and returns how many
// accepted it. Must be called with the read lock held.
func (wsm *WebSocketManager) publishLocked(topic string, item outbound) int {
	sent := 0
	for _, conn := range wsm.connections {
		if conn.Topic != topic {
			continue
		}
		select {
		case conn.Send <- item:
			sent++
		default:
			wsm.dropped.Add(1)
		}
	}
	return sent
}

// PublishBinary sends one binary frame to every listener of topic
func (wsm *WebSocketManager) PublishBinary(topic string, frame []byte) int {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return wsm.publishLocked(topic, outbound{binary: frame})
}

// BroadcastEvent sends a JSON message to every listener of topic
func (wsm *WebSocketManager) BroadcastEvent(topic, eventType string, data interface{}) int {
	message := &WebSocketMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		EventID:   uuid.NewString(),
	}

	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	sent := wsm.publishLocked(topic, outbound{message: message})

	wsm.logger.WithFields(logrus.Fields{
		"topic":       topic,
		"messageType": eventType,
		"sentCount":   sent,
	}).Debug("Message broadcasted to WebSocket connections")
	return sent
}

// CloseTopic disconnects every listener of topic
func (wsm *WebSocketManager) CloseTopic(topic string) {
	wsm.mutex.RLock()
	var conns []*WebSocketConnection
	for _, conn := range wsm.connections {
		if conn.Topic == topic {
			conns = append(conns, conn)
		}
	}
	wsm.mutex.RUnlock()

	for _, conn := range conns {
		wsm.unregisterConnection(conn)
	}
}

// ObserveBoard forwards status board changes to the status topic
func (wsm *WebSocketManager) ObserveBoard(kind string, msg chat.Message) {
	wsm.BroadcastEvent(StatusTopic, kind, msg)
}

// GetConnectionCount returns the current number of WebSocket connections
func (wsm *WebSocketManager) GetConnectionCount() int {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return len(wsm.connections)
}

// TopicCount returns how many connections listen on topic
func (wsm *WebSocketManager) TopicCount(topic string) int {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()

	n := 0
	for _, conn := range wsm.connections {
		if conn.Topic == topic {
			n++
		}
	}
	return n
}

// Dropped returns how many messages were discarded for slow listeners
func (wsm *WebSocketManager) Dropped() uint64 {
	return wsm.dropped.Load()
}

// HandleWebSocketConnection upgrades the request and subscribes it to topic
func (wsm *WebSocketManager) HandleWebSocketConnection(w http.ResponseWriter, r *http.Request, topic string) error {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return err
	}

	wsConn := &WebSocketConnection{
		ID:         uuid.NewString(),
		Topic:      topic,
		Conn:       conn,
		Send:       make(chan outbound, wsm.sendBuffer),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	wsConn.lastPong.Store(time.Now().UnixNano())

	conn.SetReadLimit(wsm.maxMessageSize)
	conn.SetPongHandler(func(string) error {
		wsConn.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	// queued before registration; once registered, Stop may close Send
	wsConn.Send <- outbound{message: &WebSocketMessage{
		Type:      "welcome",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"connectionId": wsConn.ID,
			"topic":        topic,
		},
	}}

	if !wsm.registerConnection(wsConn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(wsm.writeTimeout))
		conn.Close()
		return fmt.Errorf("connection limit reached")
	}

	go wsm.writePump(wsConn)
	go wsm.readPump(wsConn)
	return nil
}

// writePump owns all writes to the connection, pings included
func (wsm *WebSocketManager) writePump(conn *WebSocketConnection) {
	ticker := time.NewTicker(wsm.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case item, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsm.writeTimeout))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			var err error
			if item.binary != nil {
				err = conn.Conn.WriteMessage(websocket.BinaryMessage, item.binary)
			} else {
				err = conn.Conn.WriteJSON(item.message)
			}
			if err != nil {
				wsm.logger.WithError(err).WithField("connectionId", conn.ID).Debug("Failed to write WebSocket message")
				wsm.unregisterConnection(conn)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsm.writeTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wsm.unregisterConnection(conn)
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed. Clients
// are listeners; their payloads are ignored.
func (wsm *WebSocketManager) readPump(conn *WebSocketConnection) {
	defer wsm.unregisterConnection(conn)

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsm.logger.WithError(err).WithField("connectionId", conn.ID).Debug("WebSocket connection error")
			}
			return
		}
	}
}

// reapStale drops connections that stopped answering pings
func (wsm *WebSocketManager) reapStale() {
	cutoff := time.Now().Add(-wsm.pongTimeout).UnixNano()

	wsm.mutex.RLock()
	var stale []*WebSocketConnection
	for _, conn := range wsm.connections {
		if conn.lastPong.Load() < cutoff {
			stale = append(stale, conn)
		}
	}
	wsm.mutex.RUnlock()

	for _, conn := range stale {
		wsm.logger.WithField("connectionId", conn.ID).Warn("WebSocket connection timed out")
		wsm.unregisterConnection(conn)
	}
}
