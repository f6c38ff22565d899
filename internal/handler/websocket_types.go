// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"instrument-service/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID            string          `json:"id"`
	Connection    *websocket.Conn `json:"-"`
	Send          chan []byte     `json:"-"`
	Type          string          `json:"type"` // events, samples
	DeviceID      *string         `json:"device_id,omitempty"`
	UserAgent     string          `json:"user_agent"`
	RemoteAddr    string          `json:"remote_addr"`
	ConnectedAt   time.Time       `json:"connected_at"`
	mutex         sync.Mutex
	subscriptions map[model.EventTopic]bool
}

// Subscribe narrows the event stream to the given topic. A client with
// no subscriptions receives everything its connection type carries.
func (c *Client) Subscribe(topic model.EventTopic) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventTopic]bool)
	}
	c.subscriptions[topic] = true
}

// Unsubscribe removes a topic filter.
func (c *Client) Unsubscribe(topic model.EventTopic) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.subscriptions, topic)
}

// Wants reports whether an event passes the client's filters.
func (c *Client) Wants(event *model.Event) bool {
	if c.DeviceID != nil && event.Address != "" && event.Address != *c.DeviceID {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[event.Topic]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string       `json:"type"`
	Event     *model.Event `json:"event,omitempty"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	manager := &ConnectionManager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}

	go manager.run()
	return manager
}

// run starts the connection manager
func (cm *ConnectionManager) run() {
	for {
		select {
		case client := <-cm.register:
			cm.mutex.Lock()
			cm.clients[client.ID] = client
			cm.mutex.Unlock()

		case client := <-cm.unregister:
			cm.mutex.Lock()
			if _, ok := cm.clients[client.ID]; ok {
				delete(cm.clients, client.ID)
				close(client.Send)
			}
			cm.mutex.Unlock()
		}
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.register <- client
}

// Unregister unregisters a client
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.unregister <- client
}

// ClientsByType returns all clients of the given connection type.
func (cm *ConnectionManager) ClientsByType(clientType string) []*Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var clients []*Client
	for _, client := range cm.clients {
		if client.Type == clientType {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByType:           make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		stats.ByType[client.Type]++
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByType           map[string]int `json:"by_type"`
	Clients          []*Client      `json:"clients"`
}
