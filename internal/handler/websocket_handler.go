// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"instrument-service/internal/events"
	"instrument-service/internal/model"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// WebSocketHandler streams bench events and live samples to WebSocket
// clients.
type WebSocketHandler struct {
	upgrader     websocket.Upgrader
	connections  *ConnectionManager
	benchService *service.BenchService
	bus          *events.Bus
	logger       *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(benchService *service.BenchService, bus *events.Bus, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// In production, implement proper origin checking
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:     upgrader,
		connections:  NewConnectionManager(),
		benchService: benchService,
		bus:          bus,
		logger:       utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Full event stream: port changes, worker state, failures
	router.GET("/events", h.HandleEventConnection)

	// Live sample stream, optionally scoped to one device
	router.GET("/samples", h.HandleSampleConnection)
}

// Run feeds bus events to connected clients until ctx is cancelled.
// Sample events go to both streams, everything else to the event
// stream only.
func (h *WebSocketHandler) Run(ctx context.Context) {
	stream := h.bus.Subscribe(events.TopicAll)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			h.broadcast(&event)
		}
	}
}

// broadcast fans one bus event out to the matching clients.
func (h *WebSocketHandler) broadcast(event *model.Event) {
	message := &WebSocketMessage{
		Type:      "event",
		Event:     event,
		Timestamp: time.Now(),
	}

	h.broadcastToClients(h.connections.ClientsByType("events"), event, message)

	if event.Topic == model.TopicSampleRecorded {
		sampleMessage := &WebSocketMessage{
			Type:      "sample",
			Event:     event,
			Timestamp: message.Timestamp,
		}
		h.broadcastToClients(h.connections.ClientsByType("samples"), event, sampleMessage)
	}
}

// HandleEventConnection handles event stream WebSocket connections
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "events",
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// HandleSampleConnection handles live sample WebSocket connections. A
// device_id query parameter scopes the stream to one instrument.
func (h *WebSocketHandler) HandleSampleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "samples",
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	if deviceID := c.Query("device_id"); deviceID != "" {
		client.DeviceID = &deviceID
	}

	h.connections.Register(client)
	h.logger.Info("Sample WebSocket client connected",
		zap.String("client_id", client.ID),
	)

	// Latest buffered sample first, so the client has a value before
	// the next measurement lands
	if client.DeviceID != nil {
		go h.sendLatestSample(client, *client.DeviceID)
	}

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	// Set read deadline and pong handler
	client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Error("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe":
		if topic, ok := messageTopic(message); ok {
			client.Subscribe(topic)
			h.sendMessage(client, &WebSocketMessage{
				Type:      "subscription_confirmed",
				Data:      gin.H{"topic": topic},
				Timestamp: time.Now(),
			})
		}
	case "unsubscribe":
		if topic, ok := messageTopic(message); ok {
			client.Unsubscribe(topic)
		}
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

// messageTopic extracts the topic from a subscribe/unsubscribe payload.
func messageTopic(message *WebSocketMessage) (model.EventTopic, bool) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		return "", false
	}
	topic, ok := data["topic"].(string)
	if !ok || topic == "" {
		return "", false
	}
	return model.EventTopic(topic), true
}

// sendLatestSample sends the newest buffered sample to a client.
func (h *WebSocketHandler) sendLatestSample(client *Client, deviceID string) {
	sample, err := h.benchService.LatestSample(deviceID)
	if err != nil {
		return
	}

	h.sendMessage(client, &WebSocketMessage{
		Type: "sample",
		Event: &model.Event{
			Topic:     model.TopicSampleRecorded,
			Address:   deviceID,
			Sample:    sample,
			Timestamp: sample.Timestamp,
		},
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// broadcastToClients broadcasts an event to the clients whose filters
// accept it.
func (h *WebSocketHandler) broadcastToClients(clients []*Client, event *model.Event, message *WebSocketMessage) {
	if len(clients) == 0 {
		return
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range clients {
		if !client.Wants(event) {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
