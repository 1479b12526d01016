package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSChannel is the gorilla/websocket-backed Channel implementation: a hub
// broadcasting outbound events to every attached client, each client also
// feeding inbound frames back into the channel's Handler.
type WSChannel struct {
	hub    *wsHub
	log    *logger.Logger
	cancel context.CancelFunc

	mu        sync.RWMutex
	token     Token
	connected bool
}

// NewWSChannel starts the hub's run loop under ctx and returns the Channel.
func NewWSChannel(ctx context.Context, log *logger.Logger) *WSChannel {
	hubLog := log.WithFields(zap.String("component", "pubsub"))
	hub := newWSHub(hubLog)
	runCtx, cancel := context.WithCancel(ctx)
	go hub.run(runCtx)
	return &WSChannel{hub: hub, log: hubLog, cancel: cancel}
}

// ServeHTTP upgrades the request to a websocket connection and attaches it
// to the hub as both a publish target and an inbound source.
func (c *WSChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    c.hub,
		logger: c.log.WithFields(zap.String("client_id", uuid.New().String())),
	}
	c.hub.register <- client

	go c.writePump(client)
	go c.readPump(client)
}

func (c *WSChannel) readPump(client *wsClient) {
	defer func() {
		c.hub.unregister <- client
		client.conn.Close()
	}()

	client.conn.SetReadLimit(wsMaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.logger.Warn("pubsub read error", zap.Error(err))
			}
			return
		}
		c.hub.dispatch(context.Background(), message)
	}
}

func (c *WSChannel) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish marshals event as JSON and broadcasts it to every attached client.
func (c *WSChannel) Publish(ctx context.Context, event protocol.OutboundEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}
	select {
	case c.hub.broadcast <- data:
	default:
		c.log.Warn("pubsub broadcast buffer full, dropping event", zap.String("type", string(event.Type)))
	}
	return nil
}

// Subscribe installs handler as the receiver of every inbound frame.
func (c *WSChannel) Subscribe(handler Handler) {
	c.hub.setHandler(handler)
}

// Connected reports true once a token has been installed and at least one
// client is attached.
func (c *WSChannel) Connected() bool {
	c.mu.RLock()
	hasToken := c.connected
	c.mu.RUnlock()
	return hasToken && c.hub.clientCount() > 0
}

// SetToken installs tok, marking the channel eligible to be considered
// connected once a client attaches.
func (c *WSChannel) SetToken(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tok
	c.connected = true
}

// Close stops the hub's run loop, disconnecting every attached client.
func (c *WSChannel) Close() {
	c.cancel()
}
