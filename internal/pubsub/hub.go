package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"go.uber.org/zap"
)

// wsClient is one upgraded websocket connection, standing in for one remote
// subscriber of the evt channel and one source of cmd channel traffic.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *wsHub
	logger *logger.Logger
}

// wsHub fans outbound events out to every connected client and routes
// inbound frames to the channel's registered Handler.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	handler Handler
	logger  *logger.Logger
}

func newWSHub(log *logger.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "pubsub_hub")),
	}
}

func (h *wsHub) run(ctx context.Context) {
	h.logger.Info("pubsub websocket hub started")
	defer h.logger.Info("pubsub websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("client send buffer full, dropping", zap.String("client_id", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *wsHub) setHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *wsHub) dispatch(ctx context.Context, data []byte) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	var msg protocol.IngestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("dropping malformed pubsub frame", zap.Error(err))
		return
	}
	handler(ctx, msg)
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
