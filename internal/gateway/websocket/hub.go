// Package websocket exposes the event bus to operator connections. Clients
// subscribe with bus topic patterns and receive envelope frames as events
// flow; subscriptions are managed per client and torn down on disconnect.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events/router"
)

// defaultSendBuffer is the per-client outbound frame buffer.
const defaultSendBuffer = 256

// Config controls per-client delivery. Zero values fall back to defaults.
type Config struct {
	SendBuffer int
}

// Hub tracks connected clients and owns their lifecycle. Topic fanout is
// not done here: each client's patterns live in the subscription manager,
// so gateway subscriptions share duplicate detection, group teardown and
// leak warnings with every other subscriber in the process.
type Hub struct {
	subs       *router.SubscriptionManager
	sendBuffer int

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub on top of the subscription manager.
func NewHub(cfg Config, subs *router.SubscriptionManager, log *logger.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		subs:       subs,
		sendBuffer: cfg.SendBuffer,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithComponent("ws_hub"),
	}
}

// Run processes client registration until the context ends, then drops
// every remaining client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		h.subs.UnsubscribeGroup(client.group())
		client.drop("hub shutdown")
	}
}

// removeClient tears down a client's subscriptions and forgets it. Safe to
// call more than once for the same client.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !known {
		return
	}
	removed := h.subs.UnsubscribeGroup(client.group())
	h.logger.Debug("client unregistered",
		zap.String("client_id", client.ID),
		zap.Int("subscriptions_removed", removed))
}

// Register adds a client to the hub. A no-op once the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub. A no-op once the hub has
// stopped; shutdown teardown already covered it.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
