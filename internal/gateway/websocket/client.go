package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/events/router"
	ws "github.com/foremanhq/foreman/pkg/websocket"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxFrameSize = 64 * 1024
)

// Client represents a single operator connection. Its subscriptions live in
// the subscription manager under the group "ws:<id>", so disconnect tears
// all of them down with one group call.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	done    chan struct{}
	handles map[string]string // pattern -> subscription handle id
	once    sync.Once
	logger  *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, hub.sendBuffer),
		done:    make(chan struct{}),
		handles: make(map[string]string),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) group() string {
	return "ws:" + c.ID
}

// ReadPump reads frames from the connection until it closes, then removes
// the client from the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.drop("connection closed")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var frame ws.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(ws.ErrorCodeBadRequest, "invalid frame: "+err.Error())
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *ws.Frame) {
	switch frame.Type {
	case ws.FrameSubscribe:
		c.handleSubscribe(frame)
	case ws.FrameUnsubscribe:
		c.handleUnsubscribe(frame)
	default:
		c.sendError(ws.ErrorCodeUnknownType, "unknown frame type: "+string(frame.Type))
	}
}

// handleSubscribe registers one managed subscription per pattern. Bad
// patterns get an error frame each; the rest are acknowledged together.
// Re-subscribing a pattern is idempotent, the manager returns the existing
// handle and counts the duplicate.
func (c *Client) handleSubscribe(frame *ws.Frame) {
	if len(frame.Topics) == 0 {
		c.sendError(ws.ErrorCodeBadRequest, "subscribe requires at least one topic pattern")
		return
	}

	accepted := make([]string, 0, len(frame.Topics))
	for _, pattern := range frame.Topics {
		handle, err := c.hub.subs.Subscribe(router.SubscribeOptions{
			Topic:        pattern,
			SubscriberID: c.ID,
			Group:        c.group(),
			Metadata:     map[string]string{"transport": "websocket"},
			Handler:      c.forward,
		})
		if err != nil {
			c.sendError(ws.ErrorCodeBadPattern, "invalid pattern "+pattern+": "+err.Error())
			continue
		}
		c.handles[pattern] = handle.ID
		accepted = append(accepted, pattern)
	}

	if len(accepted) > 0 {
		c.sendFrame(ws.NewSubscribedFrame(accepted))
	}
}

func (c *Client) handleUnsubscribe(frame *ws.Frame) {
	if len(frame.Topics) == 0 {
		c.sendError(ws.ErrorCodeBadRequest, "unsubscribe requires at least one topic pattern")
		return
	}

	removed := make([]string, 0, len(frame.Topics))
	for _, pattern := range frame.Topics {
		handleID, ok := c.handles[pattern]
		if !ok {
			continue
		}
		if err := c.hub.subs.Unsubscribe(handleID); err != nil {
			c.logger.Debug("unsubscribe on gone handle", zap.String("pattern", pattern), zap.Error(err))
		}
		delete(c.handles, pattern)
		removed = append(removed, pattern)
	}
	c.sendFrame(ws.NewUnsubscribedFrame(removed))
}

// forward delivers one bus envelope as an event frame. A client whose send
// buffer is full is dropped rather than allowed to stall behind it.
func (c *Client) forward(_ context.Context, env *bus.Envelope) (*bus.Result, error) {
	frame, err := ws.NewEventFrame(env.Topic, env)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("dropping slow client", zap.String("topic", env.Topic))
		c.drop("send buffer full")
	}
	return nil, nil
}

func (c *Client) sendFrame(frame *ws.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.drop("send buffer full")
	}
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(ws.NewErrorFrame(code, message))
}

// drop closes the connection exactly once. The read pump observes the close
// and finishes hub teardown.
func (c *Client) drop(reason string) {
	c.once.Do(func() {
		c.logger.Debug("dropping client", zap.String("reason", reason))
		close(c.done)
		c.conn.Close()
	})
}

// WritePump pushes queued frames to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
