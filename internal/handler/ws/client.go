package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle-backend/pkg/constants"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
)

// maxInflight bounds concurrently handled requests per connection
const maxInflight = 8

// Client is one signaling connection of a user. A user may hold several.
type Client struct {
	hub     *Hub
	gateway *Gateway
	conn    *websocket.Conn
	userID  uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc

	inflight chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(g *Gateway, conn *websocket.Conn, userID uuid.UUID) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:      g.hub,
		gateway:  g,
		conn:     conn,
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(chan struct{}, maxInflight),
		send:     make(chan []byte, constants.ClientSendBuffer),
	}
}

// enqueue queues a frame for the write pump. A client whose queue is full is
// too slow to keep up and gets disconnected.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		logger.Warn("Signaling client too slow, disconnecting", logger.UserID(c.userID))
		c.closeLocked()
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closeLocked()
	}
}

func (c *Client) closeLocked() {
	c.closed = true
	close(c.send)
	c.cancel()
}

func (c *Client) reply(resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode signaling response", zap.String("id", resp.ID), zap.Error(err))
		frame, _ = json.Marshal(Response{ID: resp.ID, Error: errorBody(apperrors.InternalError("failed to encode response"))})
	}
	c.enqueue(frame)
}

// readPump reads requests until the connection fails, then unregisters
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.hub.unregister(context.Background(), c)
		c.close()
		c.conn.Close()
	}()

	pongWait := c.gateway.pongWait()
	c.conn.SetReadLimit(constants.MaxSignalingMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.heartbeat(c.ctx, c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Signaling connection closed", logger.UserID(c.userID), zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil || req.Method == "" {
			c.gateway.metrics.RecordWebSocketError(string(apperrors.ErrCodeValidation))
			c.reply(Response{ID: req.ID, Error: errorBody(apperrors.ValidationError("malformed request"))})
			continue
		}

		select {
		case c.inflight <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.inflight
				c.wg.Done()
			}()
			c.reply(c.gateway.handle(c.ctx, c.userID, req))
		}()
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
