package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/internal/domain"
	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// Presence records which users hold a signaling connection
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// envelope is what instances exchange on the signaling channel
type envelope struct {
	Origin  string          `json:"origin"`
	UserIDs []uuid.UUID     `json:"user_ids"`
	Event   json.RawMessage `json:"event"`
}

// relayQueueSize bounds events waiting to be published to other instances
const relayQueueSize = 1024

// Hub tracks live signaling connections per user and fans events out to them.
// Events are delivered locally right away and queued for relay to the other
// instances over Redis pub/sub, so callers never wait on the network.
// Without Redis the hub serves local users only.
type Hub struct {
	instanceID string
	redis      *database.RedisClient
	presence   Presence
	metrics    *metrics.Metrics

	publish  func(ctx context.Context, msg []byte) error
	outbound chan []byte

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	count   int
}

// NewHub creates a hub. redis, presence and m may be nil.
func NewHub(redis *database.RedisClient, presence Presence, m *metrics.Metrics) *Hub {
	h := &Hub{
		instanceID: uuid.NewString(),
		redis:      redis,
		presence:   presence,
		metrics:    m,
		outbound:   make(chan []byte, relayQueueSize),
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
	}
	if redis != nil {
		h.publish = func(ctx context.Context, msg []byte) error {
			return redis.SafePublish(ctx, constants.SignalingChannel, msg).Err()
		}
	}
	return h
}

// NotifyUsers implements the notifier of the call and media services
func (h *Hub) NotifyUsers(ctx context.Context, userIDs []uuid.UUID, event domain.Event) {
	if len(userIDs) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to encode signaling event", zap.String("event", string(event.Type)), zap.Error(err))
		return
	}

	h.deliver(userIDs, payload, string(event.Type))
	h.metrics.RecordNotification(string(event.Type))

	if h.publish == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.instanceID, UserIDs: userIDs, Event: payload})
	if err != nil {
		return
	}
	select {
	case h.outbound <- msg:
	default:
		h.metrics.RecordNotificationDropped(string(event.Type))
		logger.Warn("Relay queue full, signaling event not relayed", zap.String("event", string(event.Type)))
	}
}

// publishLoop drains the relay queue in order until ctx is done
func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbound:
			pctx, cancel := context.WithTimeout(ctx, constants.NotificationTimeout)
			if err := h.publish(pctx, msg); err != nil {
				logger.Debug("Signaling event not relayed to other instances", zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) deliver(userIDs []uuid.UUID, payload []byte, eventType string) {
	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		for c := range h.clients[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.metrics.RecordNotificationDropped(eventType)
		}
	}
}

// Run publishes queued events and relays events published by other
// instances until ctx is done, resubscribing after Redis failures
func (h *Hub) Run(ctx context.Context) {
	if h.publish != nil {
		go h.publishLoop(ctx)
	}
	if h.redis == nil {
		<-ctx.Done()
		return
	}
	for {
		h.relay(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (h *Hub) relay(ctx context.Context) {
	pubsub := h.redis.SafeSubscribe(ctx, constants.SignalingChannel)
	if pubsub == nil {
		return
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("Failed to subscribe to signaling channel", zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Invalid message on signaling channel", zap.Error(err))
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			h.deliver(env.UserIDs, env.Event, "relayed")
		}
	}
}

// IsConnected reports whether the user has a connection on this instance
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) register(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.count++
	h.metrics.SetWebSocketConnections(h.count)
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.SetUserOnline(ctx, c.userID); err != nil {
			logger.Warn("Failed to set user online", logger.UserID(c.userID), zap.Error(err))
		}
	}
}

func (h *Hub) unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if ok {
		if _, exists := clients[c]; !exists {
			ok = false
		}
	}
	last := false
	if ok {
		delete(clients, c)
		h.count--
		h.metrics.SetWebSocketConnections(h.count)
		if len(clients) == 0 {
			delete(h.clients, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if last && h.presence != nil {
		if err := h.presence.SetUserOffline(ctx, c.userID); err != nil {
			logger.Warn("Failed to set user offline", logger.UserID(c.userID), zap.Error(err))
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context, userID uuid.UUID) {
	if h.presence == nil {
		return
	}
	if err := h.presence.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("Failed to refresh presence", logger.UserID(userID), zap.Error(err))
	}
}
