package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
)

// Provider sends notifications to device tokens of one platform
type Provider interface {
	Name() string
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	CallerName     string
	CallType       string
	Timestamp      int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token represents a push notification token for a user
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens per user
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Metrics is the subset of service metrics the push service records
type Metrics interface {
	RecordPushNotification(notifType, platform string)
	RecordPushNotificationFailure(notifType, platform string)
}

// Service delivers call notifications to users that have no live signaling connection
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  Metrics
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository, metrics Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  metrics,
	}
}

// RegisterToken stores or refreshes a device token
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token of userID
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// SendIncomingCall rings the callees' devices
func (s *Service) SendIncomingCall(ctx context.Context, data *CallNotificationData, calleeIDs []uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data:     callData("call", data),
	}
	return s.send(ctx, "incoming_call", notification, calleeIDs)
}

// SendMissedCall tells callees they missed a call
func (s *Service) SendMissedCall(ctx context.Context, data *CallNotificationData, calleeIDs []uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data:     callData("missed_call", data),
	}
	return s.send(ctx, "missed_call", notification, calleeIDs)
}

func callData(kind string, data *CallNotificationData) map[string]string {
	return map[string]string{
		"type":            kind,
		"call_id":         data.CallID.String(),
		"conversation_id": data.ConversationID.String(),
		"caller_id":       data.CallerID.String(),
		"caller_name":     data.CallerName,
		"call_type":       data.CallType,
		"timestamp":       fmt.Sprintf("%d", data.Timestamp),
	}
}

func (s *Service) send(ctx context.Context, notifType string, notification *Notification, userIDs []uuid.UUID) error {
	owners := make(map[string]uuid.UUID)
	var tokens []string
	for _, userID := range userIDs {
		userTokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, t := range userTokens {
			owners[t.Token] = userID
			tokens = append(tokens, t.Token)
		}
	}

	if len(tokens) == 0 {
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		s.recordFailure(notifType)
		return fmt.Errorf("failed to send %s notification: %w", notifType, err)
	}

	for i := 0; i < result.SuccessCount; i++ {
		s.recordSuccess(notifType)
	}
	for i := 0; i < result.FailureCount; i++ {
		s.recordFailure(notifType)
	}

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.Delete(ctx, owners[invalid], invalid); err != nil {
			logger.Warn("Failed to drop invalid push token", zap.Error(err))
		}
	}

	logger.Debug("Push notification sent",
		zap.String("type", notifType),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	return nil
}

func (s *Service) recordSuccess(notifType string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotification(notifType, s.provider.Name())
	}
}

func (s *Service) recordFailure(notifType string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotificationFailure(notifType, s.provider.Name())
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	Sent []*Notification
}

func (m *MockProvider) Name() string { return "mock" }

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Count returns how many notifications were sent
func (m *MockProvider) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
