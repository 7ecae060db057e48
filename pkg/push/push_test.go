package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/pkg/resilience"
)

type memoryTokens struct {
	mu     sync.Mutex
	tokens map[uuid.UUID][]*Token
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{tokens: make(map[uuid.UUID][]*Token)}
}

func (m *memoryTokens) Store(ctx context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.UserID] = append(m.tokens[token.UserID], token)
	return nil
}

func (m *memoryTokens) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Token(nil), m.tokens[userID]...), nil
}

func (m *memoryTokens) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[userID][:0]
	for _, t := range m.tokens[userID] {
		if t.Token != token {
			kept = append(kept, t)
		}
	}
	m.tokens[userID] = kept
	return nil
}

// MockPushProvider is a mock implementation of Provider
type MockPushProvider struct {
	mock.Mock
}

func (m *MockPushProvider) Name() string { return "test" }

func (m *MockPushProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	args := m.Called(ctx, notification, tokens)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SendResult), args.Error(1)
}

type countingMetrics struct {
	sent, failed int
}

func (c *countingMetrics) RecordPushNotification(notifType, platform string) { c.sent++ }
func (c *countingMetrics) RecordPushNotificationFailure(notifType, platform string) { c.failed++ }

func TestSendIncomingCall_UsesEveryCalleeToken(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryTokens()
	provider := &MockProvider{}
	svc := NewService(provider, repo, nil)

	b, d := uuid.New(), uuid.New()
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: b, Token: "b-phone", Type: TokenTypeFCM}))
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: d, Token: "d-phone", Type: TokenTypeAPNs}))

	data := &CallNotificationData{CallID: uuid.New(), CallerName: "Alice", CallType: "video"}
	require.NoError(t, svc.SendIncomingCall(ctx, data, []uuid.UUID{b, d}))

	require.Equal(t, 1, provider.Count())
	sent := provider.Sent[0]
	assert.Equal(t, "Alice is calling you", sent.Body)
	assert.Equal(t, "high", sent.Priority)
	assert.Equal(t, "call", sent.Data["type"])
	assert.Equal(t, data.CallID.String(), sent.Data["call_id"])
}

func TestSend_NoTokensIsNoop(t *testing.T) {
	provider := new(MockPushProvider)
	svc := NewService(provider, newMemoryTokens(), nil)

	err := svc.SendMissedCall(context.Background(), &CallNotificationData{}, []uuid.UUID{uuid.New()})
	assert.NoError(t, err)
	provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_DropsInvalidTokens(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryTokens()
	provider := new(MockPushProvider)
	metrics := &countingMetrics{}
	svc := NewService(provider, repo, metrics)

	userID := uuid.New()
	require.NoError(t, repo.Store(ctx, &Token{UserID: userID, Token: "good"}))
	require.NoError(t, repo.Store(ctx, &Token{UserID: userID, Token: "stale"}))

	provider.On("Send", mock.Anything, mock.Anything, []string{"good", "stale"}).
		Return(&SendResult{SuccessCount: 1, FailureCount: 1, InvalidTokens: []string{"stale"}}, nil)

	require.NoError(t, svc.SendMissedCall(ctx, &CallNotificationData{CallerName: "Bob"}, []uuid.UUID{userID}))

	left, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "good", left[0].Token)
	assert.Equal(t, 1, metrics.sent)
	assert.Equal(t, 1, metrics.failed)
}

func TestSend_ProviderError(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryTokens()
	provider := new(MockPushProvider)
	metrics := &countingMetrics{}
	svc := NewService(provider, repo, metrics)

	userID := uuid.New()
	require.NoError(t, repo.Store(ctx, &Token{UserID: userID, Token: "t"}))
	provider.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))

	err := svc.SendIncomingCall(ctx, &CallNotificationData{}, []uuid.UUID{userID})
	assert.Error(t, err)
	assert.Equal(t, 1, metrics.failed)
}

func TestGuardedProvider_StopsCallingAfterFailures(t *testing.T) {
	ctx := context.Background()
	provider := new(MockPushProvider)
	provider.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))
	guarded := Guard(provider, resilience.NewCircuitBreaker("push", 2, time.Minute, nil))

	for i := 0; i < 4; i++ {
		_, err := guarded.Send(ctx, &Notification{}, []string{"t"})
		assert.Error(t, err)
	}
	provider.AssertNumberOfCalls(t, "Send", 2)
	assert.Equal(t, "test", guarded.Name())
}
