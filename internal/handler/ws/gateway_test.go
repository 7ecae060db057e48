package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/call"
	apperrors "huddle-backend/pkg/errors"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) callResult(args mock.Arguments) (*domain.Call, error) {
	c, _ := args.Get(0).(*domain.Call)
	return c, args.Error(1)
}

func (m *MockCallService) Initiate(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callerID, conversationID, callType))
}

func (m *MockCallService) Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) MarkRinging(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID))
}

func (m *MockCallService) UpdateSettings(ctx context.Context, callID, userID uuid.UUID, patch domain.SettingsPatch) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, callID, userID, patch))
}

func (m *MockCallService) GetActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	args := m.Called(ctx, userID)
	calls, _ := args.Get(0).([]*domain.Call)
	return calls, args.Error(1)
}

func (m *MockCallService) AuthorizeMedia(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Call, error) {
	return m.callResult(m.Called(ctx, conversationID, userID))
}

func (m *MockCallService) View(ctx context.Context, c *domain.Call) *call.CallView {
	return &call.CallView{CallID: c.CallID, Status: c.Status}
}

func (m *MockCallService) Views(ctx context.Context, calls []*domain.Call) []*call.CallView {
	out := make([]*call.CallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, m.View(ctx, c))
	}
	return out
}

type MockMediaService struct {
	mock.Mock
}

func (m *MockMediaService) EnsureRoom(ctx context.Context, conversationID uuid.UUID) (*domain.RoomInfo, error) {
	args := m.Called(ctx, conversationID)
	info, _ := args.Get(0).(*domain.RoomInfo)
	return info, args.Error(1)
}

func (m *MockMediaService) OpenTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, direction domain.TransportDirection) (*domain.TransportParams, error) {
	args := m.Called(ctx, roomID, peerID, direction)
	params, _ := args.Get(0).(*domain.TransportParams)
	return params, args.Error(1)
}

func (m *MockMediaService) ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, remote domain.HandshakeParams) error {
	return m.Called(ctx, roomID, peerID, transportID, remote).Error(0)
}

func (m *MockMediaService) CreateProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, source domain.MediaSource, rtp domain.RtpParameters) (*domain.ProducerInfo, error) {
	args := m.Called(ctx, roomID, peerID, transportID, source, rtp)
	info, _ := args.Get(0).(*domain.ProducerInfo)
	return info, args.Error(1)
}

func (m *MockMediaService) CreateConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID, producerID string, receiver domain.RtpCapabilities) (*domain.ConsumerInfo, error) {
	args := m.Called(ctx, roomID, peerID, transportID, producerID, receiver)
	info, _ := args.Get(0).(*domain.ConsumerInfo)
	return info, args.Error(1)
}

func (m *MockMediaService) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error {
	return m.Called(ctx, roomID, peerID, consumerID).Error(0)
}

func (m *MockMediaService) CloseProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, producerID string) error {
	return m.Called(ctx, roomID, peerID, producerID).Error(0)
}

func (m *MockMediaService) CloseConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error {
	return m.Called(ctx, roomID, peerID, consumerID).Error(0)
}

func (m *MockMediaService) ListExistingProducers(roomID domain.RoomID, excludingPeerID uuid.UUID) ([]domain.ProducerInfo, error) {
	args := m.Called(roomID, excludingPeerID)
	list, _ := args.Get(0).([]domain.ProducerInfo)
	return list, args.Error(1)
}

func (m *MockMediaService) RemovePeer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID) error {
	return m.Called(ctx, roomID, peerID).Error(0)
}

type recordingPresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

func (p *recordingPresence) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = true
	return nil
}

func (p *recordingPresence) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = false
	return nil
}

func (p *recordingPresence) RefreshPresence(ctx context.Context, userID uuid.UUID) error { return nil }

func (p *recordingPresence) isOnline(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func request(t *testing.T, method string, data any) Request {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Request{ID: "1", Method: method, Data: raw}
}

func newTestGateway() (*Gateway, *MockCallService, *MockMediaService) {
	calls := new(MockCallService)
	media := new(MockMediaService)
	g := NewGateway(NewHub(nil, nil, nil), calls, media, Options{AllowedOrigins: []string{"*"}}, nil)
	return g, calls, media
}

func TestHandle_CallOperations(t *testing.T) {
	g, calls, _ := newTestGateway()
	ctx := context.Background()
	userID, callID := uuid.New(), uuid.New()
	active := &domain.Call{CallID: callID, Status: domain.CallStatusActive}

	calls.On("Join", mock.Anything, callID, userID).Return(active, nil)
	calls.On("Leave", mock.Anything, callID, userID).Return(nil, apperrors.PermissionDeniedError("not a participant of this call"))

	resp := g.handle(ctx, userID, request(t, MethodCallJoin, map[string]any{"call_id": callID}))
	require.True(t, resp.OK)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, callID, resp.Data.(*call.CallView).CallID)

	resp = g.handle(ctx, userID, request(t, MethodCallLeave, map[string]any{"call_id": callID}))
	assert.False(t, resp.OK)
	assert.Equal(t, string(apperrors.ErrCodePermissionDenied), resp.Error.Code)

	resp = g.handle(ctx, userID, request(t, MethodCallEnd, map[string]any{}))
	assert.Equal(t, string(apperrors.ErrCodeValidation), resp.Error.Code)

	resp = g.handle(ctx, userID, Request{ID: "9", Method: "call.teleport"})
	assert.Equal(t, "9", resp.ID)
	assert.Equal(t, string(apperrors.ErrCodeValidation), resp.Error.Code)

	calls.AssertExpectations(t)
}

func TestHandle_InitiateAndSettings(t *testing.T) {
	g, calls, _ := newTestGateway()
	ctx := context.Background()
	userID, convID, callID := uuid.New(), uuid.New(), uuid.New()
	created := &domain.Call{CallID: callID, Status: domain.CallStatusRinging}

	calls.On("Initiate", mock.Anything, userID, convID, domain.CallTypeAudio).Return(created, nil)
	muted := true
	calls.On("UpdateSettings", mock.Anything, callID, userID, domain.SettingsPatch{MuteAudio: &muted}).Return(created, nil)

	resp := g.handle(ctx, userID, request(t, MethodCallInitiate, map[string]any{
		"conversation_id": convID,
		"call_type":       "audio",
	}))
	require.True(t, resp.OK, resp.Error)

	resp = g.handle(ctx, userID, request(t, MethodCallSettings, map[string]any{
		"call_id":    callID,
		"mute_audio": true,
	}))
	require.True(t, resp.OK, resp.Error)

	calls.AssertExpectations(t)
}

func TestHandle_InternalErrorsAreMasked(t *testing.T) {
	g, calls, _ := newTestGateway()
	userID := uuid.New()
	calls.On("GetActiveCallsForUser", mock.Anything, userID).Return(nil, assert.AnError)

	resp := g.handle(context.Background(), userID, Request{ID: "2", Method: MethodCallActive})
	require.False(t, resp.OK)
	assert.Equal(t, string(apperrors.ErrCodeInternal), resp.Error.Code)
	assert.Equal(t, "Internal server error", resp.Error.Message)
}

func TestHandle_MediaRequiresConnectedParticipant(t *testing.T) {
	g, calls, media := newTestGateway()
	ctx := context.Background()
	userID, convID := uuid.New(), uuid.New()
	roomID := domain.RoomIDFor(convID)

	calls.On("AuthorizeMedia", mock.Anything, convID, userID).
		Return(nil, apperrors.PermissionDeniedError("join the call before using its media room"))

	resp := g.handle(ctx, userID, request(t, MethodMediaOpenTransport, map[string]any{
		"roomId":    roomID,
		"direction": "send",
	}))
	assert.Equal(t, string(apperrors.ErrCodePermissionDenied), resp.Error.Code)

	resp = g.handle(ctx, userID, request(t, MethodMediaCapabilities, map[string]any{"roomId": "lobby"}))
	assert.Equal(t, string(apperrors.ErrCodeValidation), resp.Error.Code)

	media.AssertNotCalled(t, "OpenTransport", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	media.AssertNotCalled(t, "EnsureRoom", mock.Anything, mock.Anything)
}

func TestHandle_MediaFlow(t *testing.T) {
	g, calls, media := newTestGateway()
	ctx := context.Background()
	userID, convID := uuid.New(), uuid.New()
	roomID := domain.RoomIDFor(convID)
	room := &domain.RoomInfo{ID: roomID, ConversationID: convID, RtpCapabilities: domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000}},
	}}

	calls.On("AuthorizeMedia", mock.Anything, convID, userID).Return(&domain.Call{CallID: uuid.New()}, nil)
	media.On("EnsureRoom", mock.Anything, convID).Return(room, nil)
	media.On("OpenTransport", mock.Anything, roomID, userID, domain.DirectionSend).
		Return(&domain.TransportParams{ID: "t1", Direction: domain.DirectionSend}, nil)
	media.On("ResumeConsumer", mock.Anything, roomID, userID, "c1").Return(nil)
	media.On("ListExistingProducers", roomID, userID).Return([]domain.ProducerInfo{{ID: "p1"}}, nil)
	media.On("RemovePeer", mock.Anything, roomID, userID).Return(apperrors.NotFoundError("Peer"))

	resp := g.handle(ctx, userID, request(t, MethodMediaCapabilities, map[string]any{"roomId": roomID}))
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, room.RtpCapabilities, resp.Data.(*capabilitiesResult).RtpCapabilities)

	resp = g.handle(ctx, userID, request(t, MethodMediaOpenTransport, map[string]any{"roomId": roomID, "direction": "send"}))
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "t1", resp.Data.(*domain.TransportParams).ID)

	resp = g.handle(ctx, userID, request(t, MethodMediaResumeConsumer, map[string]any{"roomId": roomID, "consumerId": "c1"}))
	assert.True(t, resp.OK, resp.Error)
	assert.Nil(t, resp.Data)

	resp = g.handle(ctx, userID, request(t, MethodMediaListProducers, map[string]any{"roomId": roomID}))
	require.True(t, resp.OK, resp.Error)
	assert.Len(t, resp.Data.([]domain.ProducerInfo), 1)

	resp = g.handle(ctx, userID, request(t, MethodMediaLeave, map[string]any{"roomId": roomID}))
	assert.True(t, resp.OK, "leaving twice is harmless")

	media.AssertExpectations(t)
}

func TestHub_DeliversToEveryConnectionOfAUser(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	g := NewGateway(hub, nil, nil, Options{}, nil)
	userID, other := uuid.New(), uuid.New()

	first := newClient(g, nil, userID)
	second := newClient(g, nil, userID)
	stranger := newClient(g, nil, other)
	for _, c := range []*Client{first, second, stranger} {
		hub.register(context.Background(), c)
	}

	hub.NotifyUsers(context.Background(), []uuid.UUID{userID}, domain.NewEvent(domain.EventCallIncoming, map[string]string{"k": "v"}))

	for _, c := range []*Client{first, second} {
		select {
		case frame := <-c.send:
			var ev map[string]any
			require.NoError(t, json.Unmarshal(frame, &ev))
			assert.Equal(t, "call-incoming", ev["event"])
			assert.NotEmpty(t, ev["ts"])
		default:
			t.Fatal("event not delivered")
		}
	}
	assert.Empty(t, stranger.send)
}

func TestHub_RelayDoesNotBlockNotify(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	release := make(chan struct{})
	published := make(chan envelope, 4)
	hub.publish = func(ctx context.Context, msg []byte) error {
		<-release
		var env envelope
		assert.NoError(t, json.Unmarshal(msg, &env))
		published <- env
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first, second := uuid.New(), uuid.New()
	notified := make(chan struct{})
	go func() {
		defer close(notified)
		hub.NotifyUsers(ctx, []uuid.UUID{first}, domain.NewEvent(domain.EventCallIncoming, nil))
		hub.NotifyUsers(ctx, []uuid.UUID{second}, domain.NewEvent(domain.EventCallEnded, nil))
	}()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyUsers waited on the relay")
	}

	close(release)
	for _, want := range []uuid.UUID{first, second} {
		select {
		case env := <-published:
			assert.Equal(t, []uuid.UUID{want}, env.UserIDs, "relayed in order")
			assert.Equal(t, hub.instanceID, env.Origin)
		case <-time.After(2 * time.Second):
			t.Fatal("event was not relayed")
		}
	}
}

func TestHub_PresenceFollowsLastConnection(t *testing.T) {
	presence := &recordingPresence{online: make(map[uuid.UUID]bool)}
	hub := NewHub(nil, presence, nil)
	g := NewGateway(hub, nil, nil, Options{}, nil)
	userID := uuid.New()
	ctx := context.Background()

	a := newClient(g, nil, userID)
	b := newClient(g, nil, userID)
	hub.register(ctx, a)
	hub.register(ctx, b)
	assert.True(t, presence.isOnline(userID))

	hub.unregister(ctx, a)
	assert.True(t, presence.isOnline(userID))
	assert.True(t, hub.IsConnected(userID))

	hub.unregister(ctx, b)
	assert.False(t, presence.isOnline(userID))
	assert.False(t, hub.IsConnected(userID))
}

func TestClient_SlowConsumerIsDisconnected(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	g := NewGateway(hub, nil, nil, Options{}, nil)
	c := newClient(g, nil, uuid.New())

	for i := 0; i < cap(c.send); i++ {
		require.True(t, c.enqueue([]byte("x")))
	}
	assert.False(t, c.enqueue([]byte("overflow")))
	assert.Error(t, c.ctx.Err())
	assert.False(t, c.enqueue([]byte("after close")))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/ws", nil)
	assert.False(t, check(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestServeWS_RoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, calls, _ := newTestGateway()
	userID := uuid.New()
	calls.On("GetActiveCallsForUser", mock.Anything, userID).Return([]*domain.Call{}, nil)

	router := gin.New()
	router.GET("/v1/calls/ws", func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	}, g.ServeWS)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/calls/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Request{ID: "42", Method: MethodCallActive}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		ID   string            `json:"id"`
		OK   bool              `json:"ok"`
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "42", resp.ID)
	assert.True(t, resp.OK)

	require.Eventually(t, func() bool { return g.hub.IsConnected(userID) }, time.Second, 10*time.Millisecond)
	g.hub.NotifyUsers(context.Background(), []uuid.UUID{userID}, domain.NewEvent(domain.EventCallEnded, nil))

	var push domain.Event
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, domain.EventCallEnded, push.Type)
}
