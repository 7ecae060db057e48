package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/call"
	"huddle-backend/pkg/constants"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/response"
)

// CallService is the call state machine as seen by signaling clients
type CallService interface {
	Initiate(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error)
	Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	MarkRinging(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	UpdateSettings(ctx context.Context, callID, userID uuid.UUID, patch domain.SettingsPatch) (*domain.Call, error)
	GetActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error)
	AuthorizeMedia(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Call, error)
	View(ctx context.Context, c *domain.Call) *call.CallView
	Views(ctx context.Context, calls []*domain.Call) []*call.CallView
}

// MediaService is the media room manager as seen by signaling clients
type MediaService interface {
	EnsureRoom(ctx context.Context, conversationID uuid.UUID) (*domain.RoomInfo, error)
	OpenTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, direction domain.TransportDirection) (*domain.TransportParams, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, remote domain.HandshakeParams) error
	CreateProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, source domain.MediaSource, rtp domain.RtpParameters) (*domain.ProducerInfo, error)
	CreateConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID, producerID string, receiver domain.RtpCapabilities) (*domain.ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error
	CloseProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, producerID string) error
	CloseConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error
	ListExistingProducers(roomID domain.RoomID, excludingPeerID uuid.UUID) ([]domain.ProducerInfo, error)
	RemovePeer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID) error
}

// Options bound the gateway
type Options struct {
	MaxConnections int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	// AllowedOrigins lists browser origins allowed to connect; "*" allows any
	AllowedOrigins []string
}

// Gateway upgrades authenticated requests to signaling connections and maps
// their requests onto the call and media services
type Gateway struct {
	hub   *Hub
	calls CallService
	media MediaService

	upgrader       websocket.Upgrader
	semaphore      chan struct{}
	pingInterval   time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewGateway creates a signaling gateway
func NewGateway(hub *Hub, calls CallService, media MediaService, opts Options, m *metrics.Metrics) *Gateway {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = constants.DefaultTimeout
	}

	g := &Gateway{
		hub:            hub,
		calls:          calls,
		media:          media,
		semaphore:      make(chan struct{}, opts.MaxConnections),
		pingInterval:   opts.PingInterval,
		writeTimeout:   opts.WriteTimeout,
		requestTimeout: opts.RequestTimeout,
		metrics:        m,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

// originChecker rejects browsers from unknown origins. Requests without an
// Origin header only pass when every origin is allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return func(r *http.Request) bool {
		if origins["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin != "" && origins[origin]
	}
}

func (g *Gateway) pongWait() time.Duration {
	if wait := g.pingInterval * 2; wait > constants.WebSocketPongWait {
		return wait
	}
	return constants.WebSocketPongWait
}

// ServeWS handles GET /v1/calls/ws
func (g *Gateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("Signaling connection rejected: max connections reached",
			zap.Int("max_connections", cap(g.semaphore)))
		response.ServiceUnavailable(c, "Server at capacity, please try again later")
		return
	}

	userID, ok := userFromContext(c)
	if !ok {
		<-g.semaphore
		response.Unauthorized(c, "Missing or invalid user")
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		logger.Warn("Signaling upgrade failed", logger.UserID(userID), zap.Error(err))
		return
	}

	client := newClient(g, conn, userID)
	g.hub.register(client.ctx, client)

	go client.writePump()
	go func() {
		defer func() { <-g.semaphore }()
		client.readPump()
	}()
}

func userFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// handle runs one request and builds its response
func (g *Gateway) handle(ctx context.Context, userID uuid.UUID, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	start := time.Now()
	g.metrics.RecordWebSocketMessage(req.Method, "in")

	data, err := g.dispatch(ctx, userID, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = apperrors.Wrap(apperrors.ErrCodeServiceUnavail, "request timed out", err)
		}
		body := errorBody(err)
		g.metrics.RecordWebSocketError(body.Code)
		if body.Code == string(apperrors.ErrCodeInternal) || body.Code == string(apperrors.ErrCodeDatabase) {
			logger.Error("Signaling request failed",
				logger.UserID(userID),
				zap.String("method", req.Method),
				zap.Error(err))
		} else {
			logger.Debug("Signaling request rejected",
				logger.UserID(userID),
				zap.String("method", req.Method),
				zap.String("code", body.Code))
		}
		return Response{ID: req.ID, Error: body}
	}

	logger.Debug("Signaling request handled",
		logger.UserID(userID),
		zap.String("method", req.Method),
		zap.Duration("duration", time.Since(start)))
	return Response{ID: req.ID, OK: true, Data: data}
}

func (g *Gateway) dispatch(ctx context.Context, userID uuid.UUID, req Request) (any, error) {
	switch req.Method {
	case MethodCallInitiate:
		var p initiateParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == uuid.Nil {
			return nil, apperrors.ValidationError("conversation_id is required")
		}
		return g.view(ctx)(g.calls.Initiate(ctx, userID, p.ConversationID, p.CallType))

	case MethodCallJoin, MethodCallDecline, MethodCallLeave, MethodCallEnd, MethodCallCancel, MethodCallRing:
		var p callParams
		if err := decodeCall(req.Data, &p); err != nil {
			return nil, err
		}
		return g.view(ctx)(g.callOp(req.Method)(ctx, p.CallID, userID))

	case MethodCallSettings:
		var p settingsParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if p.CallID == uuid.Nil {
			return nil, apperrors.ValidationError("call_id is required")
		}
		return g.view(ctx)(g.calls.UpdateSettings(ctx, p.CallID, userID, p.SettingsPatch))

	case MethodCallActive:
		calls, err := g.calls.GetActiveCallsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return g.calls.Views(ctx, calls), nil
	}

	return g.dispatchMedia(ctx, userID, req)
}

func (g *Gateway) dispatchMedia(ctx context.Context, userID uuid.UUID, req Request) (any, error) {
	switch req.Method {
	case MethodMediaCapabilities:
		var p roomParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		room, err := g.joinRoom(ctx, p.RoomID, userID)
		if err != nil {
			return nil, err
		}
		return &capabilitiesResult{RoomID: room.ID, RtpCapabilities: room.RtpCapabilities}, nil

	case MethodMediaOpenTransport:
		var p openTransportParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if _, err := g.joinRoom(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return g.media.OpenTransport(ctx, p.RoomID, userID, p.Direction)

	case MethodMediaConnectTransport:
		var p connectTransportParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return nil, g.media.ConnectTransport(ctx, p.RoomID, userID, p.TransportID, p.HandshakeParams)

	case MethodMediaProduce:
		var p produceParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return g.media.CreateProducer(ctx, p.RoomID, userID, p.TransportID, p.Source, p.RtpParameters)

	case MethodMediaConsume:
		var p consumeParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return g.media.CreateConsumer(ctx, p.RoomID, userID, p.TransportID, p.ProducerID, p.RtpCapabilities)

	case MethodMediaResumeConsumer:
		var p consumerParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return nil, g.media.ResumeConsumer(ctx, p.RoomID, userID, p.ConsumerID)

	case MethodMediaListProducers:
		var p roomParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return g.media.ListExistingProducers(p.RoomID, userID)

	// closing needs no call membership; the room only lets peers close their own objects
	case MethodMediaCloseProducer:
		var p producerParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.media.CloseProducer(ctx, p.RoomID, userID, p.ProducerID)

	case MethodMediaCloseConsumer:
		var p consumerParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.media.CloseConsumer(ctx, p.RoomID, userID, p.ConsumerID)

	case MethodMediaLeave:
		var p roomParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		err := g.media.RemovePeer(ctx, p.RoomID, userID)
		if apperrors.Is(err, apperrors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return nil, apperrors.ValidationError(fmt.Sprintf("unknown method %q", req.Method))
}

func (g *Gateway) callOp(method string) func(context.Context, uuid.UUID, uuid.UUID) (*domain.Call, error) {
	switch method {
	case MethodCallJoin:
		return g.calls.Join
	case MethodCallDecline:
		return g.calls.Decline
	case MethodCallLeave:
		return g.calls.Leave
	case MethodCallEnd:
		return g.calls.End
	case MethodCallCancel:
		return g.calls.Cancel
	default:
		return g.calls.MarkRinging
	}
}

// view renders the call returned by a state machine operation
func (g *Gateway) view(ctx context.Context) func(*domain.Call, error) (any, error) {
	return func(c *domain.Call, err error) (any, error) {
		if err != nil {
			return nil, err
		}
		return g.calls.View(ctx, c), nil
	}
}

// authorize admits connected participants of the conversation's live call
func (g *Gateway) authorize(ctx context.Context, roomID domain.RoomID, userID uuid.UUID) error {
	_, err := g.conversationFor(ctx, roomID, userID)
	return err
}

func (g *Gateway) conversationFor(ctx context.Context, roomID domain.RoomID, userID uuid.UUID) (uuid.UUID, error) {
	conversationID, ok := roomID.ConversationID()
	if !ok {
		return uuid.Nil, apperrors.ValidationError(fmt.Sprintf("invalid roomId %q", roomID))
	}
	if _, err := g.calls.AuthorizeMedia(ctx, conversationID, userID); err != nil {
		return uuid.Nil, err
	}
	return conversationID, nil
}

// joinRoom authorizes the user and makes sure the room exists
func (g *Gateway) joinRoom(ctx context.Context, roomID domain.RoomID, userID uuid.UUID) (*domain.RoomInfo, error) {
	conversationID, err := g.conversationFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return g.media.EnsureRoom(ctx, conversationID)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperrors.ValidationError("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeValidation, "invalid data", err)
	}
	return nil
}

func decodeCall(raw json.RawMessage, p *callParams) error {
	if err := decode(raw, p); err != nil {
		return err
	}
	if p.CallID == uuid.Nil {
		return apperrors.ValidationError("call_id is required")
	}
	return nil
}

func errorBody(err error) *ErrorBody {
	appErr := apperrors.GetAppError(err)
	message := appErr.Message
	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		message = "Internal server error"
	}
	return &ErrorBody{Code: string(appErr.Code), Message: message}
}
