package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/call"
	apperrors "huddle-backend/pkg/errors"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) result(args mock.Arguments) (*domain.Call, error) {
	c, _ := args.Get(0).(*domain.Call)
	return c, args.Error(1)
}

func (m *MockService) Initiate(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	return m.result(m.Called(ctx, callerID, conversationID, callType))
}

func (m *MockService) Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) MarkRinging(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) UpdateSettings(ctx context.Context, callID, userID uuid.UUID, patch domain.SettingsPatch) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID, patch))
}

func (m *MockService) GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockService) GetActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	args := m.Called(ctx, userID)
	calls, _ := args.Get(0).([]*domain.Call)
	return calls, args.Error(1)
}

func (m *MockService) GetCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	calls, _ := args.Get(0).([]*domain.Call)
	return calls, args.Error(1)
}

func (m *MockService) View(ctx context.Context, c *domain.Call) *call.CallView {
	return &call.CallView{CallID: c.CallID, Status: c.Status}
}

func (m *MockService) Views(ctx context.Context, calls []*domain.Call) []*call.CallView {
	views := make([]*call.CallView, 0, len(calls))
	for _, c := range calls {
		views = append(views, m.View(ctx, c))
	}
	return views
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func setupRouter(svc Service, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set("user_id", userID)
		}
	})
	NewHandler(svc).RegisterRoutes(v1)
	return r
}

func serve(t *testing.T, r *gin.Engine, method, target, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestInitiateCall(t *testing.T) {
	svc := new(MockService)
	userID, convID, callID := uuid.New(), uuid.New(), uuid.New()
	svc.On("Initiate", mock.Anything, userID, convID, domain.CallTypeVideo).
		Return(&domain.Call{CallID: callID, Status: domain.CallStatusRinging}, nil)

	code, env := serve(t, setupRouter(svc, userID), http.MethodPost, "/v1/calls",
		`{"conversation_id":"`+convID.String()+`","call_type":"video"}`)

	require.Equal(t, http.StatusCreated, code)
	var view call.CallView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, callID, view.CallID)
	assert.Equal(t, domain.CallStatusRinging, view.Status)
	svc.AssertExpectations(t)
}

func TestInitiateCall_Validation(t *testing.T) {
	svc := new(MockService)
	r := setupRouter(svc, uuid.New())

	for _, body := range []string{
		`{"call_type":"video"}`,
		`{"conversation_id":"nope","call_type":"video"}`,
		`{"conversation_id":"` + uuid.NewString() + `","call_type":"hologram"}`,
	} {
		code, env := serve(t, r, http.MethodPost, "/v1/calls", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.Equal(t, string(apperrors.ErrCodeValidation), env.Error.Code)
	}
	svc.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_Conflict(t *testing.T) {
	svc := new(MockService)
	userID := uuid.New()
	svc.On("Initiate", mock.Anything, userID, mock.Anything, domain.CallTypeAudio).
		Return(nil, apperrors.ConflictError("conversation already has a live call"))

	code, env := serve(t, setupRouter(svc, userID), http.MethodPost, "/v1/calls",
		`{"conversation_id":"`+uuid.NewString()+`","call_type":"audio"}`)

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(apperrors.ErrCodeConflict), env.Error.Code)
}

func TestTransitions(t *testing.T) {
	userID, callID := uuid.New(), uuid.New()
	ops := map[string]string{
		"join":    "Join",
		"ring":    "MarkRinging",
		"decline": "Decline",
		"leave":   "Leave",
		"end":     "End",
		"cancel":  "Cancel",
	}

	for path, method := range ops {
		t.Run(path, func(t *testing.T) {
			svc := new(MockService)
			svc.On(method, mock.Anything, callID, userID).
				Return(&domain.Call{CallID: callID, Status: domain.CallStatusActive}, nil)

			code, env := serve(t, setupRouter(svc, userID), http.MethodPost, "/v1/calls/"+callID.String()+"/"+path, "")
			assert.Equal(t, http.StatusOK, code)
			assert.True(t, env.Success)
			svc.AssertExpectations(t)
		})
	}
}

func TestTransition_ErrorMapping(t *testing.T) {
	userID, callID := uuid.New(), uuid.New()
	tests := []struct {
		err  error
		code int
	}{
		{apperrors.NotFoundError("Call"), http.StatusNotFound},
		{apperrors.PermissionDeniedError("not a participant of this call"), http.StatusForbidden},
		{apperrors.InvalidStateError("call is not ringing"), http.StatusConflict},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc := new(MockService)
		svc.On("Decline", mock.Anything, callID, userID).Return(nil, tt.err)

		code, _ := serve(t, setupRouter(svc, userID), http.MethodPost, "/v1/calls/"+callID.String()+"/decline", "")
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestTransition_BadCallID(t *testing.T) {
	code, env := serve(t, setupRouter(new(MockService), uuid.New()), http.MethodPost, "/v1/calls/123/join", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.ErrCodeValidation), env.Error.Code)
}

func TestUnauthenticated(t *testing.T) {
	code, env := serve(t, setupRouter(new(MockService), uuid.Nil), http.MethodGet, "/v1/calls/active", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, string(apperrors.ErrCodeUnauthorized), env.Error.Code)
}

func TestUpdateSettings(t *testing.T) {
	svc := new(MockService)
	userID, callID := uuid.New(), uuid.New()
	on := true
	svc.On("UpdateSettings", mock.Anything, callID, userID, domain.SettingsPatch{ScreenShare: &on}).
		Return(&domain.Call{CallID: callID, Status: domain.CallStatusActive}, nil)

	code, _ := serve(t, setupRouter(svc, userID), http.MethodPatch, "/v1/calls/"+callID.String()+"/settings", `{"screen_share":true}`)
	assert.Equal(t, http.StatusOK, code)
	svc.AssertExpectations(t)
}

func TestGetCallHistory_Pages(t *testing.T) {
	svc := new(MockService)
	userID := uuid.New()
	history := []*domain.Call{
		{CallID: uuid.New(), Status: domain.CallStatusEnded},
		{CallID: uuid.New(), Status: domain.CallStatusMissed},
		{CallID: uuid.New(), Status: domain.CallStatusDeclined},
	}
	svc.On("GetCallHistory", mock.Anything, userID, 3, 2).Return(history, nil)

	code, env := serve(t, setupRouter(svc, userID), http.MethodGet, "/v1/calls/history?page=2&limit=2", "")
	require.Equal(t, http.StatusOK, code)

	var page struct {
		Page    int              `json:"page"`
		HasMore bool             `json:"has_more"`
		Items   []*call.CallView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 2, page.Page)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Items, 2)
}

func TestGetActiveAndGetCall(t *testing.T) {
	svc := new(MockService)
	userID, callID := uuid.New(), uuid.New()
	live := &domain.Call{CallID: callID, Status: domain.CallStatusRinging}
	svc.On("GetActiveCallsForUser", mock.Anything, userID).Return([]*domain.Call{live}, nil)
	svc.On("GetCall", mock.Anything, callID, userID).Return(live, nil)
	r := setupRouter(svc, userID)

	code, env := serve(t, r, http.MethodGet, "/v1/calls/active", "")
	require.Equal(t, http.StatusOK, code)
	var views []*call.CallView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	assert.Len(t, views, 1)

	code, _ = serve(t, r, http.MethodGet, "/v1/calls/"+callID.String(), "")
	assert.Equal(t, http.StatusOK, code)
}
