package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/call"
	"huddle-backend/pkg/pagination"
	"huddle-backend/pkg/response"
)

// Service is the part of the call service exposed over REST
type Service interface {
	Initiate(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error)
	Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	MarkRinging(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	UpdateSettings(ctx context.Context, callID, userID uuid.UUID, patch domain.SettingsPatch) (*domain.Call, error)
	GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	GetActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error)
	GetCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	View(ctx context.Context, c *domain.Call) *call.CallView
	Views(ctx context.Context, calls []*domain.Call) []*call.CallView
}

type transition func(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)

// Handler handles call HTTP requests
type Handler struct {
	calls Service
}

// NewHandler creates a new call handler
func NewHandler(calls Service) *Handler {
	return &Handler{calls: calls}
}

// RegisterRoutes mounts the call endpoints on an authenticated group.
// initiate wraps POST /calls, e.g. with a rate limiter.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, initiate ...gin.HandlerFunc) {
	calls := rg.Group("/calls")
	calls.POST("", append(initiate, h.InitiateCall)...)
	calls.GET("/active", h.GetActiveCalls)
	calls.GET("/history", h.GetCallHistory)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/join", h.transition(h.calls.Join))
	calls.POST("/:id/ring", h.transition(h.calls.MarkRinging))
	calls.POST("/:id/decline", h.transition(h.calls.Decline))
	calls.POST("/:id/leave", h.transition(h.calls.Leave))
	calls.POST("/:id/end", h.transition(h.calls.End))
	calls.POST("/:id/cancel", h.transition(h.calls.Cancel))
	calls.PATCH("/:id/settings", h.UpdateSettings)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
}

// InitiateCall starts a call in a conversation and rings its other members
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	created, err := h.calls.Initiate(c.Request.Context(), userID, conversationID, domain.CallType(req.CallType))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, h.calls.View(c.Request.Context(), created))
}

// GetCall returns one call the user takes part in
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	found, err := h.calls.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.calls.View(c.Request.Context(), found))
}

// GetActiveCalls lists live calls the user is invited to or connected to
// GET /v1/calls/active
func (h *Handler) GetActiveCalls(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	active, err := h.calls.GetActiveCallsForUser(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.calls.Views(c.Request.Context(), active))
}

// GetCallHistory pages through the user's calls, newest first
// GET /v1/calls/history?page=1&limit=20
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	history, err := h.calls.GetCallHistory(c.Request.Context(), userID, params.Limit+1, params.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	n := len(history)
	if n > params.Limit {
		history = history[:params.Limit]
	}
	response.Success(c, http.StatusOK, pagination.NewPage(params, h.calls.Views(c.Request.Context(), history), n))
}

// transition adapts a state machine operation to POST /v1/calls/:id/<op>
func (h *Handler) transition(op transition) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID, userID, ok := callAndUser(c)
		if !ok {
			return
		}

		updated, err := op(c.Request.Context(), callID, userID)
		if err != nil {
			response.FromError(c, err)
			return
		}

		response.Success(c, http.StatusOK, h.calls.View(c.Request.Context(), updated))
	}
}

// UpdateSettings applies a partial settings change
// PATCH /v1/calls/:id/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var patch domain.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	updated, err := h.calls.UpdateSettings(c.Request.Context(), callID, userID, patch)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.calls.View(c.Request.Context(), updated))
}

func callAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := currentUser(c)
	return callID, userID, ok
}

// currentUser reads the user set by the auth middleware and answers 401 when absent
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := v.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	return userID, true
}
