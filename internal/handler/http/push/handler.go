package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/push"
	"huddle-backend/pkg/response"
)

// TokenService stores the device tokens used to ring offline users
type TokenService interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error
}

// Handler handles push notification HTTP requests
type Handler struct {
	pushService TokenService
}

// NewHandler creates a new push notification handler
func NewHandler(pushService TokenService) *Handler {
	return &Handler{pushService: pushService}
}

// RegisterRoutes mounts the push token endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	tokens := rg.Group("/push/tokens")
	tokens.POST("", h.RegisterToken)
	tokens.DELETE("/:token", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required,max=4096"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a device token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	now := time.Now().Unix()
	token := &push.Token{
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		Platform:  req.Platform,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		response.FromError(c, err)
		return
	}

	logger.Info("Push token registered",
		logger.UserID(userID),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusCreated, gin.H{"message": "Token registered successfully"})
}

// UnregisterToken removes one of the user's device tokens
// DELETE /v1/push/tokens/:token
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), userID, c.Param("token")); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered successfully"})
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, _ := c.Get("user_id")
	userID, ok := v.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	return userID, true
}
