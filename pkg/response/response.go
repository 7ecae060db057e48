package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
)

// Response represents the standard API response envelope
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // e.g. "INVALID_STATE"
	Message string `json:"message"` // human-readable
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    errorCode,
			Message: errorMessage,
		},
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// FromError maps err onto its HTTP status. Errors that are not AppErrors are
// logged and reported as a generic internal error.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.StatusCode >= 500 {
		logger.Error("Request failed",
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
	}
	message := appErr.Message
	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		message = "Internal server error"
	}
	Error(c, appErr.StatusCode, string(appErr.Code), message)
}

// ValidationError sends a validation error response (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, 400, string(apperrors.ErrCodeValidation), message)
}

// Unauthorized sends unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, string(apperrors.ErrCodeUnauthorized), message)
}

// ServiceUnavailable sends 503, e.g. when the connection limit is reached
func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, 503, string(apperrors.ErrCodeServiceUnavail), message)
}

// InternalError sends internal server error (500)
func InternalError(c *gin.Context, message string) {
	Error(c, 500, string(apperrors.ErrCodeInternal), message)
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
