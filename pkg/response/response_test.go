package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "huddle-backend/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set("request_id", "req-1")
	handler(c)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestSuccess(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		Success(c, http.StatusCreated, gin.H{"call_id": "abc"})
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
	assert.Equal(t, "req-1", body.Meta.RequestID)
	assert.False(t, body.Meta.Timestamp.IsZero())
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"domain error keeps message", apperrors.InvalidStateError("call has ended"), http.StatusConflict, "INVALID_STATE", "call has ended"},
		{"plain error is masked", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"},
		{"database error is masked", apperrors.DatabaseError(assert.AnError), http.StatusInternalServerError, "DATABASE_ERROR", "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, func(c *gin.Context) { FromError(c, tt.err) })

			assert.Equal(t, tt.status, w.Code)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.message, body.Error.Message)
		})
	}
}
