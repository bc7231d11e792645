package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with details support
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// AcceptedResponse sends a 202 response for work queued behind backpressure
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponse maps a fabric error onto an HTTP status and sends it
func ErrorResponse(c *gin.Context, err error) {
	status := statusForError(err)

	apiErr := &APIError{
		Code:    apperrors.GetCode(err),
		Message: err.Error(),
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		apiErr.Message = appErr.Message
		apiErr.Details = appErr.Details
	}

	if retryAfter := apperrors.GetRetryAfter(err); retryAfter > 0 {
		c.Header("Retry-After", retryAfter.Round(time.Second).String())
	}

	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// statusForError maps the error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeBulkheadRejected, apperrors.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeNoProvider, apperrors.ErrorTypeAllProvidersFailed:
		return http.StatusBadGateway
	case apperrors.ErrorTypeRetryExhausted, apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
