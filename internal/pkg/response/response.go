package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/webchat-bff/internal/gateway"
)

// Envelope is the standard API response envelope.
type Envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// OK sends a 200 success response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{OK: true, Data: data})
}

// Created sends a 201 success response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Envelope{OK: true, Data: data})
}

// Err sends an error response using the given HTTP status, code, and message.
func Err(c *gin.Context, httpStatus int, code, message string) {
	c.JSON(httpStatus, Envelope{OK: false, Error: &ErrorBody{Code: code, Message: message}})
}

// ErrDetails sends an error response carrying structured details.
func ErrDetails(c *gin.Context, httpStatus int, code, message string, details interface{}) {
	c.JSON(httpStatus, Envelope{OK: false, Error: &ErrorBody{Code: code, Message: message, Details: details}})
}

// BadRequest sends a 400 BAD_REQUEST error.
func BadRequest(c *gin.Context, message string) {
	Err(c, http.StatusBadRequest, string(gateway.CodeBadRequest), message)
}

// Unauthorized sends a 401 UNAUTHORIZED error. The browser layer treats
// this code as a session-expired signal, so it must never be substituted
// with a synonym.
func Unauthorized(c *gin.Context, message string) {
	Err(c, http.StatusUnauthorized, string(gateway.CodeUnauthorized), message)
}

// InvalidToken sends a 401 INVALID_TOKEN error, distinct from Unauthorized
// and used only by POST /api/auth/verify.
func InvalidToken(c *gin.Context, message string) {
	Err(c, http.StatusUnauthorized, string(gateway.CodeInvalidToken), message)
}

// NotFound sends a 404 NOT_FOUND error.
func NotFound(c *gin.Context, message string) {
	Err(c, http.StatusNotFound, string(gateway.CodeNotFound), message)
}

// StreamingDisabled sends a 503 STREAMING_DISABLED error.
func StreamingDisabled(c *gin.Context, message string) {
	Err(c, http.StatusServiceUnavailable, string(gateway.CodeStreamingDisabled), message)
}

// InternalError sends a 500 INTERNAL_ERROR error.
func InternalError(c *gin.Context, message string) {
	Err(c, http.StatusInternalServerError, string(gateway.CodeInternal), message)
}

// FromGatewayError classifies a *gateway.Error into its HTTP response
// exactly once, at this boundary. Any other error is treated as an
// unexpected internal failure.
func FromGatewayError(c *gin.Context, err error) {
	if gerr, ok := err.(*gateway.Error); ok {
		if gerr.Details != nil {
			ErrDetails(c, gerr.Status, string(gerr.Code), gerr.Message, gerr.Details)
			return
		}
		Err(c, gerr.Status, string(gerr.Code), gerr.Message)
		return
	}
	InternalError(c, err.Error())
}
