package gateway

import "fmt"

// Code is the internal error taxonomy shared by RpcClient, SessionManager,
// and the HTTP layer. A GatewayError is classified exactly once, at the
// RpcClient boundary, and never re-classified downstream.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeConnectFailed      Code = "GATEWAY_CONNECT_FAILED"
	CodeRPCError           Code = "GATEWAY_RPC_ERROR"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeNotFound           Code = "NOT_FOUND"
	CodeStreamingDisabled  Code = "STREAMING_DISABLED"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// authCodes is the set of wire error codes that classify as CodeUnauthorized,
// in both connect responses and per-request response bodies.
var authCodes = map[string]bool{
	"UNAUTHORIZED": true,
	"401":          true,
	"403":          true,
	"FORBIDDEN":    true,
}

// Error is a typed error carrying the internal code plus an HTTP status and
// a human-readable message. It flows unchanged from RpcClient through
// SessionManager to the HTTP layer.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newError(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func errUnauthorized(message string) *Error {
	return newError(CodeUnauthorized, 401, message)
}

func errConnectFailed(message string) *Error {
	return newError(CodeConnectFailed, 502, message)
}

func errRPC(message string, details any) *Error {
	return &Error{Code: CodeRPCError, Status: 502, Message: message, Details: details}
}

// classifyWireCode maps a raw wire error code (from a connect response or a
// per-request response) to the internal taxonomy. fallback is used for any
// code not in the auth set.
func classifyWireCode(wireCode string, message string, fallback Code, fallbackStatus int) *Error {
	if authCodes[wireCode] {
		return errUnauthorized(message)
	}
	status := fallbackStatus
	return &Error{Code: fallback, Status: status, Message: message}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var gerr *Error
	if e, ok := err.(*Error); ok {
		gerr = e
	}
	return gerr != nil && gerr.Code == code
}
