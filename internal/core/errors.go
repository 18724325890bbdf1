package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeMessageNotFound = "message_not_found"
	ErrCodeForbidden       = "forbidden"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeMissingIdentity = "missing_identity"
	ErrCodeUnauthorized    = "unauthorized"
)

var (
	ErrMissingIdentity = errors.New("user id is required")
	ErrRoomStopped     = errors.New("room stopped")
	ErrRoomBusy        = errors.New("room has live references")
	ErrRoomNotResident = errors.New("room not resident")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
