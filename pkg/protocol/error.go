package protocol

import "github.com/halogate/halogate/internal/gwerrors"

// ErrorCode is the closed set of machine-readable error codes a client may
// switch on. It mirrors gwerrors.Kind one-for-one.
type ErrorCode string

const (
	ErrValidation    ErrorCode = "validation"
	ErrUnauthorized  ErrorCode = "unauthorized"
	ErrForbidden     ErrorCode = "forbidden"
	ErrNotFound      ErrorCode = "not_found"
	ErrConflict      ErrorCode = "conflict"
	ErrRateLimited   ErrorCode = "rate_limited"
	ErrAgentTimeout  ErrorCode = "agent_timeout"
	ErrProviderDown  ErrorCode = "provider_unavailable"
	ErrChannelLinked ErrorCode = "channel_not_linked"
	ErrCompaction    ErrorCode = "compaction_ineffective"
	ErrAborted       ErrorCode = "aborted"
	ErrInternal      ErrorCode = "internal_error"
	ErrUnavailable   ErrorCode = "service_unavailable"
)

// Error is the closed wire error shape carried in a res or error frame.
type Error struct {
	Code         ErrorCode      `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Field        string         `json:"field,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// NewError constructs a wire Error directly from a code and message.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// FromErr translates an internal error into the closed wire shape. Errors
// that are not *gwerrors.Error are reported as internal_error without
// leaking their message text, since they were not intended to cross the
// boundary.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	ge, ok := gwerrors.As(err)
	if !ok {
		return &Error{Code: ErrInternal, Message: "internal error"}
	}
	return &Error{
		Code:         ErrorCode(ge.Kind),
		Message:      ge.Message,
		Field:        ge.Field,
		Retryable:    ge.Retryable,
		RetryAfterMS: ge.RetryAfter,
	}
}
