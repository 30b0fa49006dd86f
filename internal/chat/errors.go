package chat

import (
	"errors"

	"github.com/ashureev/showroom/internal/domain"
)

// ErrorCode maps a run error onto the short code sent to clients.
func ErrorCode(err error) string {
	var exhausted *ExhaustedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, domain.ErrClientDisconnected), errors.Is(err, domain.ErrSessionDeleted):
		return "cancelled"
	case errors.As(err, &exhausted), errors.Is(err, domain.ErrUpstreamTransient):
		return "upstream_unavailable"
	default:
		return "upstream_error"
	}
}

// ClientMessage is the fallback text a UI can render for a failed turn.
func ClientMessage(err error) string {
	switch ErrorCode(err) {
	case "timeout":
		return "The assistant took too long to respond. Please try again."
	case "cancelled":
		return "The request was cancelled."
	case "upstream_unavailable":
		return "The assistant is temporarily unavailable. Please try again shortly."
	default:
		return "Sorry, I couldn't complete that request. Please try again or contact your local dealer."
	}
}

// annotationReason is the reason recorded with a failed run's partial output.
func annotationReason(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	return "unknown"
}
