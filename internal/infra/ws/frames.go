package ws

import (
	"errors"

	"character-relay/internal/domain"
	red "character-relay/internal/infra/redis"
)

// Client-to-server frame types.
const (
	FrameStart   = "start"
	FrameMessage = "message"
	FrameEnd     = "end"
)

// Server-to-client frame types.
const (
	FrameSession  = "session"
	FrameFragment = "fragment"
	FrameDone     = "done"
	FrameError    = "error"
)

// ClientFrame is one inbound message on the connection.
type ClientFrame struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ServerFrame is one outbound event. Fragments are delivered in FIFO
// order; every failure becomes a typed error frame, never a silent drop.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// errorCode maps a core failure to the stable code clients switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSubjectNotFound):
		return "subject_not_found"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, domain.ErrSessionInactive):
		return "session_inactive"
	case errors.Is(err, domain.ErrAlreadyGenerating):
		return "already_generating"
	case errors.Is(err, domain.ErrProfileIncomplete):
		return "profile_incomplete"
	case errors.Is(err, domain.ErrBackendTimeout):
		return "backend_timeout"
	case errors.Is(err, domain.ErrBackendError):
		return "backend_error"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, red.ErrSessionOwned):
		return "session_owned"
	default:
		return "internal"
	}
}
