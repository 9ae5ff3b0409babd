package domain

import "errors"

var (
	// Common domain errors
	ErrSubjectNotFound   = errors.New("subject not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionInactive   = errors.New("session is not active")
	ErrAlreadyGenerating = errors.New("a generation is already in flight for this session")
	ErrProfileIncomplete = errors.New("profile is missing required identity fields")
	ErrBackendTimeout    = errors.New("generation backend timed out")
	ErrBackendError      = errors.New("generation backend failed")
	ErrStoreUnavailable  = errors.New("session store unavailable")
	ErrInvalidArgument   = errors.New("invalid argument")
)
