package adapter

import "context"

// EventKind tags a TokenEvent. The backend's wire framing is decoded at
// the adapter boundary; everything downstream only sees these variants.
type EventKind string

const (
	EventFragment EventKind = "fragment"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// TokenEvent is one unit of backend output: a content fragment or a
// terminal marker. A generation emits exactly one terminal marker and
// nothing after it.
type TokenEvent struct {
	Kind EventKind
	Text string // fragment content, empty on terminals
	Err  error  // set on EventError only
}

func Fragment(text string) TokenEvent { return TokenEvent{Kind: EventFragment, Text: text} }
func Done() TokenEvent                { return TokenEvent{Kind: EventDone} }
func Fail(err error) TokenEvent       { return TokenEvent{Kind: EventError, Err: err} }

// GenerationRequest carries one prompt to the backend.
type GenerationRequest struct {
	SessionID string
	Prompt    string
	MaxTokens int
}

// GenerationBackend is the port for the text-generation service.
type GenerationBackend interface {
	// Generate issues one request and returns a lazy, single-consume
	// event sequence. The channel is closed after the terminal marker.
	// Cancelling ctx releases the backend connection and stops emission.
	// The returned error covers request construction only; runtime
	// failures arrive as an error terminal on the channel.
	Generate(ctx context.Context, req GenerationRequest) (<-chan TokenEvent, error)
}
