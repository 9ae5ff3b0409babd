package repository

import (
	"context"

	"character-relay/internal/domain/model"
)

// SessionRepository persists serialized session state in the external
// key-value store. Implementations must be safe for concurrent use.
type SessionRepository interface {
	Save(ctx context.Context, s *model.Session) error
	FindByID(ctx context.Context, sessionID string) (*model.Session, error)
	// Extend refreshes the retention window of a stored session.
	Extend(ctx context.Context, sessionID string) error
}

// SummaryQueue appends finished-conversation payloads to the work queue
// consumed by the summarization service. Ordering is not guaranteed to
// the consumer.
type SummaryQueue interface {
	Enqueue(ctx context.Context, job *model.SummaryJob) error
}

// ConversationArchive keeps a durable record of finished conversations.
// Writes are best-effort from the caller's perspective.
type ConversationArchive interface {
	Archive(ctx context.Context, s *model.Session) error
}
