package adapter

import (
	"context"

	"character-relay/internal/domain/model"
)

// ProfileProvider is the port for the external persona/knowledge store.
type ProfileProvider interface {
	// Fetch returns the structured profile for a subject, or
	// domain.ErrSubjectNotFound when the store has no such character.
	Fetch(ctx context.Context, subjectID string) (*model.CharacterProfile, error)
}
