package model

import (
	"time"

	"character-relay/internal/domain"
)

// CharacterProfile is the structured profile the assembler reads. The
// profile store owns the full schema; only the fields consumed here are
// modeled.
type CharacterProfile struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Traits        string              `json:"traits"`
	Situation     string              `json:"situation"`
	Relationships []RelationshipEntry `json:"relationships"`
	Knowledge     []KnowledgeItem     `json:"knowledge"`
	Memories      []MemoryItem        `json:"memories"`
}

// RelationshipEntry describes the character's stance toward one
// counterpart identity.
type RelationshipEntry struct {
	CounterpartID string `json:"counterpart_id"`
	Description   string `json:"description"`
}

// KnowledgeItem is a retrievable fact the character knows.
type KnowledgeItem struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryItem is a retrievable episodic memory.
type MemoryItem struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the identity fields the assembler cannot do without.
func (p *CharacterProfile) Validate() error {
	if p == nil || p.ID == "" || p.Name == "" {
		return domain.ErrProfileIncomplete
	}
	return nil
}
