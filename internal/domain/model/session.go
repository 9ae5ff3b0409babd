package model

import (
	"time"
)

type TurnRole string

const (
	TurnRoleUser  TurnRole = "user"
	TurnRoleAgent TurnRole = "agent"
)

// Turn is one message exchange unit within a conversation.
type Turn struct {
	SessionID string    `json:"session_id"`
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the aggregate root for a running conversation between a
// requester and a character subject. Turns are append-only while the
// session is active.
type Session struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subject_id"`
	RequesterID    string    `json:"requester_id"`
	Active         bool      `json:"active"`
	Turns          []Turn    `json:"turns"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

func NewSession(id, subjectID, requesterID string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		SubjectID:      subjectID,
		RequesterID:    requesterID,
		Active:         true,
		Turns:          make([]Turn, 0, 8),
		StartedAt:      now,
		LastActivityAt: now,
	}
}

func (s *Session) AddTurn(role TurnRole, text string) {
	s.Turns = append(s.Turns, Turn{
		SessionID: s.ID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	s.TurnCount = len(s.Turns)
	s.LastActivityAt = time.Now()
}

// RecentTurns returns at most the last n turns.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// End marks the session inactive. It is idempotent and reports whether
// this call performed the transition.
func (s *Session) End() bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.EndedAt = time.Now()
	return true
}

// IdleSince reports whether the session has seen no activity since the
// given cutoff.
func (s *Session) IdleSince(cutoff time.Time) bool {
	return s.LastActivityAt.Before(cutoff)
}
