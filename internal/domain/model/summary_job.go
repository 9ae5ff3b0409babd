package model

import "time"

// SummaryJob is the payload handed to the post-conversation summarization
// consumer. Delivery is fire-and-forget from this service's perspective.
type SummaryJob struct {
	JobID       string    `json:"job_id"`
	SessionID   string    `json:"session_id"`
	SubjectID   string    `json:"subject_id"`
	RequesterID string    `json:"requester_id"`
	Turns       []Turn    `json:"turns"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}
