// File: internal/infra/db/postgres/archive_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/repository"
)

var _ repository.ConversationArchive = (*ArchiveRepo)(nil)

// ArchiveRepo keeps a durable record of finished conversations. Redis
// retention is bounded; the archive is where transcripts outlive it.
type ArchiveRepo struct {
	pool *pgxpool.Pool
}

func NewArchiveRepo(pool *pgxpool.Pool) *ArchiveRepo {
	return &ArchiveRepo{pool: pool}
}

func (r *ArchiveRepo) Archive(ctx context.Context, s *model.Session) error {
	turns, err := json.Marshal(s.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	const q = `
INSERT INTO conversation_archive (session_id, subject_id, requester_id, turn_count, turns, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (session_id) DO NOTHING;`
	_, err = r.pool.Exec(ctx, q, s.ID, s.SubjectID, s.RequesterID, s.TurnCount, turns, s.StartedAt, s.EndedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("archive session %s: %s (%s)", s.ID, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return nil
}
