package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/repository"
)

var _ repository.SummaryQueue = (*SummaryQueue)(nil)

const summaryQueueKey = "summary_jobs"

// SummaryQueue pushes finished-conversation payloads onto the list the
// summarization consumer drains. Append-only; ordering to the consumer
// is not guaranteed.
type SummaryQueue struct {
	client RedisClient
}

func NewSummaryQueue(client RedisClient) *SummaryQueue {
	return &SummaryQueue{client: client}
}

func (q *SummaryQueue) Enqueue(ctx context.Context, job *model.SummaryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, summaryQueueKey, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}
