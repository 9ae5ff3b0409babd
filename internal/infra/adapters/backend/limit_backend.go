package backend

import (
	"context"

	"character-relay/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.GenerationBackend = (*limitedBackend)(nil)

// limitedBackend caps the number of concurrent generations across all
// sessions. A slot is held until the inner event sequence finishes.
type limitedBackend struct {
	inner adapter.GenerationBackend
	sem   chan struct{}
}

func NewLimitedBackend(inner adapter.GenerationBackend, maxConcurrent int) adapter.GenerationBackend {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedBackend{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	events, err := l.inner.Generate(ctx, req)
	if err != nil {
		<-l.sem
		return nil, err
	}
	out := make(chan adapter.TokenEvent, cap(l.sem))
	go func() {
		defer func() { <-l.sem }()
		defer close(out)
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
