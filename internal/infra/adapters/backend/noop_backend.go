package backend

import (
	"context"
	"strings"
	"time"

	"character-relay/internal/domain"
	"character-relay/internal/domain/ports/adapter"
)

var _ adapter.GenerationBackend = (*NoopBackend)(nil)

// NoopBackend emits a canned reply word by word. Used in dev mode so the
// whole pipeline can run without a real generation service.
type NoopBackend struct {
	Reply string
	Delay time.Duration
}

func NewNoopBackend() *NoopBackend {
	return &NoopBackend{
		Reply: "This is a canned reply from the noop backend.",
		Delay: 10 * time.Millisecond,
	}
}

func (n *NoopBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	if req.Prompt == "" {
		return nil, domain.ErrInvalidArgument
	}
	out := make(chan adapter.TokenEvent, 8)
	go func() {
		defer close(out)
		words := strings.SplitAfter(n.Reply, " ")
		for _, w := range words {
			if n.Delay > 0 {
				select {
				case <-time.After(n.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !emit(ctx, out, adapter.Fragment(w)) {
				return
			}
		}
		emit(ctx, out, adapter.Done())
	}()
	return out, nil
}
