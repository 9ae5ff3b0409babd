package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"character-relay/internal/domain"
	"character-relay/internal/domain/ports/adapter"
)

var _ adapter.GenerationBackend = (*GeminiBackend)(nil)

// GeminiBackend streams generations through the Gemini SDK.
type GeminiBackend struct {
	client  *genai.Client
	model   string
	overall time.Duration
}

func NewGeminiBackend(ctx context.Context, apiKey, model string, overall time.Duration) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key empty")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiBackend{client: c, model: model, overall: overall}, nil
}

func (b *GeminiBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	if req.Prompt == "" {
		return nil, domain.ErrInvalidArgument
	}
	out := make(chan adapter.TokenEvent, 16)
	go func() {
		defer close(out)
		gctx, cancel := context.WithTimeout(ctx, b.overall)
		defer cancel()

		var cfg *genai.GenerateContentConfig
		if req.MaxTokens > 0 {
			cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxTokens)}
		}

		for resp, err := range b.client.Models.GenerateContentStream(gctx, b.model, genai.Text(req.Prompt), cfg) {
			if err != nil {
				if ctx.Err() != nil {
					return // caller cancelled
				}
				if errors.Is(gctx.Err(), context.DeadlineExceeded) {
					emit(ctx, out, adapter.Fail(domain.ErrBackendTimeout))
					return
				}
				emit(ctx, out, adapter.Fail(fmt.Errorf("%w: %v", domain.ErrBackendError, err)))
				return
			}
			if text := resp.Text(); text != "" {
				if !emit(gctx, out, adapter.Fragment(text)) {
					return
				}
			}
		}
		emit(ctx, out, adapter.Done())
	}()
	return out, nil
}
