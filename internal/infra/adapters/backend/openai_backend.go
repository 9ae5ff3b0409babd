package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"character-relay/internal/domain"
	"character-relay/internal/domain/ports/adapter"
)

var _ adapter.GenerationBackend = (*OpenAIBackend)(nil)

// OpenAIBackend speaks the OpenAI streaming chat API through the
// official SDK, for deployments whose generation service is
// OpenAI-compatible.
type OpenAIBackend struct {
	client  openai.Client
	model   string
	overall time.Duration
}

func NewOpenAIBackend(apiKey, baseURL, model string, overall time.Duration) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIBackend{
		client:  openai.NewClient(opts...),
		model:   model,
		overall: overall,
	}, nil
}

func (b *OpenAIBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	if req.Prompt == "" {
		return nil, domain.ErrInvalidArgument
	}
	out := make(chan adapter.TokenEvent, 16)
	go func() {
		defer close(out)
		gctx, cancel := context.WithTimeout(ctx, b.overall)
		defer cancel()

		params := openai.ChatCompletionNewParams{
			Model: openai.ChatModel(b.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(req.Prompt),
			},
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}

		stream := b.client.Chat.Completions.NewStreaming(gctx, params)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !emit(gctx, out, adapter.Fragment(delta)) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
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
		emit(ctx, out, adapter.Done())
	}()
	return out, nil
}
