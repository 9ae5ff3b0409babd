// Package backend adapts external text-generation services to the
// GenerationBackend port. One adapter per provider; a concurrency-limit
// wrapper caps in-flight generations.
package backend

import (
	"context"
	"fmt"

	"character-relay/internal/config"
	"character-relay/internal/domain/ports/adapter"
)

// New builds the configured provider adapter wrapped with the global
// concurrency limit.
func New(ctx context.Context, cfg config.BackendConfig) (adapter.GenerationBackend, error) {
	var (
		inner adapter.GenerationBackend
		err   error
	)
	switch cfg.Provider {
	case "http":
		inner, err = NewHTTPBackend(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout, cfg.ReadTimeout)
	case "openai":
		inner, err = NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)
	case "gemini":
		inner, err = NewGeminiBackend(ctx, cfg.APIKey, cfg.Model, cfg.Timeout)
	case "noop":
		inner = NewNoopBackend()
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimitedBackend(inner, cfg.ConcurrentLimit), nil
}
