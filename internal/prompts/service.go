// Package prompts resolves prompt templates for strategies. Templates
// live in the strategy_prompts table; resolved content is cached in
// Redis for ten minutes so hot launches skip the database.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/internal/cache"
	"strategy-agent/internal/database"
)

// TemplateSource is the database surface the service reads templates
// from.
type TemplateSource interface {
	GetPrompt(ctx context.Context, id string) (*database.Prompt, error)
}

// TemplateCache is the subset of the cache service the resolver uses.
type TemplateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// cachedTemplate is the msgpack payload stored per template.
type cachedTemplate struct {
	Name    string `msgpack:"name"`
	Content string `msgpack:"content"`
}

// Service resolves template ids to prompt text with read-through
// caching. A nil cache degrades to database-only resolution.
type Service struct {
	source TemplateSource
	cache  TemplateCache
	logger zerolog.Logger
}

// NewService wires the resolver over the prompt store.
func NewService(source TemplateSource, tc TemplateCache, logger zerolog.Logger) *Service {
	return &Service{
		source: source,
		cache:  tc,
		logger: logger.With().Str("component", "prompts").Logger(),
	}
}

// ResolvePrompt returns the content for a template id. Cache failures
// fall through to the database; an unknown id is an error so the runtime
// can degrade to its default prompt.
func (s *Service) ResolvePrompt(ctx context.Context, templateID string) (string, error) {
	key := cache.PromptTemplateKey(templateID)

	if s.cache != nil {
		var entry cachedTemplate
		err := s.cache.Get(ctx, key, &entry)
		if err == nil {
			return entry.Content, nil
		}
		if !errors.Is(err, cache.ErrMiss) && !errors.Is(err, cache.ErrUnavailable) {
			s.logger.Debug().Err(err).Str("template_id", templateID).Msg("Prompt cache read failed")
		}
	}

	p, err := s.source.GetPrompt(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("load prompt template: %w", err)
	}
	if p == nil {
		return "", fmt.Errorf("prompt template %q not found", templateID)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, cachedTemplate{Name: p.Name, Content: p.Content}, cache.DefaultPromptTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.logger.Debug().Err(err).Str("template_id", templateID).Msg("Prompt cache write failed")
		}
	}
	return p.Content, nil
}

// Invalidate drops the cached entry for a template. Called after prompt
// updates and deletes.
func (s *Service) Invalidate(ctx context.Context, templateID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.PromptTemplateKey(templateID)); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		s.logger.Debug().Err(err).Str("template_id", templateID).Msg("Prompt cache invalidation failed")
	}
}
