// Package integrations selects the generation provider from configuration.
package integrations

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"story-agent/internal/config"
	"story-agent/internal/integrations/gemini"
	"story-agent/internal/integrations/openai"
	"story-agent/internal/integrations/paramstore"
	"story-agent/internal/revision"
)

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// Provider bundles the generator and, when enabled, the moderator.
// Moderator is nil when moderation is disabled.
type Provider struct {
	Name      string
	Generator revision.Generator
	Moderator Moderator
}

// NewProvider builds the configured adapter. getter may be nil when
// cfg.APIKey is set.
func NewProvider(cfg config.Config, getter paramstore.Getter) (Provider, error) {
	tokens, err := tokenSource(cfg, getter)
	if err != nil {
		return Provider{}, err
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		client, err := openai.NewClient(tokens, cfg.Model,
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithTimeout(cfg.Timeout),
			openai.WithLimiter(limiter),
		)
		if err != nil {
			return Provider{}, err
		}
		p := Provider{Name: config.ProviderOpenAI, Generator: client}
		if cfg.ModerationEnabled {
			p.Moderator = client
		}
		return p, nil
	case config.ProviderGemini:
		if cfg.ModerationEnabled {
			return Provider{}, errors.New("integrations: moderation is only available with the openai provider")
		}
		client, err := gemini.NewClient(tokens, cfg.Model,
			gemini.WithBaseURL(cfg.BaseURL),
			gemini.WithTimeout(cfg.Timeout),
			gemini.WithLimiter(limiter),
		)
		if err != nil {
			return Provider{}, err
		}
		return Provider{Name: config.ProviderGemini, Generator: client}, nil
	default:
		return Provider{}, fmt.Errorf("integrations: unknown provider %q", cfg.Provider)
	}
}

func tokenSource(cfg config.Config, getter paramstore.Getter) (*paramstore.TokenSource, error) {
	if cfg.APIKey != "" {
		return paramstore.StaticToken(cfg.APIKey), nil
	}
	if getter == nil {
		return nil, errors.New("integrations: no API key and no parameter store configured")
	}
	return paramstore.NewTokenSource(getter, cfg.ParamPrefix, cfg.TokenParam())
}
