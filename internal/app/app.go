// Package app wires configuration into a ready handler. Both entry points
// use it; only the transport differs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"story-agent/handler"
	"story-agent/internal/config"
	"story-agent/internal/integrations"
	"story-agent/internal/integrations/paramstore"
	"story-agent/internal/metrics"
	"story-agent/internal/repository"
	"story-agent/internal/revision"
	"story-agent/internal/usecase"
)

var newRedisClient = func(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// App holds the wired handler and the resources to release on shutdown.
type App struct {
	Handler *handler.Handler
	closers []func() error
}

// Close releases store connections.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New builds the handler for cfg. reg receives the turn metrics; pass nil to
// skip metrics.
func New(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}
	if err := a.wire(ctx, cfg, reg, logger); err != nil {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) error {
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	store, err := a.newStore(cfg, loadAWS)
	if err != nil {
		return err
	}

	var getter paramstore.Getter
	if cfg.APIKey == "" {
		c, err := loadAWS()
		if err != nil {
			return err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return fmt.Errorf("app: create SSM client: %w", err)
		}
		getter = ssmClient
	}

	provider, err := integrations.NewProvider(cfg, getter)
	if err != nil {
		return err
	}
	controller, err := revision.NewController(provider.Generator)
	if err != nil {
		return err
	}

	opts := []usecase.Option{usecase.WithLogger(logger)}
	if provider.Moderator != nil {
		opts = append(opts, usecase.WithModerator(provider.Moderator))
	}
	if reg != nil {
		opts = append(opts, usecase.WithRecorder(metrics.New(reg)))
	}
	svc, err := usecase.NewTurnService(controller, store, usecase.Limits{
		MaxContextItems: cfg.MaxContextItems,
		MaxMessageLen:   cfg.MaxMessageLength,
		MaxTurns:        cfg.MaxSessionTurns,
	}, opts...)
	if err != nil {
		return err
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		return err
	}
	logger.Info("story agent configured",
		"backend", cfg.StateBackend,
		"provider", provider.Name,
		"model", cfg.Model,
		"moderation", provider.Moderator != nil,
	)
	a.Handler = h
	return nil
}

func (a *App) newStore(cfg config.Config, loadAWS func() (aws.Config, error)) (usecase.SessionStore, error) {
	switch cfg.StateBackend {
	case config.BackendDynamoDB:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		store, err := repository.New(awsdynamodb.NewFromConfig(c), cfg.StateTable, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("app: create state client: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		client := newRedisClient(cfg.RedisAddr)
		a.closers = append(a.closers, client.Close)
		return repository.NewRedisStore(client, cfg.RedisPrefix, cfg.SessionTTL)
	case config.BackendMemory:
		return repository.NewMemoryStore(cfg.MemoryMaxSessions, cfg.SessionTTL), nil
	default:
		return nil, fmt.Errorf("app: unknown state backend %q", cfg.StateBackend)
	}
}
