// Package app assembles the chat service from configuration for both
// entrypoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"recipe-assistant/internal/config"
	"recipe-assistant/internal/integrations/mealdb"
	"recipe-assistant/internal/integrations/paramstore"
	"recipe-assistant/internal/integrations/workersai"
	"recipe-assistant/internal/ratelimit"
	"recipe-assistant/internal/repository"
	"recipe-assistant/internal/usecase"
)

const limiterSweepInterval = 5 * time.Minute

// App is the wired chat service and its collaborators.
type App struct {
	Chat  *usecase.ChatService
	Meals *mealdb.Client

	closers []func() error
}

// Close releases stores opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build wires the service described by cfg. AWS configuration is loaded only
// when SSM or DynamoDB is selected. The rate limiter's sweeper runs until ctx
// ends.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{}
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	// ---- Parameters ----
	var params paramstore.Getter
	if cfg.ParamSource == config.ParamSourceEnv {
		params = paramstore.EnvGetter{Prefix: cfg.ParamPrefix}
	} else {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		params = ssmClient
	}

	// ---- Upstreams ----
	llm, err := workersai.NewClient(params, cfg.ParamPrefix, cfg.AccountID, workersai.WithBaseURL(cfg.WorkersAIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("app: create Workers AI client: %w", err)
	}
	a.Meals = mealdb.New(mealdb.WithBaseURL(cfg.MealDBBaseURL))

	opts := []usecase.ServiceOption{usecase.WithLogger(logger)}

	// ---- Turn store ----
	switch {
	case cfg.TurnsTable != "":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		store, err := repository.New(awsdynamodb.NewFromConfig(c), cfg.TurnsTable)
		if err != nil {
			return nil, fmt.Errorf("app: create DynamoDB turn store: %w", err)
		}
		opts = append(opts, usecase.WithTurnStore(store))
		logger.Info("recording turns in DynamoDB", "table", cfg.TurnsTable)
	case cfg.TurnsDB != "":
		store, err := repository.NewSQLite(cfg.TurnsDB)
		if err != nil {
			return nil, fmt.Errorf("app: open SQLite turn store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		opts = append(opts, usecase.WithTurnStore(store))
		logger.Info("recording turns in SQLite", "path", cfg.TurnsDB)
	}

	// ---- Rate limit ----
	if cfg.RateLimitPerMinute > 0 {
		limiter := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		go limiter.Run(ctx, limiterSweepInterval)
		opts = append(opts, usecase.WithRateLimiter(limiter))
	}

	chat, err := usecase.NewChatService(params, llm, a.Meals, cfg.Chat(), opts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}
	a.Chat = chat
	return a, nil
}
