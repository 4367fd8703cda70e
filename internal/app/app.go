// Package app wires configuration into a runnable digest system. Both
// binaries (the HTTP daemon and the one-shot CLI) build the same object
// graph through it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-digest/internal/brave"
	"github.com/ignite/inbox-digest/internal/breaker"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/firecrawl"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/mailbox"
	"github.com/ignite/inbox-digest/internal/mailer"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/pkg/distlock"
	"github.com/ignite/inbox-digest/internal/repository/postgres"
	"github.com/ignite/inbox-digest/internal/research"
	"github.com/ignite/inbox-digest/internal/stages"
	"github.com/ignite/inbox-digest/internal/store"
)

// App is the wired digest system plus the shared dependencies the API
// layer reports on.
type App struct {
	Config       *config.Config
	Orchestrator *pipeline.Orchestrator
	Cost         *cost.Tracker
	Breakers     *breaker.Registry
	DB           *sql.DB
	Redis        *redis.Client
}

// Build assembles the full object graph from configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	tracker := cost.NewTracker(cost.Limits{
		MaxCostPerRun:     cfg.Pipeline.MaxCostPerRun,
		MaxOpenAICalls:    cfg.Pipeline.MaxOpenAICalls,
		MaxFirecrawlCalls: cfg.Pipeline.MaxFirecrawlCalls,
		MaxBraveSearches:  cfg.Pipeline.MaxBraveSearches,
	})
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold:    cfg.Pipeline.FailureThreshold,
		ResetTimeout:        cfg.Pipeline.ResetTimeout(),
		HalfOpenMaxAttempts: cfg.Pipeline.HalfOpenMaxAttempts,
	})

	processedTTL := time.Duration(cfg.Pipeline.ProcessedTTLDays) * 24 * time.Hour
	stores, awsCfg, err := buildStores(ctx, cfg, processedTTL)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
	}

	var (
		db         *sql.DB
		executions pipeline.ExecutionStore
	)
	if cfg.Storage.DatabaseURL != "" {
		db, err = postgres.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewExecutionRepo(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		executions = repo
	} else {
		executions = pipeline.NewMemoryExecutionStore()
	}

	var checkpoints pipeline.CheckpointStore
	if redisClient != nil {
		checkpoints = pipeline.NewRedisCheckpointStore(redisClient)
	} else {
		checkpoints = pipeline.NewMemoryCheckpointStore()
	}

	gmail, err := mailbox.NewClient(ctx, cfg.Gmail, stores.Tokens, cfg.Pipeline.PageDelay())
	if err != nil {
		return nil, fmt.Errorf("building gmail client: %w", err)
	}

	var model llm.Client = llm.NewOpenAI(cfg.OpenAI)
	if cfg.Bedrock.Enabled {
		bedrockCfg := awsCfg
		if cfg.Bedrock.Region != "" {
			bedrockCfg.Region = cfg.Bedrock.Region
		}
		model = llm.NewFailover(model, llm.NewBedrock(bedrockCfg, cfg.Bedrock.ModelID))
	}

	digestMailer, err := mailer.New(mailer.NewSESSender(awsCfg, cfg.Mailer), cfg.Mailer, cfg.Gmail.ReauthURL)
	if err != nil {
		return nil, fmt.Errorf("building mailer: %w", err)
	}

	deps := &stages.Deps{
		Pipeline:         cfg.Pipeline,
		Research:         cfg.Research,
		OpenAIBatchSize:  cfg.OpenAI.BatchSize,
		FetchLimit:       cfg.Gmail.MaxResults,
		Mailbox:          gmail,
		LLM:              model,
		Mailer:           digestMailer,
		Processed:        stores.Processed,
		Senders:          stores.Senders,
		Tokens:           stores.Tokens,
		Cost:             tracker,
		Breakers:         breakers,
		IsAuthError:      mailbox.IsAuthError,
		IsRateLimitError: mailbox.IsRateLimitError,
	}
	if cfg.Firecrawl.APIKey != "" {
		deps.Extractor = firecrawl.NewClient(cfg.Firecrawl)
	} else {
		log.Printf("[App] no firecrawl key; article extraction disabled")
	}
	if cfg.Brave.APIKey != "" {
		deps.Searcher = brave.NewClient(cfg.Brave)
	} else {
		log.Printf("[App] no brave key; web search disabled")
	}
	if len(cfg.Research.Feeds) > 0 {
		deps.Feeds = research.NewFeedSource(cfg.Research)
	}

	locks := func(mode digest.Mode) distlock.DistLock {
		return distlock.NewLock(redisClient, db, "digest:lock:"+string(mode), cfg.Pipeline.Timeout())
	}

	orch := pipeline.NewOrchestrator(
		cfg.Pipeline,
		stages.Handlers(deps),
		pipeline.NewPayloadManager(stores.Blobs, cfg.Pipeline.PayloadThresholdBytes()),
		tracker,
		breakers,
		digestMailer,
		checkpoints,
		executions,
		locks,
		cfg.Mailer.Recipient,
	)

	return &App{
		Config:       cfg,
		Orchestrator: orch,
		Cost:         tracker,
		Breakers:     breakers,
		DB:           db,
		Redis:        redisClient,
	}, nil
}

// Close releases the connections Build opened.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}

// stores groups the four persistence interfaces a deployment provides.
type storeSet struct {
	Processed store.ProcessedStore
	Senders   store.SenderStore
	Blobs     store.BlobStore
	Tokens    store.TokenStore
}

func buildStores(ctx context.Context, cfg *config.Config, processedTTL time.Duration) (storeSet, aws.Config, error) {
	region := cfg.Storage.AWSRegion
	if region == "" {
		region = cfg.Mailer.Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile := cfg.Storage.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return storeSet{}, aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}

	switch cfg.Storage.Type {
	case "aws":
		dynamo := store.NewDynamoStore(awsCfg, cfg.Storage.DynamoDBTable, cfg.Pipeline.StoreBatchSize, processedTTL)
		return storeSet{
			Processed: dynamo,
			Senders:   dynamo,
			Tokens:    dynamo,
			Blobs:     store.NewS3BlobStore(awsCfg, cfg.Storage.S3Bucket),
		}, awsCfg, nil
	case "local":
		local, err := store.NewLocalStore(cfg.Storage.LocalPath, processedTTL)
		if err != nil {
			return storeSet{}, aws.Config{}, fmt.Errorf("building local store: %w", err)
		}
		return storeSet{Processed: local, Senders: local, Tokens: local, Blobs: local}, awsCfg, nil
	default:
		mem := store.NewMemoryStore(processedTTL)
		return storeSet{Processed: mem, Senders: mem, Tokens: mem, Blobs: mem}, awsCfg, nil
	}
}
