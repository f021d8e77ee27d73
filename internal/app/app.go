// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nurudeen19/rag-fortress-sub002/internal/api/handlers"
	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	db "github.com/nurudeen19/rag-fortress-sub002/internal/core/database"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/ingestion_engine"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/ledger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/lifecycle"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/llm"
	objectclient "github.com/nurudeen19/rag-fortress-sub002/internal/core/object-client"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/override"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/services"
)

type App struct {
	cfg    *config.Config
	log    logger.Logger
	clock  clock.Clock
	closer []func() error

	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Ledger       *ledger.Ledger
	Workflow     *override.Workflow
	Queue        *ingestion_engine.Queue
	Server       *Server

	bg sync.WaitGroup
}

func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{cfg: cfg, log: log, clock: clock.Real()}
	if err := a.build(appCtx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	dbClient, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	a.DBClient = dbClient
	a.closer = append(a.closer, dbClient.Close)
	log.Info("database initialized and ready", logger.String("driver", cfg.DBDriver))

	objClient, err := objectclient.NewObjectClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.ObjectClient = objClient
	log.Info("object client initialized and ready", logger.String("backend", cfg.StorageBackend))

	geminiEmbedder, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	a.closer = append(a.closer, geminiEmbedder.Close)

	llmProvider, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return fmt.Errorf("couldn't initialize the llm, %w", err)
	}
	a.closer = append(a.closer, llmProvider.Close)

	counter, err := a.denialCounter(ctx)
	if err != nil {
		return err
	}

	a.Ledger = ledger.New(dbClient, log)
	resolver := access.NewResolver(dbClient, a.Ledger)
	workflow := override.NewWorkflow(dbClient, cfg.Policy, a.clock, log)
	a.Workflow = workflow
	escalator := override.NewEscalator(workflow, counter, cfg.Policy.Escalation, log)

	manager := lifecycle.NewManager(dbClient, a.clock, log, lifecycle.WithMinReasonLength(cfg.Policy.MinReasonLength))

	useReadability := false
	documentExtractor := ingestion_engine.NewDocconvExtractor(useReadability)
	docIngestor := ingestion_engine.NewDocumentIngestor(
		dbClient, objClient, geminiEmbedder, documentExtractor, a.clock, log,
		ingestion_engine.DefaultIngestConfig(cfg.BucketName),
	)
	a.Queue = ingestion_engine.NewQueue(manager, docIngestor, a.clock, log, ingestion_engine.QueueConfig{
		Workers:    cfg.IngestWorkers,
		Capacity:   cfg.IngestQueueSize,
		JobTimeout: cfg.IngestJobTimeout,
	})
	manager.SetDispatcher(a.Queue)

	tokens := services.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, a.clock)
	users := services.NewUserService(dbClient, tokens, a.clock, log, cfg.AdminEmail)
	docs := services.NewDocumentService(manager, objClient, cfg.BucketName, log)
	query := services.NewQueryService(dbClient, geminiEmbedder.ForQueries(), llmProvider, resolver, escalator, a.clock, log)

	h := Handlers{
		Auth:      handlers.NewAuthHandler(users, log),
		Documents: handlers.NewDocumentHandler(docs, a.Queue, log),
		Overrides: handlers.NewOverrideHandler(workflow, resolver, a.clock, log),
		Ingestion: handlers.NewIngestionHandler(a.Queue, log),
		Chat:      handlers.NewChatHandler(query, log),
		Admin:     handlers.NewAdminHandler(users, log),
	}
	a.Server = NewServer(cfg.Port, NewRouter(h, users, cfg.CORSOrigins, log), log)
	return nil
}

func (a *App) openDatabase(ctx context.Context) (core.DbClient, error) {
	if a.cfg.DBDriver == "memory" {
		mem := db.NewMemoryClient()
		if err := db.SeedMemory(ctx, mem); err != nil {
			return nil, err
		}
		a.log.Warn("using the in-memory store; data is lost on restart")
		return mem, nil
	}
	pg, err := db.NewDatabaseClient(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// denialCounter shares auto-escalation counts through Redis when REDIS_ADDR
// is set.
func (a *App) denialCounter(ctx context.Context) (override.DenialCounter, error) {
	if a.cfg.RedisAddr == "" {
		return override.NewMemoryCounter(a.clock), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, DB: a.cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
	}
	a.closer = append(a.closer, client.Close)
	a.log.Info("denial counter backed by redis", logger.String("addr", a.cfg.RedisAddr))
	return override.NewRedisCounter(client), nil
}

// Start launches the ingestion workers and the periodic jobs. They stop
// when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	if _, err := a.Queue.RecoverInterrupted(ctx); err != nil {
		a.log.Warn("recovering interrupted ingestion", logger.Error(err))
	}
	a.Queue.Start(ctx)

	if a.cfg.GrantPruneInterval > 0 {
		a.goBackground(func() { a.Ledger.RunPruner(ctx, a.cfg.GrantPruneInterval, a.clock) })
		a.goBackground(func() { a.Workflow.RunExpirer(ctx, a.cfg.GrantPruneInterval) })
	}
	if a.cfg.BatchIngestInterval > 0 {
		a.goBackground(func() { a.Queue.RunScheduler(ctx, a.cfg.BatchIngestInterval) })
	}
}

func (a *App) goBackground(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

// Wait blocks until the background jobs and in-flight ingestion finish.
func (a *App) Wait() {
	a.bg.Wait()
	if a.Queue != nil {
		a.Queue.Wait()
	}
}

func (a *App) Close() {
	var errs []error
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close failed", logger.Error(err))
	}
}
