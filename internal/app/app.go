// Package app wires configuration into the concrete service graph shared by
// the API server, the worker, and the dev CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/ci"
	"github.com/packwright/packwright/internal/config"
	"github.com/packwright/packwright/internal/database"
	"github.com/packwright/packwright/internal/expiry"
	"github.com/packwright/packwright/internal/logging"
	"github.com/packwright/packwright/internal/orchestrator"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/quota"
	"github.com/packwright/packwright/internal/repository"
	"github.com/packwright/packwright/internal/signing"
	"github.com/packwright/packwright/internal/storage"
	"github.com/packwright/packwright/internal/watchdog"
)

// BuildStore is the full build-record capability both backends provide.
type BuildStore interface {
	Create(ctx context.Context, rec *build.Record) error
	Get(ctx context.Context, id string) (*build.Record, error)
	ListByUser(ctx context.Context, userID string) ([]*build.Record, error)
	ListActive(ctx context.Context, userID string) ([]*build.Record, error)
	ListStuckCI(ctx context.Context, updatedBefore time.Time, limit int) ([]*build.Record, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*build.Record, error)
	MarkProcessing(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetRunID(ctx context.Context, id string, runID int64, artifactURL string) error
	SetIcon(ctx context.Context, id, iconKey string) error
	MarkCompleted(ctx context.Context, id, outputPath, downloadURL string) (bool, error)
	MarkFailed(ctx context.Context, id, message string) (bool, error)
	ClaimSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseSync(ctx context.Context, id string) error
	ClearFiles(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ShareStore persists download shares.
type ShareStore interface {
	CreateShare(ctx context.Context, s *build.Share) error
	GetShare(ctx context.Context, code string) (*build.Share, error)
	IncrementShareAccess(ctx context.Context, code string) error
}

// App is the assembled service graph.
type App struct {
	Cfg *config.Config
	Log zerolog.Logger

	Builds  BuildStore
	Shares  ShareStore
	Ledger  *quota.Ledger
	Storage *storage.Storage
	CI      *ci.Client
	Signer  *signing.Signer

	Queue        *queue.Client
	Orchestrator *orchestrator.Orchestrator
	Expiry       *expiry.Manager
	Watchdog     *watchdog.Watchdog

	Redis *redis.Client

	pool        *pgxpool.Pool
	asynqClient *asynq.Client
}

// New builds the graph for the given component name ("api", "worker", ...).
func New(ctx context.Context, component string, cfg *config.Config) (*App, error) {
	log := logging.New(component, cfg.LogLevel)

	store, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	tasks := queue.NewClient(asynqClient)

	a := &App{
		Cfg:         cfg,
		Log:         log,
		Storage:     store,
		Signer:      signing.NewSigner([]byte(cfg.CallbackSecret)),
		Queue:       tasks,
		Redis:       rdb,
		asynqClient: asynqClient,
	}

	switch cfg.Backend {
	case "memory":
		mem := repository.NewMemoryStore(cfg.DefaultDailyLimit, cfg.DefaultRetentionDays)
		a.Builds = mem
		a.Shares = mem
		a.Ledger = quota.NewLedger(mem)
	default:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool
		a.Builds = repository.NewBuildRepository(pool)
		a.Shares = repository.NewShareRepository(pool)
		a.Ledger = quota.NewLedger(repository.NewWalletRepository(pool, cfg.DefaultDailyLimit, cfg.DefaultRetentionDays))
	}

	a.CI = ci.NewClient(ci.Config{
		APIURL:   cfg.GitHubAPIURL,
		Token:    cfg.GitHubToken,
		Owner:    cfg.GitHubOwner,
		Repo:     cfg.GitHubRepo,
		Workflow: cfg.GitHubWorkflow,
		Ref:      cfg.GitHubRef,
	})

	assembler := assembly.NewTemplateAssembler(assembly.NewStorageTemplates(store, storage.TemplateKey))
	a.Orchestrator = orchestrator.New(a.Builds, a.Ledger, store, assembler, a.CI, tasks, orchestrator.Options{
		MaxIconBytes:   cfg.MaxIconBytes,
		DownloadURLTTL: cfg.DownloadURLTTL,
		CIArtifactName: cfg.CIArtifactName,
	}, log)

	a.Expiry = expiry.NewManager(a.Builds, store, tasks, log)
	a.Watchdog = watchdog.New(a.Builds, a.Orchestrator,
		watchdog.NewRedisCache(rdb, cfg.CompletedCacheTTL),
		watchdog.Options{
			Workers:    cfg.WorkerConcurrency,
			StuckAfter: cfg.WatchdogStuckAfter,
			StaleAfter: cfg.SyncStaleAfter,
		}, log)

	return a, nil
}

// Close releases the graph's connections.
func (a *App) Close() error {
	var firstErr error
	if err := a.asynqClient.Close(); err != nil {
		firstErr = fmt.Errorf("close queue client: %w", err)
	}
	if err := a.Redis.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close redis client: %w", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return firstErr
}
