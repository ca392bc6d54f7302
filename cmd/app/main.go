// File: cmd/app/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hearing-summarizer/internal/config"
	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/domain/ports/repository"
	aiAdapters "hearing-summarizer/internal/infra/adapters/ai"
	"hearing-summarizer/internal/infra/broker"
	"hearing-summarizer/internal/infra/cache"
	"hearing-summarizer/internal/infra/db/memory"
	pg "hearing-summarizer/internal/infra/db/postgres"
	"hearing-summarizer/internal/infra/limiter"
	"hearing-summarizer/internal/infra/logging"
	"hearing-summarizer/internal/infra/metrics"
	red "hearing-summarizer/internal/infra/redis"
	"hearing-summarizer/internal/infra/sched"
	"hearing-summarizer/internal/infra/web"
	"hearing-summarizer/internal/infra/worker"
	"hearing-summarizer/internal/usecase"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// staleGrace is added to the job timeout before the sweeper treats a job as orphaned.
const staleGrace = time.Minute

func main() {
	startedAt := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Store ----
	var (
		store repository.JobStore
		tm    repository.TransactionManager
	)
	if cfg.Database.URL == "" {
		mem := memory.NewStore()
		store, tm = mem, mem
		logger.Warn().Msg("database.url not set; jobs are kept in memory")
	} else {
		pool, err := pg.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(pool, logger); err != nil {
				logger.Fatal().Err(err).Msg("migrate")
			}
		}
		go pg.ReportPoolStats(ctx, pool, 15*time.Second, logger)
		txm := pg.NewTxManager(pool)
		store, tm = pg.NewJobStore(pool, txm), txm
	}

	// ---- Notifier, limiters, lock ----
	hub := broker.NewHub()
	var (
		notifier    adapter.EventNotifier = hub
		jobLimiter  adapter.JobLimiter    = limiter.NewJobs(cfg.Jobs.ClientLimit)
		rateLimiter web.RateLimiter       = limiter.NewRate()
		locker      red.Locker
	)
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		n := red.NewNotifier(redisClient, hub, logger)
		go n.Run(ctx)
		notifier = n
		jobLimiter = red.NewJobLimiter(redisClient, cfg.Jobs.ClientLimit, cfg.Jobs.Timeout+staleGrace)
		rateLimiter = red.NewRateLimiter(redisClient)
		locker = red.NewLocker(redisClient)
	} else {
		logger.Warn().Msg("redis.url not set; notifications and limits are process-local")
	}

	// ---- AI ----
	gen := buildGenerator(ctx, cfg, logger)

	// ---- Engine ----
	pool := worker.NewPool(cfg.Jobs.Workers, logger)
	pool.Start(ctx)

	uc := usecase.NewSummarizeUseCase(
		store, tm, gen, pool,
		cache.NewSalvage(cfg.Jobs.SalvageCapacity),
		notifier, jobLimiter,
		usecase.OptionsFromConfig(cfg),
		logger,
	)
	if n, err := uc.FailStale(ctx, startedAt); err != nil {
		logger.Error().Err(err).Msg("startup sweep failed")
	} else if n > 0 {
		metrics.AddHousekeeping("interrupted", n)
		logger.Warn().Int("count", n).Msg("jobs from a previous run marked interrupted")
	}

	streams := usecase.NewStreamGateway(store, notifier, cfg.Jobs.EventPageSize, cfg.Jobs.StreamPollInterval, logger)

	housekeeper := sched.NewHousekeeper(sched.Options{
		Interval:   cfg.Jobs.CleanupInterval,
		Retention:  cfg.Jobs.Retention,
		StaleAfter: cfg.Jobs.Timeout + staleGrace,
	}, store, uc, locker, logger)
	housekeeper.Start(ctx)

	// ---- HTTP ----
	server := web.NewServer(uc, streams, rateLimiter, cfg.HTTP, cfg.Jobs.MaxVariants, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	housekeeper.Stop()
	uc.Close(shutdownCtx)
	cancel()
	logger.Info().Msg("bye")
}

// buildGenerator wires every configured provider behind one router, with the demo
// generator as the fallback, and puts the shared rate limit in front.
func buildGenerator(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) adapter.Generator {
	budget := aiAdapters.NewTokenBudget(cfg.AI.MaxInputTokens)
	providers := map[string]adapter.Generator{
		"demo": aiAdapters.NewDemoGenerator(40 * time.Millisecond),
	}
	models := map[string]string{}

	if cfg.AI.OpenAIKey != "" {
		g, err := aiAdapters.NewOpenAIGenerator(cfg.AI.OpenAIKey, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens, budget)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai generator")
		}
		providers["openai"] = g
	}
	if cfg.AI.MetisKey != "" {
		g, err := aiAdapters.NewMetisGenerator(cfg.AI.MetisKey, cfg.AI.MetisBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens, budget)
		if err != nil {
			logger.Fatal().Err(err).Msg("metis generator")
		}
		providers["metis"] = g
	}
	if cfg.AI.GeminiKey != "" {
		g, err := aiAdapters.NewGeminiGenerator(ctx, cfg.AI.GeminiKey, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens, budget)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini generator")
		}
		providers["gemini"] = g
	}
	if _, ok := providers[cfg.AI.Provider]; !ok {
		logger.Fatal().Str("provider", cfg.AI.Provider).Msg("ai.provider has no credentials configured")
	}
	models[cfg.AI.DefaultModel] = cfg.AI.Provider

	keys := zerolog.Dict()
	for name, key := range map[string]string{"openai": cfg.AI.OpenAIKey, "metis": cfg.AI.MetisKey, "gemini": cfg.AI.GeminiKey} {
		if key != "" {
			keys.Str(name, logging.Redact(key, cfg.Runtime.Dev))
		}
	}
	logger.Info().
		Str("provider", cfg.AI.Provider).
		Str("model", cfg.AI.DefaultModel).
		Dict("keys", keys).
		Msg("AI generator configured")

	multi := aiAdapters.NewMultiGenerator(cfg.AI.Provider, providers, models)
	return aiAdapters.NewLimitedGenerator(multi, cfg.AI.RequestsPerSec, cfg.AI.Burst)
}
