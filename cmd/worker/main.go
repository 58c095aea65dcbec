package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/config"
	"github.com/ignite/sentrycore/internal/decision"
	"github.com/ignite/sentrycore/internal/delivery"
	"github.com/ignite/sentrycore/internal/embedding"
	"github.com/ignite/sentrycore/internal/fetcher"
	"github.com/ignite/sentrycore/internal/ingest"
	"github.com/ignite/sentrycore/internal/llm"
	"github.com/ignite/sentrycore/internal/match"
	"github.com/ignite/sentrycore/internal/pkg/distlock"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
	"github.com/ignite/sentrycore/internal/pkg/logger"
	"github.com/ignite/sentrycore/internal/repository/postgres"
	"github.com/ignite/sentrycore/internal/scheduler"
	"github.com/ignite/sentrycore/internal/timer"
)

func main() {
	log.Println("Starting SentryCore worker...")

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyLogLevel(cfg)

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(cfg)

	sources := postgres.NewSourceRepo(db)
	items := postgres.NewItemRepo(db)
	goals := postgres.NewGoalRepo(db)
	matches := postgres.NewMatchRepo(db)
	decisions := postgres.NewDecisionRepo(db)
	ingestLogs := postgres.NewIngestLogRepo(db)
	feedback := postgres.NewFeedbackRepo(db)
	budgets := postgres.NewBudgetRepo(db)
	outbox := postgres.NewOutboxRepo(db)

	governor := budget.NewGovernor(redisClient, budgets, budget.Caps{
		EmbeddingTokens: cfg.Budget.EmbeddingTokensDaily,
		JudgeTokens:     cfg.Budget.JudgeTokensDaily,
		USD:             cfg.Budget.DailyCapUSD,
		SoftFactor:      cfg.Budget.SoftFactor,
	})

	// Ingest: scheduler sweeps due sources and runs fetchers through
	// the coordinator.
	retryClient := httpretry.NewRetryClient(nil, 3)
	factory := fetcher.NewFactory(retryClient)
	coordinator := ingest.NewCoordinator(items, ingestLogs)
	sched := scheduler.New(sources, coordinator, factory, scheduler.Config{
		SweepInterval: time.Duration(cfg.Scheduler.SweepIntervalSeconds) * time.Second,
		ClaimBatch:    cfg.Scheduler.ClaimBatch,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxItems:      cfg.Scheduler.MaxItemsPerFetch,
	})

	// Embedding and matching.
	provider := embedding.NewHTTPProvider(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, &http.Client{
		Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	embedWorker := embedding.NewWorker(items, sources, provider, governor, timer.EmbedPendingInterval)

	matchWorker := match.NewWorker(items, goals, matches, feedback, provider, governor, timer.MatchInterval)
	matchWorker.SetWeights(match.Weights{
		Cos:      cfg.Match.CosWeight,
		Fresh:    cfg.Match.FreshWeight,
		Priority: cfg.Match.PriorityWeight,
		Must:     cfg.Match.MustWeight,
	})

	// Decision pipeline with the LLM judge.
	judge, err := buildJudge(cfg)
	if err != nil {
		log.Fatalf("llm judge: %v", err)
	}
	buffer := delivery.NewBuffer(redisClient)
	pipeline := decision.NewPipeline(matches, goals, items, decisions, buffer, governor, judge, timer.DecisionInterval)
	pipeline.SetThresholds(decision.Thresholds{
		Immediate: cfg.Decision.ImmediateThreshold,
		Boundary:  cfg.Decision.BoundaryThreshold,
		Batch:     cfg.Decision.BatchThreshold,
	})

	// Delivery: coalescer buckets decisions into emails, drainer ships
	// the outbox.
	renderer := delivery.NewRenderer(cfg.Server.BaseURL)
	coalescer := delivery.NewCoalescer(buffer, decisions, goals, items, matches, sources, outbox, renderer)

	sender, err := buildSender(cfg)
	if err != nil {
		log.Fatalf("email sender: %v", err)
	}
	drainer := delivery.NewDrainer(outbox, sender, timer.OutboxDrainInterval)

	sched.Start()
	embedWorker.Start()
	matchWorker.Start()
	pipeline.Start()
	coalescer.Start()
	drainer.Start()

	// Calendar jobs run behind distributed locks so a second worker
	// process doesn't double-fire them.
	ticks := timer.NewManager(&distlock.DefaultFactory{Redis: redisClient, DB: db})
	ticks.Register("budget_snapshot", timer.BudgetHourlyInterval, func(ctx context.Context) {
		if err := governor.SnapshotAll(ctx, time.Now()); err != nil {
			logger.Warn("budget snapshot failed", "error", err)
		}
	})
	ticks.RunDaily("budget_rollover", func(ctx context.Context) {
		if err := governor.Rollover(ctx, items, time.Now()); err != nil {
			logger.Warn("budget rollover failed", "error", err)
		}
	})
	ticks.Start()

	log.Println("Worker running. Press Ctrl+C to stop.")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ticks.Stop()
	drainer.Stop()
	coalescer.Stop()
	pipeline.Stop()
	matchWorker.Stop()
	embedWorker.Stop()
	sched.Stop()
	log.Println("Worker stopped")
}

func buildJudge(cfg *config.Config) (*llm.Judge, error) {
	switch cfg.LLM.Provider {
	case "bedrock":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := llm.NewBedrockClient(ctx, cfg.LLM.BedrockRegion, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		return llm.NewJudge(client), nil
	case "openai", "":
		httpClient := &http.Client{Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second}
		return llm.NewJudge(llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, httpClient)), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func buildSender(cfg *config.Config) (delivery.EmailSender, error) {
	switch cfg.Email.Provider {
	case "ses":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return delivery.NewSESSender(ctx, cfg.Email.SESRegion, cfg.Email.SESAccessKey, cfg.Email.SESSecretKey, cfg.Email.From)
	case "smtp", "":
		return delivery.NewSMTPSender(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUsername, cfg.Email.SMTPPassword, cfg.Email.From), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	log.Println("Connected to database")
	return db, nil
}

func openRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.URL == "" {
		log.Fatal("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	log.Println("Connected to Redis")
	return client
}

func applyLogLevel(cfg *config.Config) {
	switch cfg.Logging.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}
}
