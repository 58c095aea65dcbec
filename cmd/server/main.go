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

	"github.com/ignite/sentrycore/internal/api"
	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/config"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
	"github.com/ignite/sentrycore/internal/pkg/logger"
	"github.com/ignite/sentrycore/internal/repository/postgres"
	"github.com/ignite/sentrycore/internal/tracking"
)

func main() {
	log.Println("Starting SentryCore API server...")

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

	governor := budget.NewGovernor(redisClient, budgets, budget.Caps{
		EmbeddingTokens: cfg.Budget.EmbeddingTokensDaily,
		JudgeTokens:     cfg.Budget.JudgeTokensDaily,
		USD:             cfg.Budget.DailyCapUSD,
		SoftFactor:      cfg.Budget.SoftFactor,
	})

	redirector := tracking.NewRedirector(items, feedback, decisions)

	handlers := &api.Handlers{
		Sources:    sources,
		Items:      items,
		Goals:      goals,
		Matches:    matches,
		Decisions:  decisions,
		IngestLogs: ingestLogs,
		Feedback:   feedback,
		Budgets:    budgets,
		Governor:   governor,
		HTTP:       httpretry.NewRetryClient(nil, 2),
		Workers:    map[string]api.StatsFunc{},
	}

	router := api.SetupRoutes(handlers, redirector)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
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
