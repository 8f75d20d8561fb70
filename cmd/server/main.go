package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/config"
	"github.com/dmarchuk/curator/internal/database"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
	"github.com/dmarchuk/curator/internal/retrypolicy"
	"github.com/dmarchuk/curator/internal/server"
	"github.com/dmarchuk/curator/internal/takedown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	items := repository.NewItems(pool)
	audits := repository.NewAudits(pool)
	records := repository.NewRecords(pool)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	policy := retrypolicy.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	router := queue.NewRouter(client, policy)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	tracker := budget.New(rdb, map[string]int64{
		budget.ServiceSourceFeed: cfg.FeedDailyLimit,
		budget.ServiceCompletion: cfg.CompletionDailyLimit,
		budget.ServiceCMS:        cfg.CMSDailyLimit,
	})

	takedowns := takedown.NewService(items, audits, router, cfg.TakedownSLA)
	inspector := server.NewAsynqInspector(asynq.NewInspector(redisOpt))

	srv := server.New(server.Options{
		Address:       cfg.Address,
		Triggers:      router,
		Takedowns:     takedowns,
		Queues:        inspector,
		Budgets:       tracker,
		Failures:      records,
		FailureWindow: cfg.FailureWindow,
	})
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
