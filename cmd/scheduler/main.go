package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dmarchuk/curator/internal/alerting"
	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/config"
	"github.com/dmarchuk/curator/internal/database"
	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
	"github.com/dmarchuk/curator/internal/retrypolicy"
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

	var notifier clients.Notifier = alerting.LogNotifier{}
	if cfg.WebhookURL != "" {
		notifier = clients.NewWebhookNotifier(cfg.WebhookURL, cfg.ExternalTimeout, cfg.WebhookSecret)
	}
	evaluator := alerting.NewEvaluator(alerting.Config{
		Queues:             []string{queue.QueueCollect, queue.QueueProcess, queue.QueuePublish, queue.QueueTakedown},
		Stages:             []model.Stage{model.StageCollect, model.StageProcess, model.StagePublish, model.StageUnpublish},
		QueueDepthLimit:    cfg.QueueDepthThreshold,
		FailureWindow:      cfg.FailureWindow,
		FailureThreshold:   cfg.FailureThreshold,
		FailureMinAttempts: cfg.FailureMinAttempts,
		Cooldown:           cfg.AlertCooldown,
	}, rdb, alerting.NewInspectorStats(asynq.NewInspector(redisOpt)), records, tracker, notifier)

	c := cron.New()
	_, err = c.AddFunc(cfg.CollectCron, func() {
		taskID, err := router.EnqueueCollect(ctx, queue.CollectPayload{
			Communities: cfg.Communities,
			SortMode:    cfg.SortMode,
			Limit:       cfg.CollectLimit,
		})
		if err != nil {
			log.Printf("scheduler: enqueue collect: %v", err)
			return
		}
		log.Printf("scheduler: collect cycle enqueued (%s)", taskID)
	})
	if err != nil {
		log.Fatalf("register collect cron %q: %v", cfg.CollectCron, err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepEvery), func() {
		if _, err := router.EnqueueSweep(ctx); err != nil {
			log.Printf("scheduler: enqueue sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("register sweep cron: %v", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.EvaluateEvery), func() {
		evaluator.Run(ctx)
	}); err != nil {
		log.Fatalf("register evaluator cron: %v", err)
	}

	c.Start()
	log.Printf("scheduler running: collect %q, sweep every %s, evaluate every %s",
		cfg.CollectCron, cfg.SweepEvery, cfg.EvaluateEvery)
	<-ctx.Done()
	<-c.Stop().Done()
}
