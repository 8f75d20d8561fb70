package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/alerting"
	"github.com/dmarchuk/curator/internal/archive"
	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/config"
	"github.com/dmarchuk/curator/internal/database"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
	"github.com/dmarchuk/curator/internal/retrypolicy"
	"github.com/dmarchuk/curator/internal/takedown"
	"github.com/dmarchuk/curator/internal/worker"
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
	records := repository.NewRecords(pool)
	audits := repository.NewAudits(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	var notifier clients.Notifier = alerting.LogNotifier{}
	if cfg.WebhookURL != "" {
		notifier = clients.NewWebhookNotifier(cfg.WebhookURL, cfg.ExternalTimeout, cfg.WebhookSecret)
	}
	tracker := budget.New(rdb, map[string]int64{
		budget.ServiceSourceFeed: cfg.FeedDailyLimit,
		budget.ServiceCompletion: cfg.CompletionDailyLimit,
		budget.ServiceCMS:        cfg.CMSDailyLimit,
	})
	tracker.OnThreshold(func(service string, threshold int, used, limit int64) {
		err := notifier.Send(ctx, clients.Notification{
			Message:  "budget threshold crossed",
			Severity: "warning",
			Fields: map[string]string{
				"service":   service,
				"threshold": strconv.Itoa(threshold) + "%",
				"used":      strconv.FormatInt(used, 10),
				"limit":     strconv.FormatInt(limit, 10),
			},
		})
		if err != nil {
			log.Printf("budget threshold notify: %v", err)
		}
	})

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

	var batchArchive worker.BatchArchiver
	if cfg.ArchiveEnabled() {
		store, err := archive.New(archive.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			log.Fatalf("init archive: %v", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			log.Fatalf("ensure archive bucket: %v", err)
		}
		batchArchive = store
	}

	takedowns := takedown.NewService(items, audits, router, cfg.TakedownSLA)
	processor := worker.NewProcessor(worker.Deps{
		Items:        items,
		Records:      records,
		Budget:       tracker,
		Router:       router,
		Feed:         clients.NewFeedClient(cfg.FeedURL, cfg.ExternalTimeout),
		AI:           clients.NewCompletionClient(cfg.CompletionURL, cfg.ExternalTimeout),
		CMS:          clients.NewCMSClient(cfg.CMSURL, cfg.ExternalTimeout),
		Takedown:     takedowns,
		Archive:      batchArchive,
		UnitEstimate: cfg.CompletionUnitEstimate,
	})
	mux := processor.Handler()

	// One asynq server per queue so each stage's concurrency scales
	// independently.
	specs := []struct {
		queue       string
		concurrency int
	}{
		{queue.QueueCollect, cfg.CollectWorkers},
		{queue.QueueProcess, cfg.ProcessWorkers},
		{queue.QueuePublish, cfg.PublishWorkers},
		{queue.QueueTakedown, cfg.TakedownWorkers},
	}
	var servers []*asynq.Server
	for _, spec := range specs {
		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:    spec.concurrency,
			Queues:         map[string]int{spec.queue: 1},
			RetryDelayFunc: policy.RetryDelayFunc,
		})
		if err := srv.Start(mux); err != nil {
			log.Fatalf("start %s worker: %v", spec.queue, err)
		}
		log.Printf("%s worker started (concurrency %d)", spec.queue, spec.concurrency)
		servers = append(servers, srv)
	}

	<-ctx.Done()
	for _, srv := range servers {
		srv.Shutdown()
	}
}
