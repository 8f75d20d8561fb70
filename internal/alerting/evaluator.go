// Package alerting watches queue depth, trailing failure rate, and budget
// consumption, and notifies the operator with per-condition cooldowns.
package alerting

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/model"
)

// QueueStats reports the depth of one queue.
type QueueStats interface {
	Depth(ctx context.Context, qname string) (int, error)
}

// FailureRates reports the trailing failure ratio for one stage.
type FailureRates interface {
	FailureRate(ctx context.Context, stage model.Stage, window time.Duration) (rate float64, total int64, err error)
}

// BudgetUsage reports per-service counter snapshots.
type BudgetUsage interface {
	Usage(ctx context.Context, service string) (budget.Usage, error)
	Services() []string
}

// Config tunes the evaluated thresholds.
type Config struct {
	Queues             []string
	Stages             []model.Stage
	QueueDepthLimit    int
	FailureWindow      time.Duration
	FailureThreshold   float64
	FailureMinAttempts int64
	Cooldown           time.Duration
}

// Evaluator runs on a fixed cadence and emits at most one notification per
// condition per cooldown interval, even while the condition persists.
type Evaluator struct {
	cfg      Config
	rdb      *redis.Client
	queues   QueueStats
	failures FailureRates
	budgets  BudgetUsage
	notifier clients.Notifier
}

// NewEvaluator constructs the evaluator.
func NewEvaluator(cfg Config, rdb *redis.Client, queues QueueStats, failures FailureRates, budgets BudgetUsage, notifier clients.Notifier) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		rdb:      rdb,
		queues:   queues,
		failures: failures,
		budgets:  budgets,
		notifier: notifier,
	}
}

// Run evaluates every monitored condition once.
func (e *Evaluator) Run(ctx context.Context) {
	e.checkQueues(ctx)
	e.checkFailureRates(ctx)
	e.checkBudgets(ctx)
}

func (e *Evaluator) checkQueues(ctx context.Context) {
	if e.queues == nil || e.cfg.QueueDepthLimit <= 0 {
		return
	}
	for _, q := range e.cfg.Queues {
		depth, err := e.queues.Depth(ctx, q)
		if err != nil {
			log.Printf("alerting: queue depth %s: %v", q, err)
			continue
		}
		if depth <= e.cfg.QueueDepthLimit {
			continue
		}
		e.fire(ctx, "queue_depth:"+q, clients.Notification{
			Message:  fmt.Sprintf("queue %s depth %d exceeds limit %d", q, depth, e.cfg.QueueDepthLimit),
			Severity: "warning",
			Fields:   map[string]string{"queue": q, "depth": fmt.Sprint(depth)},
		})
	}
}

func (e *Evaluator) checkFailureRates(ctx context.Context) {
	if e.failures == nil || e.cfg.FailureThreshold <= 0 {
		return
	}
	for _, stage := range e.cfg.Stages {
		rate, total, err := e.failures.FailureRate(ctx, stage, e.cfg.FailureWindow)
		if err != nil {
			log.Printf("alerting: failure rate %s: %v", stage, err)
			continue
		}
		// Require a minimum sample so a single early failure does not page.
		if total < e.cfg.FailureMinAttempts || rate <= e.cfg.FailureThreshold {
			continue
		}
		e.fire(ctx, "failure_rate:"+string(stage), clients.Notification{
			Message:  fmt.Sprintf("high failure rate on %s stage: %.0f%% of %d attempts", stage, rate*100, total),
			Severity: "critical",
			Fields:   map[string]string{"stage": string(stage), "rate": fmt.Sprintf("%.3f", rate)},
		})
	}
}

func (e *Evaluator) checkBudgets(ctx context.Context) {
	if e.budgets == nil {
		return
	}
	for _, svc := range e.budgets.Services() {
		u, err := e.budgets.Usage(ctx, svc)
		if err != nil {
			log.Printf("alerting: budget usage %s: %v", svc, err)
			continue
		}
		if u.Limit <= 0 || u.Percent < 80 {
			continue
		}
		severity := "warning"
		if u.Percent >= 100 {
			severity = "critical"
		}
		e.fire(ctx, "budget:"+svc, clients.Notification{
			Message:  fmt.Sprintf("service %s at %.0f%% of daily budget (%d/%d)", svc, u.Percent, u.Used, u.Limit),
			Severity: severity,
			Fields:   map[string]string{"service": svc, "percent": fmt.Sprintf("%.1f", u.Percent)},
		})
	}
}

// fire sends the notification unless the condition is still cooling down.
// The SETNX flag arbitrates between concurrent evaluators.
func (e *Evaluator) fire(ctx context.Context, condition string, n clients.Notification) {
	ok, err := e.rdb.SetNX(ctx, "alert:cooldown:"+condition, 1, e.cfg.Cooldown).Result()
	if err != nil {
		log.Printf("alerting: cooldown flag %s: %v", condition, err)
		return
	}
	if !ok {
		return
	}
	if err := e.notifier.Send(ctx, n); err != nil {
		// Fire and forget: notification failures never block the pipeline.
		log.Printf("alerting: send %s: %v", condition, err)
	}
}
