// Package budget gates every external call behind a per-service daily
// quota. Counters live in Redis so accounting stays atomic across worker
// processes; keys expire at the next UTC midnight, which is also the reset.
package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/pipeline"
)

// Service names accounted against daily limits.
const (
	ServiceSourceFeed = "source_feed"
	ServiceCompletion = "ai_completion"
	ServiceCMS        = "cms"
)

// Usage is a point-in-time snapshot of one service's counter.
type Usage struct {
	Service string  `json:"service"`
	Used    int64   `json:"used"`
	Limit   int64   `json:"limit"`
	Percent float64 `json:"percent"`
}

// ThresholdFunc is invoked at most once per threshold per service per day.
type ThresholdFunc func(service string, threshold int, used, limit int64)

// Tracker implements checkAndReserve/reconcile against Redis.
type Tracker struct {
	rdb     *redis.Client
	limits  map[string]int64
	onCross ThresholdFunc
	now     func() time.Time
}

// New constructs a Tracker. A zero or missing limit means the service is
// unmetered.
func New(rdb *redis.Client, limits map[string]int64) *Tracker {
	return &Tracker{
		rdb:    rdb,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnThreshold registers the callback fired when 80% or 100% of a daily
// limit is crossed.
func (t *Tracker) OnThreshold(fn ThresholdFunc) { t.onCross = fn }

// NextReset returns the upcoming UTC midnight relative to now.
func NextReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// CheckAndReserve reserves the estimated cost against the service's daily
// counter. It is pessimistic: the reservation happens before the external
// call, and Reconcile trues it up afterwards. Returns an error wrapping
// pipeline.ErrBudgetExceeded when the reservation would overshoot the
// limit; in that case nothing is reserved.
func (t *Tracker) CheckAndReserve(ctx context.Context, service string, estimate int64) error {
	if estimate <= 0 {
		estimate = 1
	}
	key := t.counterKey(service)
	used, err := t.rdb.IncrBy(ctx, key, estimate).Result()
	if err != nil {
		return &pipeline.TransientError{Op: "budget reserve", Err: err}
	}
	t.expireAtReset(ctx, key)

	limit := t.limits[service]
	if limit <= 0 {
		return nil
	}
	if used > limit {
		// Roll the reservation back so the counter reflects actual spend.
		if err := t.rdb.DecrBy(ctx, key, estimate).Err(); err != nil {
			log.Printf("budget: rollback %s failed: %v", service, err)
		}
		t.fireThreshold(ctx, service, 100, limit, limit)
		return fmt.Errorf("service %s at %d/%d: %w", service, used-estimate, limit, pipeline.ErrBudgetExceeded)
	}
	if used >= limit {
		t.fireThreshold(ctx, service, 100, used, limit)
	}
	if used*100 >= limit*80 {
		t.fireThreshold(ctx, service, 80, used, limit)
	}
	return nil
}

// Reconcile adjusts the counter from the pre-call estimate to the exact
// cost reported by the external service.
func (t *Tracker) Reconcile(ctx context.Context, service string, estimate, actual int64) error {
	delta := actual - estimate
	if delta == 0 {
		return nil
	}
	key := t.counterKey(service)
	used, err := t.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return fmt.Errorf("budget reconcile %s: %w", service, err)
	}
	t.expireAtReset(ctx, key)
	if limit := t.limits[service]; limit > 0 && delta > 0 {
		if used >= limit {
			t.fireThreshold(ctx, service, 100, used, limit)
		}
		if used*100 >= limit*80 {
			t.fireThreshold(ctx, service, 80, used, limit)
		}
	}
	return nil
}

// Usage reads the current counter for one service.
func (t *Tracker) Usage(ctx context.Context, service string) (Usage, error) {
	u := Usage{Service: service, Limit: t.limits[service]}
	used, err := t.rdb.Get(ctx, t.counterKey(service)).Int64()
	if err != nil && err != redis.Nil {
		return u, fmt.Errorf("budget usage %s: %w", service, err)
	}
	u.Used = used
	if u.Limit > 0 {
		u.Percent = float64(used) / float64(u.Limit) * 100
	}
	return u, nil
}

// Services returns every metered service name.
func (t *Tracker) Services() []string {
	out := make([]string, 0, len(t.limits))
	for svc := range t.limits {
		out = append(out, svc)
	}
	return out
}

// fireThreshold raises the alert exactly once per threshold per day. The
// SETNX flag, not the caller, is the idempotency guard: concurrent workers
// crossing the boundary race on the flag and only one wins.
func (t *Tracker) fireThreshold(ctx context.Context, service string, threshold int, used, limit int64) {
	flag := fmt.Sprintf("%s:alert%d", t.counterKey(service), threshold)
	ttl := time.Until(NextReset(t.now()))
	ok, err := t.rdb.SetNX(ctx, flag, 1, ttl).Result()
	if err != nil {
		log.Printf("budget: threshold flag %s: %v", flag, err)
		return
	}
	if ok && t.onCross != nil {
		t.onCross(service, threshold, used, limit)
	}
}

func (t *Tracker) counterKey(service string) string {
	return fmt.Sprintf("budget:%s:%s", service, t.now().Format("2006-01-02"))
}

func (t *Tracker) expireAtReset(ctx context.Context, key string) {
	if err := t.rdb.ExpireAt(ctx, key, NextReset(t.now())).Err(); err != nil {
		log.Printf("budget: expire %s: %v", key, err)
	}
}
