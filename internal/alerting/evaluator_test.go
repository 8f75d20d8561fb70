package alerting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/model"
)

type stubQueues struct {
	depths map[string]int
}

func (s *stubQueues) Depth(_ context.Context, qname string) (int, error) {
	return s.depths[qname], nil
}

type stubFailures struct {
	rate  float64
	total int64
}

func (s *stubFailures) FailureRate(context.Context, model.Stage, time.Duration) (float64, int64, error) {
	return s.rate, s.total, nil
}

type stubBudgets struct {
	usage map[string]budget.Usage
}

func (s *stubBudgets) Usage(_ context.Context, service string) (budget.Usage, error) {
	return s.usage[service], nil
}

func (s *stubBudgets) Services() []string {
	out := make([]string, 0, len(s.usage))
	for svc := range s.usage {
		out = append(out, svc)
	}
	return out
}

type capturingNotifier struct {
	sent []clients.Notification
}

func (c *capturingNotifier) Send(_ context.Context, n clients.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func baseConfig() Config {
	return Config{
		Queues:             []string{"collect", "process"},
		Stages:             []model.Stage{model.StageProcess},
		QueueDepthLimit:    100,
		FailureWindow:      15 * time.Minute,
		FailureThreshold:   0.25,
		FailureMinAttempts: 10,
		Cooldown:           30 * time.Minute,
	}
}

func TestQueueDepthAlert(t *testing.T) {
	_, rdb := testRedis(t)
	notifier := &capturingNotifier{}
	ev := NewEvaluator(baseConfig(), rdb,
		&stubQueues{depths: map[string]int{"collect": 101, "process": 5}},
		nil, nil, notifier)

	ev.Run(context.Background())

	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d notifications, want 1", len(notifier.sent))
	}
	n := notifier.sent[0]
	if !strings.Contains(n.Message, "collect") || n.Severity != "warning" {
		t.Errorf("notification = %+v, want collect depth warning", n)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	mr, rdb := testRedis(t)
	notifier := &capturingNotifier{}
	ev := NewEvaluator(baseConfig(), rdb,
		&stubQueues{depths: map[string]int{"collect": 500}},
		nil, nil, notifier)
	ctx := context.Background()

	// The condition persists across three evaluation cycles.
	for i := 0; i < 3; i++ {
		ev.Run(ctx)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d during cooldown, want 1", len(notifier.sent))
	}

	// After the cooldown expires the still-standing condition fires again.
	mr.FastForward(31 * time.Minute)
	ev.Run(ctx)
	if len(notifier.sent) != 2 {
		t.Errorf("sent = %d after cooldown, want 2", len(notifier.sent))
	}
}

func TestFailureRateAlertRequiresMinimumSample(t *testing.T) {
	_, rdb := testRedis(t)
	notifier := &capturingNotifier{}
	failures := &stubFailures{rate: 1.0, total: 3}
	ev := NewEvaluator(baseConfig(), rdb, nil, failures, nil, notifier)
	ctx := context.Background()

	// 3 of 3 failed, but the sample is below the minimum.
	ev.Run(ctx)
	if len(notifier.sent) != 0 {
		t.Fatalf("sent = %d below minimum sample, want 0", len(notifier.sent))
	}

	failures.total = 12
	failures.rate = 0.5
	ev.Run(ctx)
	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d above threshold, want 1", len(notifier.sent))
	}
	if n := notifier.sent[0]; n.Severity != "critical" {
		t.Errorf("severity = %s, want critical", n.Severity)
	}
}

func TestFailureRateAtThresholdDoesNotFire(t *testing.T) {
	_, rdb := testRedis(t)
	notifier := &capturingNotifier{}
	ev := NewEvaluator(baseConfig(), rdb, nil, &stubFailures{rate: 0.25, total: 100}, nil, notifier)

	ev.Run(context.Background())
	if len(notifier.sent) != 0 {
		t.Errorf("sent = %d at exactly the threshold, want 0", len(notifier.sent))
	}
}

func TestBudgetAlertSeverity(t *testing.T) {
	cases := []struct {
		name     string
		usage    budget.Usage
		sent     int
		severity string
	}{
		{"below warning", budget.Usage{Used: 10, Limit: 100, Percent: 10}, 0, ""},
		{"warning at 80", budget.Usage{Used: 80, Limit: 100, Percent: 80}, 1, "warning"},
		{"critical at 100", budget.Usage{Used: 100, Limit: 100, Percent: 100}, 1, "critical"},
		{"unmetered", budget.Usage{Used: 9999, Limit: 0, Percent: 0}, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rdb := testRedis(t)
			notifier := &capturingNotifier{}
			budgets := &stubBudgets{usage: map[string]budget.Usage{"ai_completion": tc.usage}}
			ev := NewEvaluator(baseConfig(), rdb, nil, nil, budgets, notifier)

			ev.Run(context.Background())
			if len(notifier.sent) != tc.sent {
				t.Fatalf("sent = %d, want %d", len(notifier.sent), tc.sent)
			}
			if tc.sent > 0 && notifier.sent[0].Severity != tc.severity {
				t.Errorf("severity = %s, want %s", notifier.sent[0].Severity, tc.severity)
			}
		})
	}
}

func TestIndependentConditionsCooldownSeparately(t *testing.T) {
	_, rdb := testRedis(t)
	notifier := &capturingNotifier{}
	queues := &stubQueues{depths: map[string]int{"collect": 500}}
	budgets := &stubBudgets{usage: map[string]budget.Usage{"cms": {Used: 95, Limit: 100, Percent: 95}}}
	ev := NewEvaluator(baseConfig(), rdb, queues, nil, budgets, notifier)
	ctx := context.Background()

	ev.Run(ctx)
	if len(notifier.sent) != 2 {
		t.Fatalf("sent = %d, want one per condition", len(notifier.sent))
	}

	// A second queue crossing fires even while the first conditions cool down.
	queues.depths["process"] = 300
	ev.Run(ctx)
	if len(notifier.sent) != 3 {
		t.Errorf("sent = %d, want the new condition to fire independently", len(notifier.sent))
	}
}
