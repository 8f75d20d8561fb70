package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dmarchuk/curator/internal/pipeline"
)

func newTestTracker(t *testing.T, limits map[string]int64) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, limits)
}

func TestReserveWithinLimit(t *testing.T) {
	tr := newTestTracker(t, map[string]int64{ServiceSourceFeed: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := tr.CheckAndReserve(ctx, ServiceSourceFeed, 1); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}
	u, err := tr.Usage(ctx, ServiceSourceFeed)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Used != 10 {
		t.Errorf("used = %d, want 10", u.Used)
	}
}

func TestReserveBeyondLimitRollsBack(t *testing.T) {
	tr := newTestTracker(t, map[string]int64{ServiceCompletion: 10})
	ctx := context.Background()

	if err := tr.CheckAndReserve(ctx, ServiceCompletion, 8); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := tr.CheckAndReserve(ctx, ServiceCompletion, 5)
	if !errors.Is(err, pipeline.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	// The failed reservation must not burn budget.
	u, _ := tr.Usage(ctx, ServiceCompletion)
	if u.Used != 8 {
		t.Errorf("used = %d after rollback, want 8", u.Used)
	}
}

func TestUnmeteredServiceNeverBlocks(t *testing.T) {
	tr := newTestTracker(t, map[string]int64{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := tr.CheckAndReserve(ctx, ServiceCMS, 5); err != nil {
			t.Fatalf("unmetered reserve failed: %v", err)
		}
	}
}

func TestReconcileAdjustsToActualCost(t *testing.T) {
	tr := newTestTracker(t, map[string]int64{ServiceCompletion: 100})
	ctx := context.Background()

	if err := tr.CheckAndReserve(ctx, ServiceCompletion, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tr.Reconcile(ctx, ServiceCompletion, 10, 7); err != nil {
		t.Fatalf("reconcile down: %v", err)
	}
	u, _ := tr.Usage(ctx, ServiceCompletion)
	if u.Used != 7 {
		t.Errorf("used = %d, want 7", u.Used)
	}
	if err := tr.Reconcile(ctx, ServiceCompletion, 7, 12); err != nil {
		t.Fatalf("reconcile up: %v", err)
	}
	u, _ = tr.Usage(ctx, ServiceCompletion)
	if u.Used != 12 {
		t.Errorf("used = %d, want 12", u.Used)
	}
}

func TestThresholdAlertsFireOncePerDay(t *testing.T) {
	tr := newTestTracker(t, map[string]int64{ServiceSourceFeed: 10})
	ctx := context.Background()

	var mu sync.Mutex
	fired := map[int]int{}
	tr.OnThreshold(func(_ string, threshold int, _, _ int64) {
		mu.Lock()
		fired[threshold]++
		mu.Unlock()
	})

	// Cross 80% and 100% repeatedly from many goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.CheckAndReserve(ctx, ServiceSourceFeed, 1)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fired[80] != 1 {
		t.Errorf("80%% alert fired %d times, want exactly 1", fired[80])
	}
	if fired[100] != 1 {
		t.Errorf("100%% alert fired %d times, want exactly 1", fired[100])
	}
}

func TestCountersResetAtMidnight(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tr := New(rdb, map[string]int64{ServiceSourceFeed: 10})

	day1 := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := tr.CheckAndReserve(ctx, ServiceSourceFeed, 1); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if err := tr.CheckAndReserve(ctx, ServiceSourceFeed, 1); !errors.Is(err, pipeline.ErrBudgetExceeded) {
		t.Fatalf("expected budget exhausted before midnight, got %v", err)
	}

	// Day rollover: counters key on the new date, so the budget is fresh.
	tr.now = func() time.Time { return day1.Add(2 * time.Hour) }
	if err := tr.CheckAndReserve(ctx, ServiceSourceFeed, 1); err != nil {
		t.Fatalf("reserve after reset failed: %v", err)
	}
	u, _ := tr.Usage(ctx, ServiceSourceFeed)
	if u.Used != 1 {
		t.Errorf("used = %d after reset, want 1", u.Used)
	}
}

func TestNextReset(t *testing.T) {
	now := time.Date(2026, 8, 30, 17, 45, 12, 0, time.UTC)
	want := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	if got := NextReset(now); !got.Equal(want) {
		t.Errorf("NextReset = %s, want %s", got, want)
	}
}
