package takedown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
)

type fakeStore struct {
	items map[string]*model.Item // keyed by id
}

func newFakeStore(items ...*model.Item) *fakeStore {
	f := &fakeStore{items: map[string]*model.Item{}}
	for _, it := range items {
		cp := *it
		if cp.RemovalStatus == "" {
			cp.RemovalStatus = model.RemovalActive
		}
		f.items[cp.ID] = &cp
	}
	return f
}

func (f *fakeStore) GetByExternalID(_ context.Context, externalID string) (*model.Item, error) {
	for _, it := range f.items {
		if it.ExternalID == externalID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) RequestRemoval(_ context.Context, id string, finalizeAfter time.Time) (bool, error) {
	it, ok := f.items[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if it.RemovalStatus != model.RemovalActive {
		return false, nil
	}
	it.RemovalStatus = model.RemovalPending
	it.FinalizeAfter = &finalizeAfter
	return true, nil
}

func (f *fakeStore) DueForFinalize(_ context.Context, now time.Time, limit int) ([]model.Item, error) {
	var due []model.Item
	for _, it := range f.items {
		if it.RemovalStatus == model.RemovalPending && it.FinalizeAfter != nil && !it.FinalizeAfter.After(now) {
			due = append(due, *it)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeStore) Finalize(_ context.Context, id string, now time.Time) (bool, error) {
	it, ok := f.items[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if it.RemovalStatus != model.RemovalPending || it.FinalizeAfter == nil || it.FinalizeAfter.After(now) {
		return false, nil
	}
	it.RemovalStatus = model.RemovalRemoved
	it.Summary = ""
	it.Body = ""
	return true, nil
}

type fakeAudits struct {
	entries []model.TakedownAudit
}

func (f *fakeAudits) Append(_ context.Context, a model.TakedownAudit) error {
	f.entries = append(f.entries, a)
	return nil
}

func (f *fakeAudits) transitions() []string {
	out := make([]string, len(f.entries))
	for i, a := range f.entries {
		out[i] = a.Transition
	}
	return out
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) EnqueueUnpublish(_ context.Context, p queue.UnpublishPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, p.ItemID)
	return "task-unpublish", nil
}

const testSLA = 72 * time.Hour

func newTestService(store *fakeStore, audits *fakeAudits, router *fakeEnqueuer, now time.Time) *Service {
	svc := NewService(store, audits, router, testSLA)
	svc.now = func() time.Time { return now }
	return svc
}

func TestRequestActiveItemEnqueuesUnpublish(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(&model.Item{ID: "it-1", ExternalID: "ext-1", Status: model.StatusPublished})
	audits := &fakeAudits{}
	router := &fakeEnqueuer{}
	svc := newTestService(store, audits, router, now)

	r, err := svc.Request(context.Background(), "ext-1", "copyright", "legal@example.com")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Status != model.RemovalActive {
		t.Errorf("receipt status = %s, want active until unpublish succeeds", r.Status)
	}
	if want := now.Add(testSLA); !r.FinalizeAfter.Equal(want) {
		t.Errorf("finalize after = %v, want %v", r.FinalizeAfter, want)
	}
	if len(router.enqueued) != 1 || router.enqueued[0] != "it-1" {
		t.Errorf("enqueued = %v, want [it-1]", router.enqueued)
	}
	got := audits.transitions()
	if len(got) != 1 || got[0] != model.TakedownRequested {
		t.Errorf("audit transitions = %v, want [requested]", got)
	}
	if a := audits.entries[0]; a.Reason != "copyright" || a.Contact != "legal@example.com" {
		t.Errorf("audit = %+v, want reason and contact recorded", a)
	}
	// The state itself has not moved yet.
	it, _ := store.GetByExternalID(context.Background(), "ext-1")
	if it.RemovalStatus != model.RemovalActive {
		t.Errorf("item state = %s, want still active", it.RemovalStatus)
	}
}

func TestRequestUnknownItem(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeAudits{}, &fakeEnqueuer{}, time.Now())
	if _, err := svc.Request(context.Background(), "nope", "", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequestOnPendingAuditsWithoutReenqueue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(10 * time.Hour)
	store := newFakeStore(&model.Item{
		ID: "it-1", ExternalID: "ext-1",
		RemovalStatus: model.RemovalPending, FinalizeAfter: &deadline,
	})
	audits := &fakeAudits{}
	router := &fakeEnqueuer{}
	svc := newTestService(store, audits, router, now)

	r, err := svc.Request(context.Background(), "ext-1", "also infringing", "second@example.com")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Status != model.RemovalPending {
		t.Errorf("status = %s, want removal_pending", r.Status)
	}
	if !r.FinalizeAfter.Equal(deadline) {
		t.Errorf("finalize after = %v, want the original deadline %v", r.FinalizeAfter, deadline)
	}
	if len(router.enqueued) != 0 {
		t.Errorf("enqueued = %v, want no second unpublish", router.enqueued)
	}
	// The second requester's contact and reason still land in the audit
	// trail.
	if len(audits.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audits.entries))
	}
	if a := audits.entries[0]; a.Transition != model.TakedownRequested ||
		a.Reason != "also infringing" || a.Contact != "second@example.com" {
		t.Errorf("audit = %+v, want the repeat request recorded", a)
	}
}

func TestRequestIsNoopOnceRemoved(t *testing.T) {
	store := newFakeStore(&model.Item{ID: "it-1", ExternalID: "ext-1", RemovalStatus: model.RemovalRemoved})
	router := &fakeEnqueuer{}
	svc := newTestService(store, &fakeAudits{}, router, time.Now())

	r, err := svc.Request(context.Background(), "ext-1", "", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Status != model.RemovalRemoved || len(router.enqueued) != 0 {
		t.Errorf("status = %s enqueued = %v, want removed no-op", r.Status, router.enqueued)
	}
}

func TestCompleteUnpublishMovesStateOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(&model.Item{ID: "it-1", ExternalID: "ext-1"})
	audits := &fakeAudits{}
	svc := newTestService(store, audits, &fakeEnqueuer{}, now)

	if err := svc.CompleteUnpublish(context.Background(), "it-1"); err != nil {
		t.Fatalf("CompleteUnpublish: %v", err)
	}
	it := store.items["it-1"]
	if it.RemovalStatus != model.RemovalPending {
		t.Fatalf("state = %s, want removal_pending", it.RemovalStatus)
	}
	if want := now.Add(testSLA); !it.FinalizeAfter.Equal(want) {
		t.Errorf("finalize after = %v, want %v", it.FinalizeAfter, want)
	}

	// Redelivered task: second call must not audit a second transition.
	if err := svc.CompleteUnpublish(context.Background(), "it-1"); err != nil {
		t.Fatalf("replayed CompleteUnpublish: %v", err)
	}
	got := audits.transitions()
	if len(got) != 1 || got[0] != model.TakedownUnpublished {
		t.Errorf("audit transitions = %v, want exactly one unpublished", got)
	}
}

func TestSweepFinalizesOnlyPastDeadline(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	store := newFakeStore(
		&model.Item{ID: "due", ExternalID: "e1", RemovalStatus: model.RemovalPending, FinalizeAfter: &past, Summary: "s", Body: "b"},
		&model.Item{ID: "early", ExternalID: "e2", RemovalStatus: model.RemovalPending, FinalizeAfter: &future},
		&model.Item{ID: "live", ExternalID: "e3"},
	)
	audits := &fakeAudits{}
	svc := newTestService(store, audits, &fakeEnqueuer{}, now)

	n, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("finalized = %d, want 1", n)
	}
	due := store.items["due"]
	if due.RemovalStatus != model.RemovalRemoved {
		t.Errorf("due item state = %s, want removed", due.RemovalStatus)
	}
	if due.Summary != "" || due.Body != "" {
		t.Error("finalize must scrub derived content")
	}
	if store.items["early"].RemovalStatus != model.RemovalPending {
		t.Error("item inside the deadline was finalized")
	}
	if store.items["live"].RemovalStatus != model.RemovalActive {
		t.Error("active item was touched")
	}
	got := audits.transitions()
	if len(got) != 1 || got[0] != model.TakedownFinalized {
		t.Errorf("audit transitions = %v, want [finalized]", got)
	}

	// A second sweep finds nothing left to do.
	n, err = svc.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", n, err)
	}
}
