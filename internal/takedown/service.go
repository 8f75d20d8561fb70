// Package takedown implements the two-stage content-removal workflow:
// unpublish immediately, finalize after a fixed compliance SLA.
package takedown

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
)

// ItemStore is the subset of the item repository the workflow needs.
type ItemStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*model.Item, error)
	RequestRemoval(ctx context.Context, id string, finalizeAfter time.Time) (bool, error)
	DueForFinalize(ctx context.Context, now time.Time, limit int) ([]model.Item, error)
	Finalize(ctx context.Context, id string, now time.Time) (bool, error)
}

// AuditStore appends takedown transitions.
type AuditStore interface {
	Append(ctx context.Context, a model.TakedownAudit) error
}

// UnpublishEnqueuer places unpublish tasks on the takedown queue.
type UnpublishEnqueuer interface {
	EnqueueUnpublish(ctx context.Context, p queue.UnpublishPayload) (string, error)
}

// Receipt is returned to the requester of a takedown. FinalizeAfter is the
// scheduled deadline, not a binding one: while the unpublish is still in
// flight it is a projection from the request time, and the definitive
// deadline is fixed only when the unpublish succeeds.
type Receipt struct {
	ItemID        string              `json:"itemId"`
	Status        model.RemovalStatus `json:"status"`
	FinalizeAfter time.Time           `json:"finalizeAfter"`
}

// Service drives removal-state transitions. States only move forward:
// active -> removal_pending -> removed.
type Service struct {
	items  ItemStore
	audits AuditStore
	router UnpublishEnqueuer
	sla    time.Duration
	now    func() time.Time
}

// NewService constructs the takedown workflow.
func NewService(items ItemStore, audits AuditStore, router UnpublishEnqueuer, sla time.Duration) *Service {
	return &Service{
		items:  items,
		audits: audits,
		router: router,
		sla:    sla,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Request accepts an external removal request. For an active item it
// enqueues the remote unpublish; the state transition happens only after
// that call succeeds. Requests against removal_pending or removed items are
// no-ops returning the current state.
func (s *Service) Request(ctx context.Context, externalID, reason, contact string) (*Receipt, error) {
	it, err := s.items.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("takedown request: %w", err)
	}
	switch it.RemovalStatus {
	case model.RemovalRemoved:
		return &Receipt{ItemID: it.ID, Status: it.RemovalStatus}, nil
	case model.RemovalPending:
		// The unpublish is already in flight; still audit this requester's
		// contact and reason without enqueueing again.
		if err := s.audits.Append(ctx, model.TakedownAudit{
			ItemID:     it.ID,
			Contact:    contact,
			Reason:     reason,
			Transition: model.TakedownRequested,
		}); err != nil {
			return nil, fmt.Errorf("takedown request: %w", err)
		}
		r := &Receipt{ItemID: it.ID, Status: it.RemovalStatus}
		if it.FinalizeAfter != nil {
			r.FinalizeAfter = *it.FinalizeAfter
		}
		return r, nil
	}

	if err := s.audits.Append(ctx, model.TakedownAudit{
		ItemID:     it.ID,
		Contact:    contact,
		Reason:     reason,
		Transition: model.TakedownRequested,
	}); err != nil {
		return nil, fmt.Errorf("takedown request: %w", err)
	}
	if _, err := s.router.EnqueueUnpublish(ctx, queue.UnpublishPayload{ItemID: it.ID}); err != nil {
		return nil, fmt.Errorf("takedown request: %w", err)
	}
	return &Receipt{
		ItemID:        it.ID,
		Status:        it.RemovalStatus,
		FinalizeAfter: s.now().Add(s.sla),
	}, nil
}

// CompleteUnpublish transitions an item to removal_pending once the remote
// unpublish succeeded, and schedules finalization at now + SLA. Safe to call
// more than once; only the first call moves the state.
func (s *Service) CompleteUnpublish(ctx context.Context, itemID string) error {
	moved, err := s.items.RequestRemoval(ctx, itemID, s.now().Add(s.sla))
	if err != nil {
		return fmt.Errorf("complete unpublish: %w", err)
	}
	if !moved {
		return nil
	}
	if err := s.audits.Append(ctx, model.TakedownAudit{
		ItemID:     itemID,
		Transition: model.TakedownUnpublished,
	}); err != nil {
		return fmt.Errorf("complete unpublish: %w", err)
	}
	return nil
}

// Sweep finalizes every removal_pending item whose deadline has passed and
// returns the number of items removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	const batch = 100
	now := s.now()
	due, err := s.items.DueForFinalize(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	finalized := 0
	for _, it := range due {
		done, err := s.items.Finalize(ctx, it.ID, now)
		if err != nil {
			return finalized, fmt.Errorf("sweep finalize %s: %w", it.ID, err)
		}
		if !done {
			continue
		}
		finalized++
		if err := s.audits.Append(ctx, model.TakedownAudit{
			ItemID:     it.ID,
			Transition: model.TakedownFinalized,
		}); err != nil {
			log.Printf("sweep: audit finalize %s: %v", it.ID, err)
		}
	}
	return finalized, nil
}

var _ ItemStore = (*repository.Items)(nil)
