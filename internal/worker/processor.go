// Package worker hosts the asynq handlers that execute the three pipeline
// stages plus the takedown queue. Delivery is at-least-once; every handler
// is written to converge on replay.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dmarchuk/curator/internal/budget"
	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/pipeline"
	"github.com/dmarchuk/curator/internal/queue"
	"github.com/dmarchuk/curator/internal/repository"
)

// ItemStore is the subset of the item repository the workers need.
type ItemStore interface {
	CreateIfAbsent(ctx context.Context, it *model.Item) (bool, error)
	Get(ctx context.Context, id string) (*model.Item, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.Item, error)
	MarkStatus(ctx context.Context, id string, status model.Status) error
	SetDerived(ctx context.Context, id, summary string, tags []string, analysis, contentHash string) error
	SetPublication(ctx context.Context, id, postID, postURL, postSlug string) error
}

// RecordStore appends stage attempt outcomes.
type RecordStore interface {
	Append(ctx context.Context, rec model.ProcessingRecord) error
}

// BudgetGate pre-checks and reconciles external-call costs.
type BudgetGate interface {
	CheckAndReserve(ctx context.Context, service string, estimate int64) error
	Reconcile(ctx context.Context, service string, estimate, actual int64) error
}

// StageRouter enqueues follow-up work. The next stage is enqueued only
// after the current stage's persistence commit succeeds.
type StageRouter interface {
	EnqueueProcess(ctx context.Context, p queue.ProcessPayload) (string, error)
	EnqueuePublish(ctx context.Context, p queue.PublishPayload) (string, error)
	Defer(ctx context.Context, typename string, payload any, at time.Time) (string, error)
}

// BatchArchiver stores raw collect batches. Optional.
type BatchArchiver interface {
	StoreBatch(ctx context.Context, cycleID string, items []clients.RawItem) error
}

// TakedownFinalizer drives the removal workflow's transitions.
type TakedownFinalizer interface {
	CompleteUnpublish(ctx context.Context, itemID string) error
	Sweep(ctx context.Context) (int, error)
}

// Deps wires all collaborators into the Processor.
type Deps struct {
	Items        ItemStore
	Records      RecordStore
	Budget       BudgetGate
	Router       StageRouter
	Feed         clients.SourceFeed
	AI           clients.Completion
	CMS          clients.CMS
	Takedown     TakedownFinalizer
	Archive      BatchArchiver
	UnitEstimate int64
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	items        ItemStore
	records      RecordStore
	budget       BudgetGate
	router       StageRouter
	feed         clients.SourceFeed
	ai           clients.Completion
	cms          clients.CMS
	takedown     TakedownFinalizer
	archive      BatchArchiver
	unitEstimate int64
	now          func() time.Time
	lastAttempt  func(ctx context.Context) bool
}

// NewProcessor constructs a worker processor.
func NewProcessor(deps Deps) *Processor {
	est := deps.UnitEstimate
	if est <= 0 {
		est = 1
	}
	return &Processor{
		items:        deps.Items,
		records:      deps.Records,
		budget:       deps.Budget,
		router:       deps.Router,
		feed:         deps.Feed,
		ai:           deps.AI,
		cms:          deps.CMS,
		takedown:     deps.Takedown,
		archive:      deps.Archive,
		unitEstimate: est,
		now:          func() time.Time { return time.Now().UTC() },
		lastAttempt:  lastAttempt,
	}
}

// Handler registers all stage handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCollect, p.handleCollect)
	mux.HandleFunc(queue.TypeProcess, p.handleProcess)
	mux.HandleFunc(queue.TypePublish, p.handlePublish)
	mux.HandleFunc(queue.TypeUnpublish, p.handleUnpublish)
	mux.HandleFunc(queue.TypeSweep, p.handleSweep)
	return mux
}

func (p *Processor) handleCollect(ctx context.Context, task *asynq.Task) error {
	start := p.now()
	var payload queue.CollectPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		p.record(ctx, model.StageCollect, "", model.OutcomePermanent, "decode payload: "+err.Error(), start)
		return fmt.Errorf("decode collect payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := p.budget.CheckAndReserve(ctx, budget.ServiceSourceFeed, 1); err != nil {
		if pipeline.Classify(err) == pipeline.ClassBudget {
			return p.deferTask(ctx, model.StageCollect, "", queue.TypeCollect, payload, start)
		}
		return p.fail(ctx, model.StageCollect, "", start, err)
	}

	raw, err := p.feed.FetchBatch(ctx, payload.Communities, payload.SortMode, payload.Limit)
	if err != nil {
		return p.fail(ctx, model.StageCollect, "", start, err)
	}

	cycleID := uuid.NewString()
	if p.archive != nil {
		// Best effort: a failed archive write never fails the stage.
		if err := p.archive.StoreBatch(ctx, cycleID, raw); err != nil {
			log.Printf("collect: archive batch %s: %v", cycleID, err)
		}
	}

	var toProcess []string
	created, redriven, duplicates := 0, 0, 0
	for _, ri := range raw {
		it := &model.Item{
			ID:         uuid.NewString(),
			ExternalID: ri.ExternalID,
			Title:      ri.Title,
			Community:  ri.Community,
			Score:      ri.Score,
			PostedAt:   ri.PostedAt,
			Body:       ri.Body,
		}
		inserted, err := p.items.CreateIfAbsent(ctx, it)
		if err != nil {
			return p.fail(ctx, model.StageCollect, "", start, err)
		}
		if !inserted {
			// A duplicate may be a redelivery whose earlier attempt committed
			// the row but died before the process enqueue. Re-drive anything
			// that never advanced past collection so replays converge.
			existing, err := p.items.GetByExternalID(ctx, ri.ExternalID)
			if err != nil {
				return p.fail(ctx, model.StageCollect, "", start, err)
			}
			switch existing.Status {
			case model.StatusCollected, model.StatusFailedRetryable:
				toProcess = append(toProcess, existing.ID)
				redriven++
			default:
				// Already in flight or done: silent skip, not a failure.
				duplicates++
			}
			continue
		}
		toProcess = append(toProcess, it.ID)
		created++
	}

	if len(toProcess) > 0 {
		if _, err := p.router.EnqueueProcess(ctx, queue.ProcessPayload{ItemIDs: toProcess}); err != nil {
			return p.fail(ctx, model.StageCollect, "", start, err)
		}
	}
	p.record(ctx, model.StageCollect, "", model.OutcomeSuccess,
		fmt.Sprintf("created=%d redriven=%d duplicates=%d", created, redriven, duplicates), start)
	return nil
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		p.record(ctx, model.StageProcess, "", model.OutcomePermanent, "decode payload: "+err.Error(), p.now())
		return fmt.Errorf("decode process payload: %v: %w", err, asynq.SkipRetry)
	}

	var done []string
	for i, id := range payload.ItemIDs {
		start := p.now()
		it, err := p.items.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				p.record(ctx, model.StageProcess, id, model.OutcomePermanent, "unknown item", start)
				continue
			}
			return p.fail(ctx, model.StageProcess, id, start, err)
		}

		hash := model.HashContent(it.Title, it.Body)
		if it.ContentHash == hash && it.Summary != "" {
			// Unchanged content: reuse stored derived fields.
			p.record(ctx, model.StageProcess, id, model.OutcomeSkipped, "content unchanged", start)
			done = append(done, id)
			continue
		}

		if err := p.budget.CheckAndReserve(ctx, budget.ServiceCompletion, p.unitEstimate); err != nil {
			if pipeline.Classify(err) == pipeline.ClassBudget {
				remaining := queue.ProcessPayload{ItemIDs: payload.ItemIDs[i:]}
				if err := p.deferTask(ctx, model.StageProcess, id, queue.TypeProcess, remaining, start); err != nil {
					return err
				}
				break
			}
			return p.fail(ctx, model.StageProcess, id, start, err)
		}
		if err := p.items.MarkStatus(ctx, id, model.StatusProcessing); err != nil {
			return p.fail(ctx, model.StageProcess, id, start, err)
		}

		enr, err := p.ai.SummarizeAndTag(ctx, it.Body)
		if err != nil {
			if pipeline.Classify(err) == pipeline.ClassPermanent {
				p.record(ctx, model.StageProcess, id, model.OutcomePermanent, err.Error(), start)
				_ = p.items.MarkStatus(ctx, id, model.StatusFailedPermanent)
				continue
			}
			return p.fail(ctx, model.StageProcess, id, start, err)
		}
		if err := p.budget.Reconcile(ctx, budget.ServiceCompletion, p.unitEstimate, enr.UnitsConsumed); err != nil {
			log.Printf("process: reconcile units for %s: %v", id, err)
		}

		if err := p.items.SetDerived(ctx, id, enr.Summary, enr.Tags, enr.Analysis, hash); err != nil {
			// Commit failed: nothing is enqueued and the attempt counts as
			// a stage failure.
			return p.fail(ctx, model.StageProcess, id, start, err)
		}
		p.record(ctx, model.StageProcess, id, model.OutcomeSuccess, "", start)
		done = append(done, id)
	}

	if len(done) > 0 {
		if _, err := p.router.EnqueuePublish(ctx, queue.PublishPayload{ItemIDs: done}); err != nil {
			return p.fail(ctx, model.StageProcess, "", p.now(), err)
		}
	}
	return nil
}

func (p *Processor) handlePublish(ctx context.Context, task *asynq.Task) error {
	var payload queue.PublishPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		p.record(ctx, model.StagePublish, "", model.OutcomePermanent, "decode payload: "+err.Error(), p.now())
		return fmt.Errorf("decode publish payload: %v: %w", err, asynq.SkipRetry)
	}

	for i, id := range payload.ItemIDs {
		start := p.now()
		it, err := p.items.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				p.record(ctx, model.StagePublish, id, model.OutcomePermanent, "unknown item", start)
				continue
			}
			return p.fail(ctx, model.StagePublish, id, start, err)
		}
		if it.PostID != nil {
			// Redelivery after a successful publish: already satisfied.
			p.record(ctx, model.StagePublish, id, model.OutcomeSkipped, "already published", start)
			continue
		}
		if it.RemovalStatus != model.RemovalActive {
			p.record(ctx, model.StagePublish, id, model.OutcomeSkipped, "takedown in progress", start)
			continue
		}

		if err := p.budget.CheckAndReserve(ctx, budget.ServiceCMS, 1); err != nil {
			if pipeline.Classify(err) == pipeline.ClassBudget {
				remaining := queue.PublishPayload{ItemIDs: payload.ItemIDs[i:]}
				if err := p.deferTask(ctx, model.StagePublish, id, queue.TypePublish, remaining, start); err != nil {
					return err
				}
				break
			}
			return p.fail(ctx, model.StagePublish, id, start, err)
		}
		if err := p.items.MarkStatus(ctx, id, model.StatusPublishing); err != nil {
			return p.fail(ctx, model.StagePublish, id, start, err)
		}

		ref, err := p.cms.CreateOrUpdatePost(ctx, RenderDraft(it))
		if err != nil {
			if pipeline.Classify(err) == pipeline.ClassPermanent {
				p.record(ctx, model.StagePublish, id, model.OutcomePermanent, err.Error(), start)
				_ = p.items.MarkStatus(ctx, id, model.StatusFailedPermanent)
				continue
			}
			return p.fail(ctx, model.StagePublish, id, start, err)
		}

		err = p.items.SetPublication(ctx, id, ref.ID, ref.URL, ref.Slug)
		switch {
		case errors.Is(err, pipeline.ErrDuplicate):
			p.record(ctx, model.StagePublish, id, model.OutcomeSkipped, "already published", start)
		case err != nil && pipeline.Classify(err) == pipeline.ClassIntegrity:
			// Unexpected uniqueness hit: hold the item for inspection.
			p.record(ctx, model.StagePublish, id, model.OutcomeIntegrity, err.Error(), start)
			_ = p.items.MarkStatus(ctx, id, model.StatusFailedPermanent)
		case err != nil:
			return p.fail(ctx, model.StagePublish, id, start, err)
		default:
			p.record(ctx, model.StagePublish, id, model.OutcomeSuccess, "post "+ref.ID, start)
		}
	}
	return nil
}

func (p *Processor) handleUnpublish(ctx context.Context, task *asynq.Task) error {
	start := p.now()
	var payload queue.UnpublishPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		p.record(ctx, model.StageUnpublish, "", model.OutcomePermanent, "decode payload: "+err.Error(), start)
		return fmt.Errorf("decode unpublish payload: %v: %w", err, asynq.SkipRetry)
	}
	it, err := p.items.Get(ctx, payload.ItemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.record(ctx, model.StageUnpublish, payload.ItemID, model.OutcomePermanent, "unknown item", start)
			return fmt.Errorf("unknown item %s: %w", payload.ItemID, asynq.SkipRetry)
		}
		return p.fail(ctx, model.StageUnpublish, payload.ItemID, start, err)
	}
	if it.RemovalStatus != model.RemovalActive {
		p.record(ctx, model.StageUnpublish, it.ID, model.OutcomeSkipped, "already unpublished", start)
		return nil
	}
	if it.PostID != nil {
		// The item stays active until the remote unpublish succeeds.
		if err := p.cms.DeletePost(ctx, *it.PostID); err != nil {
			return p.fail(ctx, model.StageUnpublish, it.ID, start, err)
		}
	}
	if err := p.takedown.CompleteUnpublish(ctx, it.ID); err != nil {
		return p.fail(ctx, model.StageUnpublish, it.ID, start, err)
	}
	p.record(ctx, model.StageUnpublish, it.ID, model.OutcomeSuccess, "", start)
	return nil
}

func (p *Processor) handleSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := p.takedown.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("takedown sweep: %w", err)
	}
	if n > 0 {
		log.Printf("takedown sweep finalized %d item(s)", n)
	}
	return nil
}

// deferTask parks the remaining work until the next daily budget reset.
// Deferral is success-equivalent: it is not counted as a failure.
func (p *Processor) deferTask(ctx context.Context, stage model.Stage, itemID, typename string, payload any, start time.Time) error {
	at := budget.NextReset(p.now())
	if _, err := p.router.Defer(ctx, typename, payload, at); err != nil {
		return p.fail(ctx, stage, itemID, start, err)
	}
	p.record(ctx, stage, itemID, model.OutcomeDeferred,
		"budget exhausted; deferred to "+at.Format(time.RFC3339), start)
	return nil
}

// fail records the attempt, advances the item's failure state, and maps the
// error onto asynq's retry semantics.
func (p *Processor) fail(ctx context.Context, stage model.Stage, itemID string, start time.Time, err error) error {
	switch pipeline.Classify(err) {
	case pipeline.ClassPermanent:
		p.record(ctx, stage, itemID, model.OutcomePermanent, err.Error(), start)
		if itemID != "" {
			_ = p.items.MarkStatus(ctx, itemID, model.StatusFailedPermanent)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case pipeline.ClassIntegrity:
		p.record(ctx, stage, itemID, model.OutcomeIntegrity, err.Error(), start)
		if itemID != "" {
			_ = p.items.MarkStatus(ctx, itemID, model.StatusFailedPermanent)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		// Intermediate retryable attempts stay out of the failure-rate
		// metric; only the exhausted final attempt counts as a failure.
		outcome := model.OutcomeRetryable
		if p.lastAttempt(ctx) {
			outcome = model.OutcomeExhausted
			if itemID != "" {
				_ = p.items.MarkStatus(ctx, itemID, model.StatusFailedRetryable)
			}
		}
		p.record(ctx, stage, itemID, outcome, err.Error(), start)
		return err
	}
}

func (p *Processor) record(ctx context.Context, stage model.Stage, itemID string, outcome model.Outcome, detail string, start time.Time) {
	rec := model.ProcessingRecord{
		ItemID:      itemID,
		Stage:       stage,
		Outcome:     outcome,
		ErrorDetail: detail,
		Duration:    p.now().Sub(start),
	}
	if err := p.records.Append(ctx, rec); err != nil {
		log.Printf("%s: append record for %q: %v", stage, itemID, err)
	}
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= max
}
