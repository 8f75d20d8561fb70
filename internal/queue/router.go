package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dmarchuk/curator/internal/retrypolicy"
)

// Router assigns each unit of work to exactly one queue. Enqueue returns
// immediately; stage ordering per item is the callers' responsibility via
// the enqueue-next-only-after-commit rule in the stage handlers.
type Router struct {
	client *asynq.Client
	policy retrypolicy.Policy
}

// NewRouter constructs a Router around an asynq client.
func NewRouter(client *asynq.Client, policy retrypolicy.Policy) *Router {
	return &Router{client: client, policy: policy}
}

// EnqueueCollect places a collection cycle on the collect queue and returns
// the task id.
func (r *Router) EnqueueCollect(ctx context.Context, p CollectPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return r.enqueue(ctx, TypeCollect, QueueCollect, p)
}

// EnqueueProcess places a process task on the process queue.
func (r *Router) EnqueueProcess(ctx context.Context, p ProcessPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return r.enqueue(ctx, TypeProcess, QueueProcess, p)
}

// EnqueuePublish places a publish task on the publish queue.
func (r *Router) EnqueuePublish(ctx context.Context, p PublishPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return r.enqueue(ctx, TypePublish, QueuePublish, p)
}

// EnqueueUnpublish places a remote-removal task on the takedown queue.
func (r *Router) EnqueueUnpublish(ctx context.Context, p UnpublishPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return r.enqueue(ctx, TypeUnpublish, QueueTakedown, p)
}

// EnqueueSweep places a finalization sweep on the takedown queue.
func (r *Router) EnqueueSweep(ctx context.Context) (string, error) {
	return r.enqueue(ctx, TypeSweep, QueueTakedown, struct{}{})
}

// Defer re-enqueues an in-flight task's work at a later time. Used when a
// budget is exhausted: the task is parked until the daily reset instead of
// burning retries.
func (r *Router) Defer(ctx context.Context, typename string, payload any, at time.Time) (string, error) {
	queue, ok := queueFor(typename)
	if !ok {
		return "", fmt.Errorf("defer: unknown task type %q", typename)
	}
	return r.enqueue(ctx, typename, queue, payload, asynq.ProcessAt(at))
}

func (r *Router) enqueue(ctx context.Context, typename, queue string, payload any, extra ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", typename, err)
	}
	opts := append([]asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(r.policy.MaxRetry()),
	}, extra...)
	info, err := r.client.EnqueueContext(ctx, asynq.NewTask(typename, data), opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", typename, err)
	}
	return info.ID, nil
}

func queueFor(typename string) (string, bool) {
	switch typename {
	case TypeCollect:
		return QueueCollect, true
	case TypeProcess:
		return QueueProcess, true
	case TypePublish:
		return QueuePublish, true
	case TypeUnpublish, TypeSweep:
		return QueueTakedown, true
	}
	return "", false
}
