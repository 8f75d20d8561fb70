// Package queue routes pipeline work onto the collect, process, publish,
// and takedown queues. Payload schemas differ per stage and are validated
// at enqueue time so malformed work never enters a queue.
package queue

import (
	"errors"
	"fmt"
)

// Task type names. Delivery is at-least-once; every handler must tolerate
// redelivery.
const (
	TypeCollect   = "pipeline:collect"
	TypeProcess   = "pipeline:process"
	TypePublish   = "pipeline:publish"
	TypeUnpublish = "takedown:unpublish"
	TypeSweep     = "takedown:sweep"
)

// Queue names. Each stage gets its own queue so worker concurrency can be
// scaled independently per stage.
const (
	QueueCollect  = "collect"
	QueueProcess  = "process"
	QueuePublish  = "publish"
	QueueTakedown = "takedown"
)

// CollectPayload describes one collection cycle.
type CollectPayload struct {
	Communities []string `json:"communities"`
	SortMode    string   `json:"sortMode"`
	Limit       int      `json:"limit"`
}

// Validate rejects malformed batch specs before enqueue.
func (p CollectPayload) Validate() error {
	if len(p.Communities) == 0 {
		return errors.New("collect: at least one community required")
	}
	for _, c := range p.Communities {
		if c == "" {
			return errors.New("collect: empty community name")
		}
	}
	if p.Limit <= 0 {
		return fmt.Errorf("collect: limit must be positive, got %d", p.Limit)
	}
	return nil
}

// ProcessPayload names the items to run through the completion service.
type ProcessPayload struct {
	ItemIDs []string `json:"itemIds"`
}

// Validate rejects empty or malformed id lists.
func (p ProcessPayload) Validate() error { return validateIDs("process", p.ItemIDs) }

// PublishPayload names the items to push to the CMS.
type PublishPayload struct {
	ItemIDs []string `json:"itemIds"`
}

// Validate rejects empty or malformed id lists.
func (p PublishPayload) Validate() error { return validateIDs("publish", p.ItemIDs) }

// UnpublishPayload targets a single item for remote removal.
type UnpublishPayload struct {
	ItemID string `json:"itemId"`
}

// Validate rejects an empty item id.
func (p UnpublishPayload) Validate() error {
	if p.ItemID == "" {
		return errors.New("unpublish: item id required")
	}
	return nil
}

func validateIDs(stage string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%s: at least one item id required", stage)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%s: empty item id", stage)
		}
	}
	return nil
}
