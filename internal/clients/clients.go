// Package clients declares the external collaborators the pipeline core
// consumes. The core depends only on these interfaces; concrete transports
// live behind them.
package clients

import (
	"context"
	"time"
)

// RawItem is one entry returned by the source feed.
type RawItem struct {
	ExternalID string    `json:"externalId"`
	Title      string    `json:"title"`
	Community  string    `json:"community"`
	Score      int64     `json:"score"`
	PostedAt   time.Time `json:"postedAt"`
	Body       string    `json:"body"`
}

// Enrichment is the output of one completion call.
type Enrichment struct {
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
	Analysis      string   `json:"analysis"`
	UnitsConsumed int64    `json:"unitsConsumed"`
}

// PostDraft is the rendered content handed to the CMS.
type PostDraft struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Slug  string   `json:"slug"`
	Tags  []string `json:"tags"`
}

// PostRef identifies a published destination post.
type PostRef struct {
	ID   string `json:"postId"`
	URL  string `json:"url"`
	Slug string `json:"slug"`
}

// SourceFeed pulls batches of raw items. Each call costs one unit against
// the source-feed usage counter.
type SourceFeed interface {
	FetchBatch(ctx context.Context, communities []string, sortMode string, limit int) ([]RawItem, error)
}

// Completion generates the derived fields for one item. Cost is estimated
// before the call and reconciled with UnitsConsumed afterwards.
type Completion interface {
	SummarizeAndTag(ctx context.Context, content string) (*Enrichment, error)
}

// CMS manages destination posts. DeletePost also serves the takedown
// workflow's unpublish step.
type CMS interface {
	CreateOrUpdatePost(ctx context.Context, draft PostDraft) (*PostRef, error)
	DeletePost(ctx context.Context, postID string) error
}

// Notification is one outbound operator message.
type Notification struct {
	Message  string            `json:"message"`
	Severity string            `json:"severity"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier is fire-and-forget: send failures are logged by callers but
// never block pipeline progress.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
