// Package model contains the struct definitions shared across the pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Stage identifies one unit of pipeline work for an item.
type Stage string

const (
	StageCollect   Stage = "collect"
	StageProcess   Stage = "process"
	StagePublish   Stage = "publish"
	StageUnpublish Stage = "unpublish"
)

// Status describes where an item sits in the pipeline.
type Status string

const (
	StatusCollected       Status = "collected"
	StatusProcessing      Status = "processing"
	StatusProcessed       Status = "processed"
	StatusPublishing      Status = "publishing"
	StatusPublished       Status = "published"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
)

// RemovalStatus tracks the takedown lifecycle. Transitions only move
// forward: active -> removal_pending -> removed.
type RemovalStatus string

const (
	RemovalActive  RemovalStatus = "active"
	RemovalPending RemovalStatus = "removal_pending"
	RemovalRemoved RemovalStatus = "removed"
)

// Item is the unit flowing through collect, process, and publish.
type Item struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	Title       string    `json:"title"`
	Community   string    `json:"community"`
	Score       int64     `json:"score"`
	PostedAt    time.Time `json:"postedAt"`
	Body        string    `json:"-"`

	// Derived fields are absent until the process stage commits.
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Analysis    string   `json:"analysis,omitempty"`
	ContentHash string   `json:"contentHash,omitempty"`

	// Publication fields. PostID doubles as the publish idempotency key.
	PostID   *string `json:"postId,omitempty"`
	PostURL  *string `json:"postUrl,omitempty"`
	PostSlug *string `json:"postSlug,omitempty"`

	Status        Status        `json:"status"`
	RemovalStatus RemovalStatus `json:"removalStatus"`
	FinalizeAfter *time.Time    `json:"finalizeAfter,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HashContent computes the content hash over the material the process stage
// feeds to the completion service. Reprocessing an unchanged item compares
// against the stored hash and skips regeneration.
func HashContent(title, body string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome classifies one stage execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	// OutcomeRetryable is an intermediate attempt that will be retried.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeExhausted is a retryable failure whose final attempt also
	// failed; the item stops advancing until an operator re-drives it.
	OutcomeExhausted Outcome = "retryable_exhausted"
	OutcomePermanent Outcome = "permanent"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeIntegrity Outcome = "integrity"
)

// Failed reports whether the outcome counts toward the failure-rate metric.
// Deferred and skipped attempts are success-equivalent, and intermediate
// retryable attempts are excluded: only exhausted retries, permanent
// failures, and integrity violations feed the metric.
func (o Outcome) Failed() bool {
	return o == OutcomeExhausted || o == OutcomePermanent || o == OutcomeIntegrity
}

// ProcessingRecord is one append-only audit entry per stage attempt.
type ProcessingRecord struct {
	ID          int64         `json:"id"`
	ItemID      string        `json:"itemId,omitempty"`
	Stage       Stage         `json:"stage"`
	Outcome     Outcome       `json:"outcome"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// TakedownAudit records one transition of the removal workflow.
type TakedownAudit struct {
	ID         int64     `json:"id"`
	ItemID     string    `json:"itemId"`
	Contact    string    `json:"contact,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Transition string    `json:"transition"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Takedown audit transitions.
const (
	TakedownRequested   = "requested"
	TakedownUnpublished = "unpublished"
	TakedownFinalized   = "finalized"
)
