package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmarchuk/curator/internal/model"
)

// Records is the append-only audit trail of stage attempts.
type Records struct {
	pool *pgxpool.Pool
}

// NewRecords constructs the processing-record repository.
func NewRecords(pool *pgxpool.Pool) *Records {
	return &Records{pool: pool}
}

// Append stores one attempt outcome. Records are never mutated afterwards.
func (r *Records) Append(ctx context.Context, rec model.ProcessingRecord) error {
	var itemID *string
	if rec.ItemID != "" {
		itemID = &rec.ItemID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_records (item_id, stage, outcome, error_detail, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, itemID, rec.Stage, rec.Outcome, rec.ErrorDetail, rec.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// FailureRate computes the ratio of failed outcomes to total attempts for
// one stage within the trailing window. Deferred, skipped, and intermediate
// retryable attempts are success-equivalent and only appear in the
// denominator; a burst of transient errors that all eventually succeed
// must not read as a high failure rate.
func (r *Records) FailureRate(ctx context.Context, stage model.Stage, window time.Duration) (rate float64, total int64, err error) {
	since := time.Now().UTC().Add(-window)
	var failed int64
	row := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE outcome = ANY($1)), COUNT(*)
		FROM processing_records
		WHERE stage=$2 AND created_at >= $3
	`, []string{string(model.OutcomeExhausted), string(model.OutcomePermanent), string(model.OutcomeIntegrity)}, stage, since)
	if err := row.Scan(&failed, &total); err != nil {
		return 0, 0, fmt.Errorf("failure rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}

// RecentForItem lists the latest attempts for one item, newest first.
func (r *Records) RecentForItem(ctx context.Context, itemID string, limit int) ([]model.ProcessingRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(item_id,''), stage, outcome, error_detail, duration_ms, created_at
		FROM processing_records
		WHERE item_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()
	var out []model.ProcessingRecord
	for rows.Next() {
		var rec model.ProcessingRecord
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Stage, &rec.Outcome, &rec.ErrorDetail, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
