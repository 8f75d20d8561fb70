package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmarchuk/curator/internal/model"
)

// Audits stores takedown transitions. Entries are append-only.
type Audits struct {
	pool *pgxpool.Pool
}

// NewAudits constructs the takedown-audit repository.
func NewAudits(pool *pgxpool.Pool) *Audits {
	return &Audits{pool: pool}
}

// Append records one takedown transition.
func (r *Audits) Append(ctx context.Context, a model.TakedownAudit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO takedown_audits (item_id, contact, reason, transition, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, a.ItemID, a.Contact, a.Reason, a.Transition, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListForItem returns the takedown history of one item, oldest first.
func (r *Audits) ListForItem(ctx context.Context, itemID string) ([]model.TakedownAudit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, item_id, contact, reason, transition, created_at
		FROM takedown_audits
		WHERE item_id=$1
		ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("select audits: %w", err)
	}
	defer rows.Close()
	var out []model.TakedownAudit
	for rows.Next() {
		var a model.TakedownAudit
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Contact, &a.Reason, &a.Transition, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits: %w", err)
	}
	return out, nil
}
