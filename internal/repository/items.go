package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmarchuk/curator/internal/model"
	"github.com/dmarchuk/curator/internal/pipeline"
)

// ErrNotFound is returned when an item id or external id does not exist.
var ErrNotFound = errors.New("item not found")

const uniqueViolation = "23505"

// Items wraps all item SQL used by the API, workers, and takedown sweep.
type Items struct {
	pool *pgxpool.Pool
}

// NewItems constructs the item repository.
func NewItems(pool *pgxpool.Pool) *Items {
	return &Items{pool: pool}
}

const itemColumns = `id, external_id, title, community, score, posted_at, body,
	summary, COALESCE(tags, '{}'), analysis, content_hash,
	post_id, post_url, post_slug, status, removal_status, finalize_after,
	created_at, updated_at`

// CreateIfAbsent inserts a freshly collected item. A second ingestion of
// the same external id is a no-op, not an error; the return value reports
// whether a row was actually created.
func (r *Items) CreateIfAbsent(ctx context.Context, it *model.Item) (bool, error) {
	now := time.Now().UTC()
	it.Status = model.StatusCollected
	it.RemovalStatus = model.RemovalActive
	it.CreatedAt = now
	it.UpdatedAt = now
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO items (id, external_id, title, community, score, posted_at, body, status, removal_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (external_id) DO NOTHING
	`, it.ID, it.ExternalID, it.Title, it.Community, it.Score, it.PostedAt, it.Body,
		it.Status, it.RemovalStatus, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns an item by internal id.
func (r *Items) Get(ctx context.Context, id string) (*model.Item, error) {
	return r.getWhere(ctx, "id=$1", id)
}

// GetByExternalID returns an item by its source identifier.
func (r *Items) GetByExternalID(ctx context.Context, externalID string) (*model.Item, error) {
	return r.getWhere(ctx, "external_id=$1", externalID)
}

func (r *Items) getWhere(ctx context.Context, cond string, arg any) (*model.Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE `+cond, arg)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select item: %w", err)
	}
	return it, nil
}

// MarkStatus advances the pipeline status of an item.
func (r *Items) MarkStatus(ctx context.Context, id string, status model.Status) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE items SET status=$1, updated_at=$2 WHERE id=$3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	return nil
}

// SetDerived commits the process stage: summary, tags, analysis, and the
// hash of the material they were generated from.
func (r *Items) SetDerived(ctx context.Context, id, summary string, tags []string, analysis, contentHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE items
		SET summary=$1, tags=$2, analysis=$3, content_hash=$4, status=$5, updated_at=$6
		WHERE id=$7
	`, summary, tags, analysis, contentHash, model.StatusProcessed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set derived: %w", err)
	}
	return nil
}

// SetPublication commits the publish stage. The WHERE clause and the unique
// constraint on post_id together guarantee the destination post id, once
// set, never changes outside the takedown workflow.
func (r *Items) SetPublication(ctx context.Context, id, postID, postURL, postSlug string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE items
		SET post_id=$1, post_url=$2, post_slug=$3, status=$4, updated_at=$5
		WHERE id=$6 AND post_id IS NULL
	`, postID, postURL, postSlug, model.StatusPublished, time.Now().UTC(), id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &pipeline.IntegrityError{Op: "set publication", Err: err}
		}
		return fmt.Errorf("set publication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Post id already present; redelivery converged on the first write.
		return pipeline.ErrDuplicate
	}
	return nil
}

// RequestRemoval moves an active item to removal_pending and schedules its
// finalization. Returns false when the item already left the active state,
// keeping the transition forward-only under concurrent requests.
func (r *Items) RequestRemoval(ctx context.Context, id string, finalizeAfter time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE items
		SET removal_status=$1, finalize_after=$2, updated_at=$3
		WHERE id=$4 AND removal_status=$5
	`, model.RemovalPending, finalizeAfter, time.Now().UTC(), id, model.RemovalActive)
	if err != nil {
		return false, fmt.Errorf("request removal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DueForFinalize lists removal_pending items whose SLA deadline has passed.
func (r *Items) DueForFinalize(ctx context.Context, now time.Time, limit int) ([]model.Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE removal_status=$1 AND finalize_after <= $2
		ORDER BY finalize_after
		LIMIT $3
	`, model.RemovalPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}
	defer rows.Close()
	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due item: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due items: %w", err)
	}
	return out, nil
}

// Finalize anonymizes the publication fields of a due removal_pending item
// and moves it to removed. The local row survives so external-id dedup
// keeps holding after removal.
func (r *Items) Finalize(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE items
		SET removal_status=$1, post_id=NULL, post_url=NULL, post_slug=NULL,
			summary='', tags='{}', analysis='', body='', updated_at=$2
		WHERE id=$3 AND removal_status=$4 AND finalize_after <= $5
	`, model.RemovalRemoved, time.Now().UTC(), id, model.RemovalPending, now)
	if err != nil {
		return false, fmt.Errorf("finalize removal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var it model.Item
	err := row.Scan(&it.ID, &it.ExternalID, &it.Title, &it.Community, &it.Score,
		&it.PostedAt, &it.Body, &it.Summary, &it.Tags, &it.Analysis, &it.ContentHash,
		&it.PostID, &it.PostURL, &it.PostSlug, &it.Status, &it.RemovalStatus,
		&it.FinalizeAfter, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}
