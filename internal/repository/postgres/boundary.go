package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// BoundaryRepo finds work stuck between two pipeline stages. Every query is
// bounded so a sweep stays cheap regardless of backlog size.
type BoundaryRepo struct{ db *sql.DB }

// NewBoundaryRepo creates a Postgres-backed boundary repository.
func NewBoundaryRepo(db *sql.DB) *BoundaryRepo { return &BoundaryRepo{db: db} }

// StagedBatches returns batches that still have staged rows.
func (r *BoundaryRepo) StagedBatches(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT DISTINCT batch_id FROM master_emails_temp ORDER BY batch_id LIMIT $1
	`, limit)
}

// UnfilteredBatches returns batches with masters lacking a filter record.
func (r *BoundaryRepo) UnfilteredBatches(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT DISTINCT me.batch_id FROM master_emails me
		WHERE NOT EXISTS (SELECT 1 FROM filtered_emails fe WHERE fe.master_id = me.id)
		ORDER BY me.batch_id LIMIT $1
	`, limit)
}

func (r *BoundaryRepo) UnfilteredIDs(ctx context.Context, batchID int64, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT me.id FROM master_emails me
		WHERE me.batch_id = $2
		  AND NOT EXISTS (SELECT 1 FROM filtered_emails fe WHERE fe.master_id = me.id)
		ORDER BY me.id LIMIT $1
	`, limit, batchID)
}

// UnverifiedBatches returns batches with eligible filter records lacking a
// verification result.
func (r *BoundaryRepo) UnverifiedBatches(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT DISTINCT fe.batch_id FROM filtered_emails fe
		WHERE fe.status NOT LIKE 'removed:%'
		  AND NOT EXISTS (SELECT 1 FROM validation_results vr WHERE vr.master_id = fe.master_id)
		ORDER BY fe.batch_id LIMIT $1
	`, limit)
}

func (r *BoundaryRepo) UnverifiedIDs(ctx context.Context, batchID int64, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT fe.master_id FROM filtered_emails fe
		WHERE fe.batch_id = $2
		  AND fe.status NOT LIKE 'removed:%'
		  AND NOT EXISTS (SELECT 1 FROM validation_results vr WHERE vr.master_id = fe.master_id)
		ORDER BY fe.master_id LIMIT $1
	`, limit, batchID)
}

// UnsplitBatches returns batches with verification results missing from
// both final partitions.
func (r *BoundaryRepo) UnsplitBatches(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT DISTINCT me.batch_id FROM validation_results vr
		JOIN master_emails me ON me.id = vr.master_id
		WHERE NOT EXISTS (SELECT 1 FROM final_business_emails b WHERE b.master_id = vr.master_id)
		  AND NOT EXISTS (SELECT 1 FROM final_personal_emails p WHERE p.master_id = vr.master_id)
		ORDER BY me.batch_id LIMIT $1
	`, limit)
}

func (r *BoundaryRepo) UnsplitIDs(ctx context.Context, batchID int64, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT vr.master_id FROM validation_results vr
		JOIN master_emails me ON me.id = vr.master_id
		WHERE me.batch_id = $2
		  AND NOT EXISTS (SELECT 1 FROM final_business_emails b WHERE b.master_id = vr.master_id)
		  AND NOT EXISTS (SELECT 1 FROM final_personal_emails p WHERE p.master_id = vr.master_id)
		ORDER BY vr.master_id LIMIT $1
	`, limit, batchID)
}

// OpenBatches returns batches still in flight, oldest first.
func (r *BoundaryRepo) OpenBatches(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT batch_id FROM batches
		WHERE status IN ('running','requeued')
		ORDER BY batch_id LIMIT $1
	`, limit)
}

// MasterBatches maps master ids to their batch ids.
func (r *BoundaryRepo) MasterBatches(ctx context.Context, masterIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(masterIDs))
	if len(masterIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, batch_id FROM master_emails WHERE id = ANY($1)`, pq.Array(masterIDs))
	if err != nil {
		return nil, fmt.Errorf("master batches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, batch int64
		if err := rows.Scan(&id, &batch); err != nil {
			return nil, fmt.Errorf("scan master batch: %w", err)
		}
		out[id] = batch
	}
	return out, rows.Err()
}

func (r *BoundaryRepo) ids(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("boundary query: %w", err)
	}
	return scanIDs(rows)
}
