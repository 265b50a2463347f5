package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// StagingRepo reads raw addresses waiting for dedupe.
type StagingRepo struct{ db *sql.DB }

// NewStagingRepo creates a Postgres-backed staging repository.
func NewStagingRepo(db *sql.DB) *StagingRepo { return &StagingRepo{db: db} }

func (r *StagingRepo) Count(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM master_emails_temp WHERE batch_id = $1`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count staged %d: %w", batchID, err)
	}
	return n, nil
}

// NextChunk returns up to limit staged rows in id order.
func (r *StagingRepo) NextChunk(ctx context.Context, batchID int64, limit int) ([]domain.StagedEmail, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, batch_id, email_raw FROM master_emails_temp
		WHERE batch_id = $1 ORDER BY id LIMIT $2
	`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("staged chunk %d: %w", batchID, err)
	}
	defer rows.Close()

	var out []domain.StagedEmail
	for rows.Next() {
		var s domain.StagedEmail
		if err := rows.Scan(&s.ID, &s.BatchID, &s.Raw); err != nil {
			return nil, fmt.Errorf("scan staged: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteThrough removes a promoted chunk.
func (r *StagingRepo) DeleteThrough(ctx context.Context, batchID, maxID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM master_emails_temp WHERE batch_id = $1 AND id <= $2`, batchID, maxID)
	if err != nil {
		return fmt.Errorf("delete staged %d through %d: %w", batchID, maxID, err)
	}
	return nil
}
