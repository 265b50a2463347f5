package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// FinalRepo writes the business/personal partitions and the free pool.
type FinalRepo struct{ db *sql.DB }

// NewFinalRepo creates a Postgres-backed final classification repository.
func NewFinalRepo(db *sql.DB) *FinalRepo { return &FinalRepo{db: db} }

// Insert writes f into the partition named by its category. Collector rows are
// also added to the free pool in the same transaction. It reports whether the
// partition row was new.
func (r *FinalRepo) Insert(ctx context.Context, f *domain.FinalEmail) (bool, error) {
	table := "final_business_emails"
	if f.Category == domain.CategoryPersonal {
		table = "final_personal_emails"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin split %d: %w", f.MasterID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (batch_id, master_id, email, domain, outcome, is_free_pool)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (master_id) DO NOTHING
	`, f.BatchID, f.MasterID, f.Email, f.Domain, string(f.Outcome), f.FreePool)
	if err != nil {
		return false, fmt.Errorf("insert %s %d: %w", table, f.MasterID, err)
	}
	n, _ := res.RowsAffected()

	if n > 0 && f.FreePool {
		meta, _ := json.Marshal(map[string]int64{"master_id": f.MasterID})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO free_pool (email, domain, category, outcome, metadata, is_assigned, is_free_pool, batch_id)
			VALUES ($1, $2, $3, $4, $5, false, true, $6)
		`, f.Email, f.Domain, string(f.Category), string(f.Outcome), meta, f.BatchID); err != nil {
			return false, fmt.Errorf("insert free pool %d: %w", f.MasterID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit split %d: %w", f.MasterID, err)
	}
	return n > 0, nil
}

// CountSplit counts rows in both partitions for a batch.
func (r *FinalRepo) CountSplit(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM final_business_emails WHERE batch_id = $1)
		     + (SELECT COUNT(*) FROM final_personal_emails WHERE batch_id = $1)
	`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count split %d: %w", batchID, err)
	}
	return n, nil
}
