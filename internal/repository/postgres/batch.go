package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// ErrBatchNotFound is returned when a batch id does not exist.
var ErrBatchNotFound = errors.New("batch not found")

// BatchRepo reads and updates batch lifecycle state.
type BatchRepo struct{ db *sql.DB }

// NewBatchRepo creates a Postgres-backed batch repository.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

func (r *BatchRepo) Get(ctx context.Context, id int64) (*domain.Batch, error) {
	var (
		b      domain.Batch
		userID sql.NullString
		empID  sql.NullInt64
		teamID sql.NullInt64
		stage  sql.NullString
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT batch_id, submitter_uuid, submitter_id, submitter_team_id,
		       total_count, status, paused_stage, created_at, updated_at
		FROM batches WHERE batch_id = $1
	`, id).Scan(&b.ID, &userID, &empID, &teamID, &b.TotalCount, &status, &stage, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", id, err)
	}
	b.Status = domain.BatchStatus(status)
	b.Submitter = domain.Submitter{UserID: userID.String, EmployeeID: intPtr(empID), TeamID: intPtr(teamID)}
	if stage.Valid && stage.String != "" {
		s := domain.Stage(stage.String)
		b.PausedStage = &s
	}
	return &b, nil
}

// SetStatus moves a batch to status. A deleted batch is never revived.
func (r *BatchRepo) SetStatus(ctx context.Context, id int64, status domain.BatchStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = $2, updated_at = NOW()
		WHERE batch_id = $1 AND status <> 'deleted'
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set batch %d status %s: %w", id, status, err)
	}
	return nil
}

// StartIfPending moves uploaded or requeued batches to running.
func (r *BatchRepo) StartIfPending(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = 'running', updated_at = NOW()
		WHERE batch_id = $1 AND status IN ('uploaded', 'requeued')
	`, id)
	if err != nil {
		return fmt.Errorf("start batch %d: %w", id, err)
	}
	return nil
}

// Complete marks a batch completed unless it is paused or deleted. It reports
// whether the row changed so only one caller runs completion side effects.
func (r *BatchRepo) Complete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = 'completed', updated_at = NOW()
		WHERE batch_id = $1 AND status NOT IN ('completed', 'deleted', 'paused', 'duplicate')
	`, id)
	if err != nil {
		return false, fmt.Errorf("complete batch %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *BatchRepo) Pause(ctx context.Context, id int64, stage domain.Stage) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = 'paused', paused_stage = $2, paused_at = NOW(), updated_at = NOW()
		WHERE batch_id = $1 AND status <> 'deleted'
	`, id, string(stage))
	if err != nil {
		return fmt.Errorf("pause batch %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// Resume clears the pause and returns the stage that was paused.
func (r *BatchRepo) Resume(ctx context.Context, id int64) (domain.Stage, error) {
	var stage sql.NullString
	err := r.db.QueryRowContext(ctx, `
		UPDATE batches b SET status = 'running', paused_stage = NULL, paused_at = NULL, updated_at = NOW()
		FROM (SELECT batch_id, paused_stage FROM batches WHERE batch_id = $1 AND status = 'paused' FOR UPDATE) old
		WHERE b.batch_id = old.batch_id
		RETURNING old.paused_stage
	`, id).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrBatchNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resume batch %d: %w", id, err)
	}
	return domain.Stage(stage.String), nil
}

// SubmitterRole returns the profile role of the submitting user, or "".
func (r *BatchRepo) SubmitterRole(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	var role sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT role FROM profiles WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("submitter role: %w", err)
	}
	return role.String, nil
}

// MarkDeletedAndPurge marks the batch deleted and removes every pipeline row
// it produced in one transaction. The batch row itself stays so in-flight
// jobs see the deleted status and abort.
func (r *BatchRepo) MarkDeletedAndPurge(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete batch %d: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE batches SET status = 'deleted', updated_at = NOW() WHERE batch_id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark batch %d deleted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}

	stmts := []string{
		`DELETE FROM validation_results WHERE master_id IN (SELECT id FROM master_emails WHERE batch_id = $1)`,
		`DELETE FROM filtered_emails WHERE batch_id = $1`,
		`DELETE FROM final_business_emails WHERE batch_id = $1`,
		`DELETE FROM final_personal_emails WHERE batch_id = $1`,
		`DELETE FROM free_pool WHERE batch_id = $1`,
		`DELETE FROM master_emails_temp WHERE batch_id = $1`,
		`DELETE FROM master_emails WHERE batch_id = $1`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("purge batch %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ResetDownstream deletes filter, verification and split rows for a batch so
// a rerun starts from the filter stage. It returns the batch's master ids.
func (r *BatchRepo) ResetDownstream(ctx context.Context, id int64) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rerun batch %d: %w", id, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM master_emails WHERE batch_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("rerun masters: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	stmts := []string{
		`DELETE FROM validation_results WHERE master_id IN (SELECT id FROM master_emails WHERE batch_id = $1)`,
		`DELETE FROM filtered_emails WHERE batch_id = $1`,
		`DELETE FROM final_business_emails WHERE batch_id = $1`,
		`DELETE FROM final_personal_emails WHERE batch_id = $1`,
		`DELETE FROM free_pool WHERE batch_id = $1`,
		`UPDATE batches SET status = 'requeued', paused_stage = NULL, updated_at = NOW() WHERE batch_id = $1`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return nil, fmt.Errorf("reset batch %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rerun batch %d: %w", id, err)
	}
	return ids, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
