package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// CredentialRepo persists verification key health and lifetime counters.
type CredentialRepo struct{ db *sql.DB }

// NewCredentialRepo creates a Postgres-backed credential repository.
func NewCredentialRepo(db *sql.DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Seed inserts keys that are not yet known as active.
func (r *CredentialRepo) Seed(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO verifier_keys (key, status) VALUES ($1, 'active')
			ON CONFLICT (key) DO NOTHING
		`, k); err != nil {
			return fmt.Errorf("seed key: %w", err)
		}
	}
	return nil
}

func (r *CredentialRepo) RecordSuccess(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE verifier_keys
		SET total_requests = total_requests + 1, total_success = total_success + 1,
		    consecutive_errors = 0, last_used_at = NOW()
		WHERE key = $1
	`, key)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure bumps the failure counters. When consecutive is set the
// consecutive-error counter grows; otherwise it is left alone. The new
// consecutive count is returned.
func (r *CredentialRepo) RecordFailure(ctx context.Context, key string, consecutive bool) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE verifier_keys
		SET total_requests = total_requests + 1, total_failed = total_failed + 1,
		    consecutive_errors = consecutive_errors + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
		    last_used_at = NOW()
		WHERE key = $1
		RETURNING consecutive_errors
	`, key, consecutive).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return n, nil
}

func (r *CredentialRepo) SetStatus(ctx context.Context, key string, status domain.CredentialStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE verifier_keys
		SET status = $2, consecutive_errors = CASE WHEN $2::text = 'active' THEN 0 ELSE consecutive_errors END
		WHERE key = $1
	`, key, string(status))
	if err != nil {
		return fmt.Errorf("set key status: %w", err)
	}
	return nil
}

func (r *CredentialRepo) List(ctx context.Context) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, key, status, total_requests, total_success, total_failed, consecutive_errors, last_used_at
		FROM verifier_keys ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var (
			c      domain.Credential
			status string
			last   sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Key, &status, &c.TotalRequests, &c.TotalSuccess, &c.TotalFailed, &c.ConsecutiveErrors, &last); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		c.Status = domain.CredentialStatus(status)
		if last.Valid {
			c.LastUsedAt = &last.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
