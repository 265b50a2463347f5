package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// ResultRepo stores verification results.
type ResultRepo struct{ db *sql.DB }

// NewResultRepo creates a Postgres-backed verification result repository.
func NewResultRepo(db *sql.DB) *ResultRepo { return &ResultRepo{db: db} }

// Insert writes r once per master id; a second insert is a no-op.
func (r *ResultRepo) Insert(ctx context.Context, v *domain.VerificationResult) (bool, error) {
	raw := v.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_results (master_id, status_enum, details, key_used, domain, mx, message,
		                                category, outcome, is_personal, is_business)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (master_id) DO NOTHING
	`, v.MasterID, string(v.Status), []byte(raw), nullString(v.Credential), v.Domain, nullString(v.MX),
		v.Message, string(v.Category), string(v.Outcome),
		v.Category == domain.CategoryPersonal, v.Category == domain.CategoryBusiness)
	if err != nil {
		return false, fmt.Errorf("insert result %d: %w", v.MasterID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Latest returns the newest result for a master, or nil when unverified.
func (r *ResultRepo) Latest(ctx context.Context, masterID int64) (*domain.VerificationResult, error) {
	var (
		v       domain.VerificationResult
		key     sql.NullString
		domainV sql.NullString
		mx      sql.NullString
		message sql.NullString
		raw     []byte
		status  string
		cat     string
		outcome string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT master_id, status_enum, category, outcome, key_used, domain, mx, message, details, validated_at
		FROM validation_results WHERE master_id = $1
		ORDER BY validated_at DESC LIMIT 1
	`, masterID).Scan(&v.MasterID, &status, &cat, &outcome, &key, &domainV, &mx, &message, &raw, &v.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest result %d: %w", masterID, err)
	}
	v.Status = domain.VerificationStatus(status)
	v.Category = domain.Category(cat)
	v.Outcome = domain.Outcome(outcome)
	v.Credential = key.String
	v.Domain = domainV.String
	v.MX = mx.String
	v.Message = message.String
	v.Raw = raw
	return &v, nil
}

// CountVerified counts results for masters of a batch.
func (r *ResultRepo) CountVerified(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM validation_results vr
		JOIN master_emails me ON vr.master_id = me.id
		WHERE me.batch_id = $1
	`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count verified %d: %w", batchID, err)
	}
	return n, nil
}
