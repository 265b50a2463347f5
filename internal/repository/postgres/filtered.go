package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// FilteredRepo stores the single filter outcome per master email.
type FilteredRepo struct{ db *sql.DB }

// NewFilteredRepo creates a Postgres-backed filtered email repository.
func NewFilteredRepo(db *sql.DB) *FilteredRepo { return &FilteredRepo{db: db} }

// Insert writes f once per master id and reports whether it was new.
func (r *FilteredRepo) Insert(ctx context.Context, f *domain.FilteredEmail) (bool, error) {
	var cleaned sql.NullString
	if f.Cleaned != nil {
		cleaned = sql.NullString{String: *f.Cleaned, Valid: true}
	}
	meta := f.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO filtered_emails (batch_id, master_id, original_email, cleaned_email, status, reason, domain, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (master_id) DO NOTHING
	`, f.BatchID, f.MasterID, f.Original, cleaned, f.Status, f.Reason, f.Domain, []byte(meta))
	if err != nil {
		return false, fmt.Errorf("insert filtered %d: %w", f.MasterID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the filter record for a master, or nil when none exists.
func (r *FilteredRepo) Get(ctx context.Context, masterID int64) (*domain.FilteredEmail, error) {
	var (
		f       domain.FilteredEmail
		cleaned sql.NullString
		domainV sql.NullString
		reason  sql.NullString
		meta    []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT master_id, batch_id, original_email, cleaned_email, status, reason, domain, metadata
		FROM filtered_emails WHERE master_id = $1
	`, masterID).Scan(&f.MasterID, &f.BatchID, &f.Original, &cleaned, &f.Status, &reason, &domainV, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get filtered %d: %w", masterID, err)
	}
	if cleaned.Valid {
		f.Cleaned = &cleaned.String
	}
	f.Reason = reason.String
	f.Domain = domainV.String
	f.Metadata = meta
	return &f, nil
}

// FilterCounts is the filter-stage progress of one batch.
type FilterCounts struct {
	Masters  int64
	Filtered int64
	Eligible int64
}

// Done reports whether every master has a filter record.
func (c FilterCounts) Done() bool { return c.Filtered >= c.Masters }

func (r *FilteredRepo) Counts(ctx context.Context, batchID int64) (FilterCounts, error) {
	var c FilterCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM master_emails WHERE batch_id = $1),
			(SELECT COUNT(*) FROM filtered_emails WHERE batch_id = $1),
			(SELECT COUNT(*) FROM filtered_emails WHERE batch_id = $1 AND status NOT LIKE 'removed:%')
	`, batchID).Scan(&c.Masters, &c.Filtered, &c.Eligible)
	if err != nil {
		return c, fmt.Errorf("filter counts %d: %w", batchID, err)
	}
	return c, nil
}
