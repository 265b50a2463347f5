package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/email-validator/internal/domain"
)

// ErrMasterNotFound is returned when a master email id does not exist.
var ErrMasterNotFound = errors.New("master email not found")

// MasterRepo stores deduplicated addresses.
type MasterRepo struct{ db *sql.DB }

// NewMasterRepo creates a Postgres-backed master email repository.
func NewMasterRepo(db *sql.DB) *MasterRepo { return &MasterRepo{db: db} }

// Insert adds m unless its normalized address already exists. It reports
// whether a row was created; m.ID is set when it was.
func (r *MasterRepo) Insert(ctx context.Context, m *domain.MasterEmail) (bool, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO master_emails (email_normalized, email_raw, domain, local_part, batch_id,
		                           dedupe_status, submitter_id, submitter_team_id, submitter_uuid)
		VALUES ($1, $2, $3, $4, $5, 'unique', $6, $7, $8)
		ON CONFLICT (email_normalized) DO NOTHING
		RETURNING id
	`, m.Normalized, m.Raw, m.Domain, m.LocalPart, m.BatchID,
		nullInt(m.Submitter.EmployeeID), nullInt(m.Submitter.TeamID), nullString(m.Submitter.UserID),
	).Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert master: %w", err)
	}
	return true, nil
}

func (r *MasterRepo) Get(ctx context.Context, id int64) (*domain.MasterEmail, error) {
	var (
		m      domain.MasterEmail
		userID sql.NullString
		empID  sql.NullInt64
		teamID sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email_normalized, email_raw, domain, local_part, batch_id,
		       submitter_id, submitter_team_id, submitter_uuid
		FROM master_emails WHERE id = $1
	`, id).Scan(&m.ID, &m.Normalized, &m.Raw, &m.Domain, &m.LocalPart, &m.BatchID, &empID, &teamID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMasterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get master %d: %w", id, err)
	}
	m.Submitter = domain.Submitter{UserID: userID.String, EmployeeID: intPtr(empID), TeamID: intPtr(teamID)}
	return &m, nil
}

func (r *MasterRepo) CountForBatch(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM master_emails WHERE batch_id = $1`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count masters %d: %w", batchID, err)
	}
	return n, nil
}
