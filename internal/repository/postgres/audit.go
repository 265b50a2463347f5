package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AuditRepo records operator actions.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Record appends one audit entry. details is marshalled to JSON.
func (r *AuditRepo) Record(ctx context.Context, action, actor, resource string, details interface{}) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (action_type, actor, resource_ref, details, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, action, actor, resource, payload)
	if err != nil {
		return fmt.Errorf("record audit %s: %w", action, err)
	}
	return nil
}
