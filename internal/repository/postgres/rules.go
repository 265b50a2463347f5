package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/email-validator/internal/cleaner"
)

// RuleRepo answers the read-only scoped lookups of the filter and split
// stages: rule sets, unsubscribes and public provider domains.
type RuleRepo struct{ db *sql.DB }

// NewRuleRepo creates a Postgres-backed rule repository.
func NewRuleRepo(db *sql.DB) *RuleRepo { return &RuleRepo{db: db} }

// RuleSets returns global, team and employee rules visible to scope,
// highest priority first. It satisfies cleaner.RuleSource.
func (r *RuleRepo) RuleSets(ctx context.Context, scope cleaner.Scope) ([]cleaner.RuleSet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contains, endswith, domains, excludes
		FROM rules
		WHERE scope = 'global'
		   OR (scope = 'team' AND team_id = $1)
		   OR (scope = 'employee' AND employee_id = $2)
		ORDER BY priority DESC
	`, nullInt(scope.TeamID), nullInt(scope.EmployeeID))
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var out []cleaner.RuleSet
	for rows.Next() {
		var rs cleaner.RuleSet
		if err := rows.Scan(
			(*pq.StringArray)(&rs.Contains),
			(*pq.StringArray)(&rs.EndsWith),
			(*pq.StringArray)(&rs.Domains),
			(*pq.StringArray)(&rs.Excludes),
		); err != nil {
			return nil, fmt.Errorf("scan rules: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// IsUnsubscribed reports whether the address or its domain opted out.
func (r *RuleRepo) IsUnsubscribed(ctx context.Context, email, domain string) (bool, error) {
	var found bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM unsubscribe_list WHERE email = $1)
		    OR EXISTS(SELECT 1 FROM unsubscribe_domains WHERE domain = $2)
	`, email, domain).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("unsubscribe lookup: %w", err)
	}
	return found, nil
}

// IsPublicDomain reports whether domain is a configured public provider.
func (r *RuleRepo) IsPublicDomain(ctx context.Context, domain string) (bool, error) {
	var found bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM public_provider_domains WHERE domain = $1)`, domain,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("public domain lookup: %w", err)
	}
	return found, nil
}
