package postgres

import (
	"context"
	"database/sql"
)

// SuppressionRepo answers do-not-send membership checks. The worker
// consults it before every dispatch attempt; a hit resolves the job to
// SUPPRESS without touching the transport.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM suppressions
			WHERE email = $1 AND (organization_id = $2 OR organization_id IS NULL) AND active = true
		)
	`, email, orgID).Scan(&exists)
	return exists, err
}
