package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Event types recorded on email rows.
const (
	EventDelivery = "DELIVERY"
	EventSuppress = "SUPPRESS"
)

// EmailRepo writes per-email terminal statuses and event rows. Status is
// the only surface the enqueue caller ever sees again once a job is
// accepted, so every outcome lands here.
type EmailRepo struct{ db *sql.DB }

// NewEmailRepo creates a Postgres-backed email repository.
func NewEmailRepo(db *sql.DB) *EmailRepo { return &EmailRepo{db: db} }

// SetStatus transitions an email record to a terminal status.
func (r *EmailRepo) SetStatus(ctx context.Context, emailID string, status domain.EmailStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE emails SET status = $2, updated_at = NOW() WHERE id = $1`,
		emailID, status,
	)
	if err != nil {
		return fmt.Errorf("set email status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dispatch.ErrEmailGone
	}
	return nil
}

// AddEvent records a delivery or suppress event against an email.
func (r *EmailRepo) AddEvent(ctx context.Context, emailID, campaignID, eventType string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events (id, email_id, campaign_id, event_type, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), emailID, campaignID, eventType)
	if err != nil {
		return fmt.Errorf("add email event: %w", err)
	}
	return nil
}
