// Package postgres holds the relational store adapters for the dispatch
// core: campaign and organization reads, email status transitions and
// event rows, suppression membership.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/domain"
)

// CampaignRepo reads campaign rows and writes campaign-level dispatch
// bookkeeping.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var activeDays pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, subject, sender_name, sender_email,
		       COALESCE(reply_to_email,''), COALESCE(html_body,''), status,
		       COALESCE(start_time_utc,''), COALESCE(end_time_utc,''),
		       COALESCE(active_days,'{}'), COALESCE(timezone,'')
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Subject, &c.SenderName, &c.SenderEmail,
		&c.ReplyToEmail, &c.HTMLBody, &c.Status,
		&c.StartTimeUTC, &c.EndTimeUTC, &activeDays, &c.Timezone,
	)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrCampaignGone
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	c.ActiveDays = []string(activeDays)
	return c, nil
}

// SetStatus writes a campaign-level status (LIMIT on quota breach,
// COMPLETED when the batch drains).
func (r *CampaignRepo) SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dispatch.ErrCampaignGone
	}
	return nil
}

// IncrementSent bumps the campaign progress counter. Suppressed recipients
// count too; progress tracks recipients resolved, not messages delivered.
func (r *CampaignRepo) IncrementSent(ctx context.Context, id string, n int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET sent_count = sent_count + $2, updated_at = NOW() WHERE id = $1`,
		id, n,
	)
	if err != nil {
		return fmt.Errorf("increment campaign sent count: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return dispatch.ErrCampaignGone
	}
	return nil
}

// OrganizationRepo reads the allowance rows the quota governor enforces.
type OrganizationRepo struct{ db *sql.DB }

// NewOrganizationRepo creates a Postgres-backed organization repository.
func NewOrganizationRepo(db *sql.DB) *OrganizationRepo { return &OrganizationRepo{db: db} }

func (r *OrganizationRepo) Get(ctx context.Context, id string) (*domain.Organization, error) {
	o := &domain.Organization{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, allowed_emails, sent_email_count, blocked
		FROM organizations
		WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &o.AllowedEmails, &o.SentEmailCount, &o.Blocked)
	if err == sql.ErrNoRows {
		return nil, dispatch.ErrOrgGone
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}

// IncrementSent bumps the organization's authoritative sent counter after
// a provider acceptance. The Redis usage cache is incremented separately.
func (r *OrganizationRepo) IncrementSent(ctx context.Context, id string, n int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE organizations SET sent_email_count = sent_email_count + $2, updated_at = NOW() WHERE id = $1`,
		id, n,
	)
	if err != nil {
		return fmt.Errorf("increment org sent count: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return dispatch.ErrOrgGone
	}
	return nil
}

// SenderRepo reads per-sender relay credentials.
type SenderRepo struct{ db *sql.DB }

// NewSenderRepo creates a Postgres-backed sender repository.
func NewSenderRepo(db *sql.DB) *SenderRepo { return &SenderRepo{db: db} }

func (r *SenderRepo) SMTPCredentials(ctx context.Context, senderID string) (*domain.SMTPCredentials, error) {
	c := &domain.SMTPCredentials{}
	err := r.db.QueryRowContext(ctx, `
		SELECT smtp_host, smtp_port, smtp_user, smtp_password, COALESCE(bind_addr,'')
		FROM senders
		WHERE id = $1
	`, senderID).Scan(&c.Host, &c.Port, &c.User, &c.Password, &c.BindAddr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sender %s: credentials not found", senderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get sender credentials: %w", err)
	}
	return c, nil
}
