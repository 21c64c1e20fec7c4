package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/schedule"
)

// Jitter bounds, seconds. Each recipient's spacing gets a random pad from
// this range so a batch does not hit the provider on a metronome.
const (
	jitterMinSec = 20
	jitterMaxSec = 90
)

// Recipient identifies one addressee in a bulk submission.
type Recipient struct {
	EmailID     string // email row id, becomes the job name
	RecipientID string
	Email       string
	FirstName   string
	LastName    string
	CompanyName string
}

// BulkRequest is one campaign batch to spread across the queue.
type BulkRequest struct {
	Campaign   *domain.Campaign
	Org        domain.CampaignOrg
	SenderID   string
	Transport  domain.TransportKind
	Recipients []Recipient

	IntervalSec   int64  // base spacing between recipients, seconds
	BatchDelaySec int64  // delay before the first recipient, seconds
	Priority      string // label, unknown maps to MEDIUM
	Jitter        bool
}

// JobEnqueuer computes per-recipient delays and priorities and submits
// campaign batches to the queue substrate.
type JobEnqueuer struct {
	queue  *queue.Queue
	log    *logger.Logger
	randFn func(n int) int // injectable for deterministic tests
}

// NewJobEnqueuer creates an enqueuer over the given queue.
func NewJobEnqueuer(q *queue.Queue) *JobEnqueuer {
	return &JobEnqueuer{
		queue:  q,
		log:    logger.Component("enqueuer"),
		randFn: rand.Intn,
	}
}

// EnqueueBulk validates the campaign window once, then submits one job per
// recipient. Recipient i waits batchDelay plus i times its interval; with
// jitter each recipient's interval gets its own random pad, stored on the
// payload so reschedules keep the same spacing. Returns the number of jobs
// submitted.
func (e *JobEnqueuer) EnqueueBulk(ctx context.Context, req BulkRequest) (int, error) {
	if req.Campaign == nil {
		return 0, fmt.Errorf("enqueue bulk: %w", ErrCampaignGone)
	}
	c := req.Campaign
	if err := schedule.ValidateWindow(c.StartTimeUTC, c.EndTimeUTC, c.ActiveDays); err != nil {
		return 0, fmt.Errorf("campaign %s: %w: %v", c.ID, ErrInvalidWindow, err)
	}

	now := time.Now().UTC()
	entries := make([]queue.BulkEntry, 0, len(req.Recipients))
	for i, rcpt := range req.Recipients {
		actualInterval := req.IntervalSec * 1000
		if req.Jitter {
			actualInterval += int64(e.randFn(jitterMaxSec-jitterMinSec+1)+jitterMinSec) * 1000
		}
		entries = append(entries, e.buildEntry(req, rcpt, i, actualInterval, now))
	}

	submitted, err := e.queue.EnqueueBulk(ctx, entries)
	if err != nil {
		return submitted, fmt.Errorf("enqueue bulk for campaign %s: %w", c.ID, err)
	}
	e.log.Info("campaign batch enqueued",
		"campaign_id", c.ID, "recipients", len(req.Recipients), "submitted", submitted,
		"priority", domain.PriorityRank(req.Priority), "jitter", req.Jitter)
	return submitted, nil
}

// buildEntry assembles recipient i's job: payload denormalized from the
// campaign, delay batchDelay + i*actualInterval.
func (e *JobEnqueuer) buildEntry(req BulkRequest, rcpt Recipient, i int, actualInterval int64, now time.Time) queue.BulkEntry {
	c := req.Campaign
	delayMs := req.BatchDelaySec*1000 + int64(i)*actualInterval
	return queue.BulkEntry{
		Name: rcpt.EmailID,
		Data: queue.JobData{
			Email: domain.EmailJob{
				Version:        domain.PayloadVersion,
				EmailID:        rcpt.EmailID,
				CampaignID:     c.ID,
				OrganizationID: req.Org.ID,
				RecipientID:    rcpt.RecipientID,
				RecipientEmail: rcpt.Email,
				FirstName:      rcpt.FirstName,
				LastName:       rcpt.LastName,
				CompanyName:    rcpt.CompanyName,
				SenderID:       req.SenderID,
				SenderEmail:    c.SenderEmail,
				Transport:      req.Transport,
				StartTimeUTC:   c.StartTimeUTC,
				EndTimeUTC:     c.EndTimeUTC,
				ActiveDays:     c.ActiveDays,
				Timezone:       c.Timezone,
				ActualInterval: actualInterval,
				EnqueuedAt:     now,
			},
			CampaignOrg: req.Org,
		},
		Opts: queue.Options{
			JobID:    NewJobID(JobTypeCampaignEmail, c.ID, rcpt.RecipientID),
			Delay:    time.Duration(delayMs) * time.Millisecond,
			Priority: domain.PriorityRank(req.Priority),
		},
	}
}

// EnqueueOne submits a single recipient and returns its job id.
func (e *JobEnqueuer) EnqueueOne(ctx context.Context, req BulkRequest, rcpt Recipient) (string, error) {
	if req.Campaign == nil {
		return "", fmt.Errorf("enqueue: %w", ErrCampaignGone)
	}
	c := req.Campaign
	if err := schedule.ValidateWindow(c.StartTimeUTC, c.EndTimeUTC, c.ActiveDays); err != nil {
		return "", fmt.Errorf("campaign %s: %w: %v", c.ID, ErrInvalidWindow, err)
	}

	actualInterval := req.IntervalSec * 1000
	if req.Jitter {
		actualInterval += int64(e.randFn(jitterMaxSec-jitterMinSec+1)+jitterMinSec) * 1000
	}
	entry := e.buildEntry(req, rcpt, 0, actualInterval, time.Now().UTC())
	return e.queue.Enqueue(ctx, entry.Name, entry.Data, entry.Opts)
}
