package dispatch

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// EnqueueParams is an ingress submission: which campaign, who to send to,
// and how to spread the batch.
type EnqueueParams struct {
	CampaignID    string
	SenderID      string
	Transport     domain.TransportKind
	Recipients    []Recipient
	IntervalSec   int64
	BatchDelaySec int64
	Priority      string
	Jitter        bool
}

// Ingress is the operation surface exposed to the HTTP layer: enqueue,
// cancel, pause/resume, stats. It takes and returns plain data records.
type Ingress struct {
	queue     *queue.Queue
	enqueuer  *JobEnqueuer
	pause     *PauseRegistry
	campaigns CampaignStore
	orgs      OrganizationStore
	log       *logger.Logger
}

// NewIngress wires the ingress surface.
func NewIngress(q *queue.Queue, enq *JobEnqueuer, pause *PauseRegistry, campaigns CampaignStore, orgs OrganizationStore) *Ingress {
	return &Ingress{
		queue:     q,
		enqueuer:  enq,
		pause:     pause,
		campaigns: campaigns,
		orgs:      orgs,
		log:       logger.Component("ingress"),
	}
}

// EnqueueBulk resolves the campaign and organization and submits the batch.
// Returns the number of jobs accepted.
func (s *Ingress) EnqueueBulk(ctx context.Context, p EnqueueParams) (int, error) {
	req, err := s.buildRequest(ctx, p)
	if err != nil {
		return 0, err
	}
	return s.enqueuer.EnqueueBulk(ctx, *req)
}

// EnqueueOne submits a single recipient and returns its job id.
func (s *Ingress) EnqueueOne(ctx context.Context, p EnqueueParams) (string, error) {
	if len(p.Recipients) != 1 {
		return "", fmt.Errorf("enqueue one: expected exactly one recipient, got %d", len(p.Recipients))
	}
	req, err := s.buildRequest(ctx, p)
	if err != nil {
		return "", err
	}
	return s.enqueuer.EnqueueOne(ctx, *req, p.Recipients[0])
}

func (s *Ingress) buildRequest(ctx context.Context, p EnqueueParams) (*BulkRequest, error) {
	c, err := s.campaigns.Get(ctx, p.CampaignID)
	if err != nil {
		return nil, err
	}
	org, err := s.orgs.Get(ctx, c.OrganizationID)
	if err != nil {
		return nil, err
	}
	return &BulkRequest{
		Campaign:      c,
		Org:           domain.CampaignOrg{ID: org.ID, Name: org.Name},
		SenderID:      p.SenderID,
		Transport:     p.Transport,
		Recipients:    p.Recipients,
		IntervalSec:   p.IntervalSec,
		BatchDelaySec: p.BatchDelaySec,
		Priority:      p.Priority,
		Jitter:        p.Jitter,
	}, nil
}

// CancelCampaign removes every waiting and delayed job of the campaign via
// the campaign index. In-flight sends are not revocable; active jobs settle
// on their own. Removal is best-effort per job. Returns the removed count.
func (s *Ingress) CancelCampaign(ctx context.Context, campaignID string) (int, error) {
	jobs, err := s.queue.JobsByCampaign(ctx, campaignID, queue.StateWaiting, queue.StateDelayed)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if err := s.queue.Remove(ctx, job.ID); err != nil {
			s.log.Warn("cancel: job removal failed, continuing",
				"job_id", job.ID, "campaign_id", campaignID, "error", err)
			continue
		}
		removed++
	}
	s.log.Info("campaign cancelled", "campaign_id", campaignID,
		"removed", removed, "pending", len(jobs))
	return removed, nil
}

// PauseCampaign marks a campaign paused. ErrAlreadyPaused on a double
// pause.
func (s *Ingress) PauseCampaign(ctx context.Context, campaignID string) error {
	return s.pause.Pause(ctx, campaignID)
}

// ResumeCampaign clears a pause mark. ErrNotPaused when the campaign is
// not paused.
func (s *Ingress) ResumeCampaign(ctx context.Context, campaignID string) error {
	return s.pause.Resume(ctx, campaignID)
}

// PausedCampaigns lists paused campaign ids.
func (s *Ingress) PausedCampaigns(ctx context.Context) ([]string, error) {
	return s.pause.Paused(ctx)
}

// QueueStats reports queue depth per state.
func (s *Ingress) QueueStats(ctx context.Context) (queue.Counts, error) {
	return s.queue.GetCounts(ctx)
}
