package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// rescheduleLockTTL bounds how long one process can hold a campaign's
// reschedule lock. A campaign's jobs are rescheduled well within this.
const rescheduleLockTTL = 30 * time.Second

// LockFactory builds a distributed lock for the given key.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// RescheduleEngine moves a campaign's pending jobs to a new schedule when
// the sending window closes or a provider defers a sender. The substrate
// has no multi-job transaction, so the walk is best-effort: individual
// failures are logged and skipped, never fatal to the batch.
type RescheduleEngine struct {
	queue   *queue.Queue
	newLock LockFactory
	log     *logger.Logger
	nowFn   func() time.Time
}

// NewRescheduleEngine creates an engine over the given queue and lock
// backend.
func NewRescheduleEngine(q *queue.Queue, newLock LockFactory) *RescheduleEngine {
	return &RescheduleEngine{
		queue:   q,
		newLock: newLock,
		log:     logger.Component("reschedule"),
		nowFn:   time.Now,
	}
}

// RescheduleCampaign shifts the triggering job and every waiting or delayed
// job of its campaign so the first send lands at nextActive and the rest
// follow at their original spacing. The triggering job (held active by the
// caller) is replaced under a derived id; the caller settles the old job
// afterwards. Concurrent reschedules of one campaign are serialized by a
// campaign-scoped lock; losing the race defers only the triggering job.
func (e *RescheduleEngine) RescheduleCampaign(ctx context.Context, trigger *queue.Job, nextActive time.Time) error {
	now := e.nowFn()
	delay := nextActive.Sub(now)
	if delay < 0 {
		delay = 0
	}

	lock := e.newLock("reschedule:campaign:"+trigger.Data.Email.CampaignID, rescheduleLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("reschedule campaign %s: %w", trigger.Data.Email.CampaignID, err)
	}
	if !acquired {
		// Another worker is already walking this campaign. Park just the
		// triggering job; the holder handles the rest.
		e.log.Info("reschedule lock held elsewhere, deferring trigger only",
			"campaign_id", trigger.Data.Email.CampaignID, "job_id", trigger.ID)
		return e.replaceJob(ctx, trigger, delay)
	}
	defer lock.Release(ctx)

	// Snapshot the pending set before the replacement lands so the walk
	// never picks up the trigger's own new id.
	pending, err := e.pendingJobs(ctx, trigger.Data.Email.CampaignID, trigger.ID, "")
	if err != nil {
		return err
	}
	if err := e.replaceJob(ctx, trigger, delay); err != nil {
		return err
	}
	e.walkForward(ctx, pending, nextActive)
	return nil
}

// DeferSender pushes every waiting or delayed job of the triggering job's
// sender within the same campaign out by d, and replaces the triggering
// job itself under a derived id with that same delay. Used on reputation
// rejections, where retrying the sender in place invites harder blocking.
func (e *RescheduleEngine) DeferSender(ctx context.Context, trigger *queue.Job, d time.Duration) error {
	email := trigger.Data.Email

	lock := e.newLock("reschedule:campaign:"+email.CampaignID, rescheduleLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("defer sender %s: %w", email.SenderID, err)
	}
	if !acquired {
		e.log.Info("reschedule lock held elsewhere, deferring trigger only",
			"campaign_id", email.CampaignID, "sender_id", email.SenderID, "job_id", trigger.ID)
		return e.replaceJob(ctx, trigger, d)
	}
	defer lock.Release(ctx)

	// Same ordering as the campaign walk: list first so the trigger's
	// replacement is not deferred a second time.
	pending, err := e.pendingJobs(ctx, email.CampaignID, trigger.ID, email.SenderID)
	if err != nil {
		return err
	}
	if err := e.replaceJob(ctx, trigger, d); err != nil {
		return err
	}
	now := e.nowFn()
	deferred := 0
	for _, job := range pending {
		base := job.ReadyAt
		if base.Before(now) {
			base = now
		}
		if err := e.queue.MoveToDelayed(ctx, job.ID, base.Add(d)); err != nil {
			e.log.Warn("defer of pending job failed, continuing",
				"job_id", job.ID, "campaign_id", email.CampaignID, "error", err)
			continue
		}
		deferred++
	}
	e.log.Info("sender deferred", "sender_id", email.SenderID,
		"campaign_id", email.CampaignID, "deferred_jobs", deferred, "window", d.String())
	return nil
}

// replaceJob enqueues the job's payload under the next derived id with the
// given delay, retiring the old id. Same payload, same priority; only id
// and delay change.
func (e *RescheduleEngine) replaceJob(ctx context.Context, job *queue.Job, delay time.Duration) error {
	newID := NextDelayedID(job.ID)
	_, err := e.queue.Enqueue(ctx, job.Name, job.Data, queue.Options{
		JobID:       newID,
		Delay:       delay,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
	})
	if errors.Is(err, queue.ErrDuplicateJobID) {
		// A previous attempt already placed the replacement; at-least-once
		// delivery makes this a benign rerun.
		e.log.Warn("replacement job already present", "job_id", newID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("replace job %s: %w", job.ID, err)
	}
	e.log.Info("job rescheduled", "old_id", job.ID, "new_id", newID, "delay", delay.String())
	return nil
}

// pendingJobs lists a campaign's waiting and delayed jobs, excluding the
// triggering id and, when senderID is set, jobs of other senders. Active
// jobs are in flight and cannot be touched.
func (e *RescheduleEngine) pendingJobs(ctx context.Context, campaignID, excludeID, senderID string) ([]*queue.Job, error) {
	jobs, err := e.queue.JobsByCampaign(ctx, campaignID, queue.StateWaiting, queue.StateDelayed)
	if err != nil {
		return nil, fmt.Errorf("pending jobs for campaign %s: %w", campaignID, err)
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if j.ID == excludeID {
			continue
		}
		if senderID != "" && j.Data.Email.SenderID != senderID {
			continue
		}
		filtered = append(filtered, j)
	}

	// Original intended execution order: scheduled instant when known,
	// enqueue time as the tiebreak for waiting jobs.
	sort.SliceStable(filtered, func(a, b int) bool {
		ja, jb := filtered[a], filtered[b]
		if !ja.ReadyAt.Equal(jb.ReadyAt) {
			return ja.ReadyAt.Before(jb.ReadyAt)
		}
		return ja.EnqueuedAt.Before(jb.EnqueuedAt)
	})
	return filtered, nil
}

// walkForward removes each pending job and re-enqueues it under a derived
// id, accumulating each job's own spacing from nextActive so relative order
// and gaps survive the move. Jobs whose recomputed delay lands in the past
// are skipped and logged, not failed.
func (e *RescheduleEngine) walkForward(ctx context.Context, pending []*queue.Job, nextActive time.Time) {
	now := e.nowFn()
	at := nextActive
	moved, skipped := 0, 0
	for _, job := range pending {
		at = at.Add(time.Duration(job.Data.Email.ActualInterval) * time.Millisecond)
		delay := at.Sub(now)
		if delay < 0 {
			skipped++
			e.log.Warn("skipping job with negative recomputed delay",
				"job_id", job.ID, "scheduled_at", at.Format(time.RFC3339))
			continue
		}

		if err := e.queue.Remove(ctx, job.ID); err != nil {
			e.log.Warn("removal of pending job failed, continuing", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := e.queue.Enqueue(ctx, job.Name, job.Data, queue.Options{
			JobID:       NextDelayedID(job.ID),
			Delay:       delay,
			Priority:    job.Priority,
			MaxAttempts: job.MaxAttempts,
		}); err != nil {
			e.log.Error("re-enqueue of pending job failed, job dropped from schedule",
				"job_id", job.ID, "error", err)
			continue
		}
		moved++
	}
	if moved > 0 || skipped > 0 {
		e.log.Info("campaign walk complete", "moved", moved, "skipped", skipped,
			"next_active", nextActive.Format(time.RFC3339))
	}
}
