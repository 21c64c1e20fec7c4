package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReclaimResult reports the outcome of one reclaim sweep.
type ReclaimResult struct {
	Requeued []string // job ids returned to waiting
	Dropped  []string // job names (email ids) removed after exhausting attempts
}

// Claim promotes due delayed jobs and pops the highest-priority waiting job
// under an exclusive lease. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.nowFn()
	res, err := q.claimScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.delayedKey(), q.seqKey(), q.activeKey()},
		q.jobPrefix(), now.UnixMilli(), now.Add(q.cfg.LeaseDuration).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	job, err := q.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		// Raced with a removal between pop and load; release the phantom lease.
		q.client.ZRem(ctx, q.activeKey(), jobID)
		return nil, nil
	}
	return job, err
}

// ExtendLease pushes the lease expiry of an active job further out. Returns
// ErrLeaseLost if the job is no longer held (reclaimed or completed).
func (q *Queue) ExtendLease(ctx context.Context, jobID string) error {
	expiry := float64(q.nowFn().Add(q.cfg.LeaseDuration).UnixMilli())
	if err := q.client.ZAddXX(ctx, q.activeKey(), redis.Z{Score: expiry, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	if _, err := q.client.ZScore(ctx, q.activeKey(), jobID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return nil
}

// Complete settles a finished job: the lease, the hash and the campaign
// index entry are all dropped. Jobs are never retained after completion.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	campaignID, err := q.client.HGet(ctx, q.jobKey(jobID), "campaign_id").Result()
	if errors.Is(err, redis.Nil) {
		q.client.ZRem(ctx, q.activeKey(), jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.SRem(ctx, q.campaignKey(campaignID), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failed attempt on an active job. Under the attempt cap the
// job is parked in the delayed set with exponential backoff; at the cap it
// is deleted and ErrAttemptsExhausted returned so the caller can mark the
// email permanently failed. Returns ErrLeaseLost when the job is no longer
// held, in which case whoever reclaimed or completed it owns the settlement.
func (q *Queue) Fail(ctx context.Context, job *Job) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	readyAt := q.nowFn().Add(q.backoffFor(job.Attempts + 1))

	res, err := q.failScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.delayedKey(), q.activeKey(), q.campaignKey(job.Data.Email.CampaignID)},
		job.ID, readyAt.UnixMilli(), maxAttempts,
	).Text()
	if err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	switch res {
	case "lost":
		return ErrLeaseLost
	case "exhausted":
		return ErrAttemptsExhausted
	}
	return nil
}

// ReclaimExpired sweeps jobs whose lease lapsed without completion. Each
// burns an attempt; exhausted jobs are dropped and their email ids reported.
func (q *Queue) ReclaimExpired(ctx context.Context) (ReclaimResult, error) {
	res, err := q.reclaimScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.activeKey(), q.seqKey()},
		q.jobPrefix(), q.campaignKeyPrefix(), q.nowFn().UnixMilli(),
	).Slice()
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim: %w", err)
	}

	out := ReclaimResult{}
	if len(res) == 2 {
		out.Requeued = toStrings(res[0])
		out.Dropped = toStrings(res[1])
	}
	if n := len(out.Requeued) + len(out.Dropped); n > 0 {
		q.log.Info("reclaimed expired leases", "queue", q.name,
			"requeued", len(out.Requeued), "dropped", len(out.Dropped))
	}
	return out, nil
}

// backoffFor computes the retry delay after the given attempt count,
// doubling from the base and clamped to the ceiling.
func (q *Queue) backoffFor(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCeiling {
			return q.cfg.BackoffCeiling
		}
	}
	if d > q.cfg.BackoffCeiling {
		d = q.cfg.BackoffCeiling
	}
	return d
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
