// Package queue is the Redis-backed job substrate client for campaign email
// dispatch. It provides delayed/priority enqueue, bulk submission, paged
// listing, per-job leases with reclaim, and a campaign secondary index so
// campaign-wide operations never scan the keyspace.
//
// Delivery is at-least-once. There are no cross-job transactions: callers
// that settle many jobs (cancellation, reschedule) do so best-effort,
// tolerating individual failures. Multi-step single-job transitions are
// atomic via Lua, the same way the platform does its rate-limit counters.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Config holds substrate-level retry and lease policy.
type Config struct {
	MaxAttempts    int           // attempt cap per job, including the first try
	BackoffBase    time.Duration // exponential backoff base
	BackoffCeiling time.Duration // backoff upper bound
	LeaseDuration  time.Duration // exclusive claim TTL
}

// DefaultConfig mirrors the production policy: three attempts with 1s
// exponential backoff capped at 15 minutes, 30s leases.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffCeiling: 15 * time.Minute,
		LeaseDuration:  30 * time.Second,
	}
}

// Queue is a named job queue on a shared Redis instance.
type Queue struct {
	client *redis.Client
	name   string
	prefix string
	cfg    Config
	log    *logger.Logger
	nowFn  func() time.Time

	enqueueScript *redis.Script
	removeScript  *redis.Script
	delayScript   *redis.Script
	claimScript   *redis.Script
	failScript    *redis.Script
	reclaimScript *redis.Script
}

// Lua script for atomic enqueue: creates the job hash, places the id in the
// waiting or delayed set, and maintains the campaign index. Refuses
// duplicate ids.
const enqueueLua = `
local jobKey = KEYS[1]
local waitKey = KEYS[2]
local delayedKey = KEYS[3]
local seqKey = KEYS[4]
local campKey = KEYS[5]

local jobId = ARGV[1]
local name = ARGV[2]
local data = ARGV[3]
local priority = tonumber(ARGV[4])
local maxAttempts = tonumber(ARGV[5])
local backoffMs = tonumber(ARGV[6])
local nowMs = tonumber(ARGV[7])
local delayMs = tonumber(ARGV[8])
local campaignId = ARGV[9]

if redis.call("EXISTS", jobKey) == 1 then
    return 0
end

redis.call("HSET", jobKey,
    "name", name,
    "data", data,
    "priority", priority,
    "attempts", 0,
    "max_attempts", maxAttempts,
    "backoff_ms", backoffMs,
    "timestamp", nowMs,
    "campaign_id", campaignId)

if delayMs > 0 then
    local readyAt = nowMs + delayMs
    redis.call("HSET", jobKey, "state", "delayed", "ready_at", readyAt)
    redis.call("ZADD", delayedKey, readyAt, jobId)
else
    local seq = redis.call("INCR", seqKey)
    redis.call("HSET", jobKey, "state", "waiting")
    redis.call("ZADD", waitKey, priority * 1e12 + seq, jobId)
end

redis.call("SADD", campKey, jobId)
return 1
`

// Lua script for atomic removal of a non-active job.
const removeLua = `
local jobKey = KEYS[1]
local waitKey = KEYS[2]
local delayedKey = KEYS[3]
local activeKey = KEYS[4]
local campKey = KEYS[5]
local jobId = ARGV[1]

if redis.call("EXISTS", jobKey) == 0 then
    return -1
end
if redis.call("ZSCORE", activeKey, jobId) then
    return -2
end

redis.call("ZREM", waitKey, jobId)
redis.call("ZREM", delayedKey, jobId)
redis.call("DEL", jobKey)
redis.call("SREM", campKey, jobId)
return 1
`

// Lua script moving a waiting or delayed job to a new ready-at instant.
const delayLua = `
local jobKey = KEYS[1]
local waitKey = KEYS[2]
local delayedKey = KEYS[3]
local activeKey = KEYS[4]
local jobId = ARGV[1]
local readyAt = tonumber(ARGV[2])

if redis.call("EXISTS", jobKey) == 0 then
    return -1
end
if redis.call("ZSCORE", activeKey, jobId) then
    return -2
end

redis.call("ZREM", waitKey, jobId)
redis.call("ZADD", delayedKey, readyAt, jobId)
redis.call("HSET", jobKey, "state", "delayed", "ready_at", readyAt)
return 1
`

// Lua script for claim: promotes due delayed jobs into the waiting set,
// then pops the highest-priority waiting job and marks it active with a
// lease expiry.
const claimLua = `
local waitKey = KEYS[1]
local delayedKey = KEYS[2]
local seqKey = KEYS[3]
local activeKey = KEYS[4]
local jobPrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
local leaseExpiry = tonumber(ARGV[3])

local due = redis.call("ZRANGEBYSCORE", delayedKey, "-inf", nowMs, "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("ZREM", delayedKey, id)
    local priority = tonumber(redis.call("HGET", jobPrefix .. id, "priority") or "10")
    local seq = redis.call("INCR", seqKey)
    redis.call("HSET", jobPrefix .. id, "state", "waiting")
    redis.call("ZADD", waitKey, priority * 1e12 + seq, id)
end

local popped = redis.call("ZPOPMIN", waitKey, 1)
if #popped == 0 then
    return false
end

local jobId = popped[1]
redis.call("HSET", jobPrefix .. jobId, "state", "active")
redis.call("ZADD", activeKey, leaseExpiry, jobId)
return jobId
`

// Lua script settling a failed attempt. Only the lease holder may run the
// bookkeeping: a job no longer in the active set was already reclaimed or
// completed elsewhere, and touching its keys would resurrect it.
const failLua = `
local jobKey = KEYS[1]
local delayedKey = KEYS[2]
local activeKey = KEYS[3]
local campKey = KEYS[4]
local jobId = ARGV[1]
local readyAt = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])

if not redis.call("ZSCORE", activeKey, jobId) then
    return "lost"
end
if redis.call("EXISTS", jobKey) == 0 then
    redis.call("ZREM", activeKey, jobId)
    return "lost"
end

local attempts = redis.call("HINCRBY", jobKey, "attempts", 1)
if attempts >= maxAttempts then
    redis.call("ZREM", activeKey, jobId)
    redis.call("DEL", jobKey)
    redis.call("SREM", campKey, jobId)
    return "exhausted"
end

redis.call("ZREM", activeKey, jobId)
redis.call("ZADD", delayedKey, readyAt, jobId)
redis.call("HSET", jobKey, "state", "delayed", "ready_at", readyAt)
return "parked"
`

// Lua script reclaiming jobs whose lease expired (worker crashed
// mid-processing). Under the attempt cap they return to waiting; over it
// they are dropped and reported for ERROR bookkeeping.
const reclaimLua = `
local waitKey = KEYS[1]
local activeKey = KEYS[2]
local seqKey = KEYS[3]
local jobPrefix = ARGV[1]
local campPrefix = ARGV[2]
local nowMs = tonumber(ARGV[3])

local expired = redis.call("ZRANGEBYSCORE", activeKey, "-inf", nowMs, "LIMIT", 0, 100)
local requeued = {}
local dropped = {}

for _, id in ipairs(expired) do
    redis.call("ZREM", activeKey, id)
    local jobKey = jobPrefix .. id
    if redis.call("EXISTS", jobKey) == 1 then
        local attempts = redis.call("HINCRBY", jobKey, "attempts", 1)
        local maxAttempts = tonumber(redis.call("HGET", jobKey, "max_attempts") or "3")
        if attempts >= maxAttempts then
            local campaignId = redis.call("HGET", jobKey, "campaign_id")
            local emailId = redis.call("HGET", jobKey, "name")
            redis.call("DEL", jobKey)
            if campaignId then
                redis.call("SREM", campPrefix .. campaignId, id)
            end
            table.insert(dropped, emailId or id)
        else
            local priority = tonumber(redis.call("HGET", jobKey, "priority") or "10")
            local seq = redis.call("INCR", seqKey)
            redis.call("HSET", jobKey, "state", "waiting")
            redis.call("ZADD", waitKey, priority * 1e12 + seq, id)
            table.insert(requeued, id)
        end
    end
end

return {requeued, dropped}
`

// New creates a queue client for the named queue.
func New(client *redis.Client, name string, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = DefaultConfig().BackoffCeiling
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	return &Queue{
		client:        client,
		name:          name,
		prefix:        "queue:" + name,
		cfg:           cfg,
		log:           logger.Component("queue"),
		nowFn:         time.Now,
		enqueueScript: redis.NewScript(enqueueLua),
		removeScript:  redis.NewScript(removeLua),
		delayScript:   redis.NewScript(delayLua),
		claimScript:   redis.NewScript(claimLua),
		failScript:    redis.NewScript(failLua),
		reclaimScript: redis.NewScript(reclaimLua),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Config returns the substrate policy this queue was built with.
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) jobKey(id string) string     { return q.prefix + ":job:" + id }
func (q *Queue) jobPrefix() string           { return q.prefix + ":job:" }
func (q *Queue) waitKey() string             { return q.prefix + ":wait" }
func (q *Queue) delayedKey() string          { return q.prefix + ":delayed" }
func (q *Queue) activeKey() string           { return q.prefix + ":active" }
func (q *Queue) seqKey() string              { return q.prefix + ":seq" }
func (q *Queue) campaignKey(c string) string { return q.prefix + ":campaign:" + c }
func (q *Queue) campaignKeyPrefix() string   { return q.prefix + ":campaign:" }

// Enqueue validates and submits one job. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, name string, data JobData, opts Options) (string, error) {
	if err := data.Validate(); err != nil {
		q.log.Warn("rejected malformed payload", "queue", q.name, "error", err)
		return "", err
	}
	if opts.JobID == "" {
		return "", fmt.Errorf("enqueue: job id is required")
	}
	raw, err := marshalData(&data)
	if err != nil {
		return "", err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.cfg.BackoffBase
	}

	res, err := q.enqueueScript.Run(ctx, q.client,
		[]string{
			q.jobKey(opts.JobID), q.waitKey(), q.delayedKey(), q.seqKey(),
			q.campaignKey(data.Email.CampaignID),
		},
		opts.JobID, name, raw, opts.Priority, maxAttempts,
		backoff.Milliseconds(), q.nowFn().UnixMilli(), opts.Delay.Milliseconds(),
		data.Email.CampaignID,
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", opts.JobID, err)
	}
	if res == 0 {
		return "", fmt.Errorf("enqueue %s: %w", opts.JobID, ErrDuplicateJobID)
	}
	return opts.JobID, nil
}

// EnqueueBulk submits many jobs, best-effort: individual failures are
// logged and counted, not fatal to the batch.
func (q *Queue) EnqueueBulk(ctx context.Context, entries []BulkEntry) (int, error) {
	submitted := 0
	for _, e := range entries {
		if _, err := q.Enqueue(ctx, e.Name, e.Data, e.Opts); err != nil {
			q.log.Warn("bulk enqueue entry failed", "queue", q.name, "job_id", e.Opts.JobID, "error", err)
			continue
		}
		submitted++
	}
	if submitted == 0 && len(entries) > 0 {
		return 0, fmt.Errorf("bulk enqueue: all %d entries failed", len(entries))
	}
	return submitted, nil
}

// Remove deletes a waiting or delayed job. Active jobs cannot be removed;
// in-flight sends are not revocable.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	campaignID, err := q.client.HGet(ctx, q.jobKey(jobID), "campaign_id").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", jobID, err)
	}

	res, err := q.removeScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.waitKey(), q.delayedKey(), q.activeKey(), q.campaignKey(campaignID)},
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("remove %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case -2:
		return ErrJobActive
	}
	return nil
}

// ChangeDelay reschedules a waiting or delayed job to run after d from now.
func (q *Queue) ChangeDelay(ctx context.Context, jobID string, d time.Duration) error {
	return q.MoveToDelayed(ctx, jobID, q.nowFn().Add(d))
}

// MoveToDelayed reschedules a waiting or delayed job to the given instant.
func (q *Queue) MoveToDelayed(ctx context.Context, jobID string, readyAt time.Time) error {
	res, err := q.delayScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.waitKey(), q.delayedKey(), q.activeKey()},
		jobID, readyAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("move to delayed %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case -2:
		return ErrJobActive
	}
	return nil
}

// GetJob loads a single job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return q.jobFromFields(jobID, fields)
}

// JobsByState lists jobs in the given state, paged by rank order.
func (q *Queue) JobsByState(ctx context.Context, state State, offset, count int64) ([]*Job, error) {
	var key string
	switch state {
	case StateWaiting:
		key = q.waitKey()
	case StateDelayed:
		key = q.delayedKey()
	case StateActive:
		key = q.activeKey()
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}

	ids, err := q.client.ZRange(ctx, key, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	return q.loadJobs(ctx, ids)
}

// JobsByCampaign lists a campaign's jobs via the secondary index, filtered
// to the given states (all states when none are given).
func (q *Queue) JobsByCampaign(ctx context.Context, campaignID string, states ...State) ([]*Job, error) {
	ids, err := q.client.SMembers(ctx, q.campaignKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("campaign %s jobs: %w", campaignID, err)
	}
	jobs, err := q.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return jobs, nil
	}
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if want[j.State] {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

// GetCounts reports queue depth per state.
func (q *Queue) GetCounts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waitCmd := pipe.ZCard(ctx, q.waitKey())
	delayedCmd := pipe.ZCard(ctx, q.delayedKey())
	activeCmd := pipe.ZCard(ctx, q.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting: waitCmd.Val(),
		Delayed: delayedCmd.Val(),
		Active:  activeCmd.Val(),
	}, nil
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // removed between SMEMBERS and load; index is best-effort
		}
		job, err := q.jobFromFields(ids[i], fields)
		if err != nil {
			q.log.Warn("skipping unreadable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) jobFromFields(id string, fields map[string]string) (*Job, error) {
	job := &Job{ID: id, Name: fields["name"], State: State(fields["state"])}
	if err := unmarshalData(fields["data"], &job.Data); err != nil {
		return nil, err
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["timestamp"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["ready_at"], 10, 64); err == nil {
		job.ReadyAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}
