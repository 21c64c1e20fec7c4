package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/schedule"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

// CampaignStore reads campaign rows and writes campaign-level bookkeeping.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	IncrementSent(ctx context.Context, id string, n int64) error
}

// OrganizationStore reads allowance rows and writes the authoritative sent
// counter.
type OrganizationStore interface {
	Get(ctx context.Context, id string) (*domain.Organization, error)
	IncrementSent(ctx context.Context, id string, n int64) error
}

// EmailStore writes per-email terminal statuses and event rows.
type EmailStore interface {
	SetStatus(ctx context.Context, emailID string, status domain.EmailStatus) error
	AddEvent(ctx context.Context, emailID, campaignID, eventType string) error
}

// SuppressionStore answers do-not-send membership.
type SuppressionStore interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
}

// SenderStore reads per-sender relay credentials.
type SenderStore interface {
	SMTPCredentials(ctx context.Context, senderID string) (*domain.SMTPCredentials, error)
}

// Event type names written through EmailStore.AddEvent.
const (
	eventDelivery = "DELIVERY"
	eventSuppress = "SUPPRESS"
)

// WorkerConfig tunes the dispatch loop. Zero values take the defaults.
type WorkerConfig struct {
	Concurrency        int           // parallel claim loops, default 1
	PollInterval       time.Duration // idle wait between empty claims
	PauseRecheckDelay  time.Duration // how long paused jobs park before recheck
	LeaseRenewInterval time.Duration // lease heartbeat cadence
	ReclaimInterval    time.Duration // stale-lease sweep cadence
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PauseRecheckDelay <= 0 {
		c.PauseRecheckDelay = 30 * time.Minute
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = 15 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
}

// WorkerStats is a snapshot of loop counters.
type WorkerStats struct {
	Processed   int64 `json:"processed"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Suppressed  int64 `json:"suppressed"`
	Limited     int64 `json:"limited"`
	Rescheduled int64 `json:"rescheduled"`
}

// Worker claims jobs from the substrate and runs each through the gate
// chain: pause, sending window, suppression, organization block, quota,
// sender throttle, then the transport. Every outcome lands as a terminal
// status on the email row or a replacement job in the queue.
type Worker struct {
	queue        *queue.Queue
	pause        *PauseRegistry
	quota        *QuotaGovernor
	throttle     *SenderThrottle
	classifier   *RetryClassifier
	resched      *RescheduleEngine
	campaigns    CampaignStore
	orgs         OrganizationStore
	emails       EmailStore
	suppressions SuppressionStore
	senders      SenderStore
	transports   map[domain.TransportKind]transport.Transport

	cfg   WorkerConfig
	log   *logger.Logger
	nowFn func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	processed   atomic.Int64
	sent        atomic.Int64
	failed      atomic.Int64
	suppressed  atomic.Int64
	limited     atomic.Int64
	rescheduled atomic.Int64
}

// WorkerDeps bundles the collaborators a Worker needs.
type WorkerDeps struct {
	Queue        *queue.Queue
	Pause        *PauseRegistry
	Quota        *QuotaGovernor
	Throttle     *SenderThrottle
	Classifier   *RetryClassifier
	Reschedule   *RescheduleEngine
	Campaigns    CampaignStore
	Orgs         OrganizationStore
	Emails       EmailStore
	Suppressions SuppressionStore
	Senders      SenderStore
	Transports   map[domain.TransportKind]transport.Transport
}

// NewWorker wires a dispatch worker.
func NewWorker(deps WorkerDeps, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queue:        deps.Queue,
		pause:        deps.Pause,
		quota:        deps.Quota,
		throttle:     deps.Throttle,
		classifier:   deps.Classifier,
		resched:      deps.Reschedule,
		campaigns:    deps.Campaigns,
		orgs:         deps.Orgs,
		emails:       deps.Emails,
		suppressions: deps.Suppressions,
		senders:      deps.Senders,
		transports:   deps.Transports,
		cfg:          cfg,
		log:          logger.Component("worker"),
		nowFn:        time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the claim loops and the stale-lease reclaim sweep.
func (w *Worker) Start(ctx context.Context) {
	if w.started {
		return
	}
	w.started = true
	w.log.Info("dispatch worker starting", "concurrency", w.cfg.Concurrency)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx, i)
	}
	w.wg.Add(1)
	go w.reclaimLoop(ctx)
}

// Stop signals the loops and waits for in-flight jobs to settle.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("dispatch worker stopped",
		"processed", w.processed.Load(), "sent", w.sent.Load(), "failed", w.failed.Load())
}

// Stats snapshots the loop counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed:   w.processed.Load(),
		Sent:        w.sent.Load(),
		Failed:      w.failed.Load(),
		Suppressed:  w.suppressed.Load(),
		Limited:     w.limited.Load(),
		Rescheduled: w.rescheduled.Load(),
	}
}

func (w *Worker) claimLoop(ctx context.Context, id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.log.Error("claim failed", "loop", id, "error", err)
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}

		w.processed.Add(1)
		if err := w.processJob(ctx, job); err != nil {
			w.log.Error("job processing failed", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// reclaimLoop sweeps lapsed leases so crashed workers' jobs return to the
// queue, and marks jobs that exhausted their attempts mid-crash as ERROR.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.queue.ReclaimExpired(ctx)
			if err != nil {
				w.log.Error("lease reclaim failed", "error", err)
				continue
			}
			for _, emailID := range res.Dropped {
				if err := w.emails.SetStatus(ctx, emailID, domain.EmailError); err != nil {
					w.log.Error("status write for dropped job failed", "email_id", emailID, "error", err)
				}
				w.failed.Add(1)
			}
		}
	}
}

// processJob runs the gate chain on one claimed job. The lease is renewed
// in the background for the duration; losing it aborts the attempt and
// leaves settlement to whoever reclaimed the job.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go w.renewLease(jobCtx, job.ID, cancel, renewDone)
	defer func() { cancel(); <-renewDone }()

	email := job.Data.Email
	now := w.nowFn().UTC()

	// Pause gate. Paused jobs park under a fresh id and recheck later, so
	// the queue drains slowly instead of spinning on them.
	paused, err := w.pause.IsPaused(jobCtx, email.CampaignID)
	if err != nil {
		return w.failJob(jobCtx, job, fmt.Errorf("pause gate: %w", err))
	}
	if paused {
		if err := w.requeueJob(jobCtx, job, w.cfg.PauseRecheckDelay); err != nil {
			return err
		}
		w.log.Debug("paused job parked", "job_id", job.ID, "campaign_id", email.CampaignID)
		return w.queue.Complete(jobCtx, job.ID)
	}

	// Sending window gate.
	within, err := schedule.WithinPeriod(now, email.StartTimeUTC, email.EndTimeUTC)
	if err != nil {
		return w.resolveInvalid(jobCtx, job, fmt.Errorf("window gate: %w", err))
	}
	if !within || !schedule.ActiveDay(now, email.ActiveDays, email.Timezone) {
		return w.rescheduleForWindow(jobCtx, job, now)
	}

	// Suppression gate. A suppressed recipient still counts toward
	// campaign progress.
	suppressedHit, err := w.suppressions.IsSuppressed(jobCtx, email.OrganizationID, email.RecipientEmail)
	if err != nil {
		return w.failJob(jobCtx, job, fmt.Errorf("suppression gate: %w", err))
	}
	if suppressedHit {
		w.suppressed.Add(1)
		w.writeStatus(jobCtx, email.EmailID, domain.EmailSuppress)
		if err := w.emails.AddEvent(jobCtx, email.EmailID, email.CampaignID, eventSuppress); err != nil {
			w.log.Error("suppress event write failed", "email_id", email.EmailID, "error", err)
		}
		if err := w.campaigns.IncrementSent(jobCtx, email.CampaignID, 1); err != nil {
			w.log.Error("campaign counter write failed", "campaign_id", email.CampaignID, "error", err)
		}
		w.log.Info("recipient suppressed", "email_id", email.EmailID,
			"recipient", logger.RedactEmail(email.RecipientEmail))
		return w.queue.Complete(jobCtx, job.ID)
	}

	// Organization gates: existence, blocked flag, quota.
	org, err := w.orgs.Get(jobCtx, email.OrganizationID)
	if err != nil {
		if errors.Is(err, ErrOrgGone) {
			return w.resolveInvalid(jobCtx, job, err)
		}
		return w.failJob(jobCtx, job, fmt.Errorf("organization gate: %w", err))
	}
	if org.Blocked {
		return w.resolveInvalid(jobCtx, job, fmt.Errorf("organization %s is blocked", org.ID))
	}

	exceeded, err := w.quota.Exceeded(jobCtx, org)
	if err != nil {
		return w.failJob(jobCtx, job, fmt.Errorf("quota gate: %w", err))
	}
	if exceeded {
		// Deliberate soft stop: no retry consumed, no usage increment,
		// no error alerting.
		w.limited.Add(1)
		w.writeStatus(jobCtx, email.EmailID, domain.EmailLimit)
		if err := w.campaigns.SetStatus(jobCtx, email.CampaignID, domain.CampaignLimit); err != nil {
			w.log.Error("campaign limit write failed", "campaign_id", email.CampaignID, "error", err)
		}
		w.log.Info("organization quota reached", "org_id", org.ID, "campaign_id", email.CampaignID)
		return w.queue.Complete(jobCtx, job.ID)
	}

	// Sender throttle gate, consulted before every attempt.
	remaining, err := w.throttle.Delay(jobCtx, email.SenderID)
	if err != nil {
		return w.failJob(jobCtx, job, fmt.Errorf("throttle gate: %w", err))
	}
	if remaining > 0 {
		if err := w.requeueJob(jobCtx, job, remaining); err != nil {
			return err
		}
		w.log.Debug("sender throttled, job parked", "job_id", job.ID,
			"sender_id", email.SenderID, "remaining", remaining.String())
		return w.queue.Complete(jobCtx, job.ID)
	}

	// All gates passed: load content and deliver.
	campaignRow, err := w.campaigns.Get(jobCtx, email.CampaignID)
	if err != nil {
		if errors.Is(err, ErrCampaignGone) {
			return w.resolveInvalid(jobCtx, job, err)
		}
		return w.failJob(jobCtx, job, fmt.Errorf("load campaign: %w", err))
	}

	msg, err := w.buildMessage(jobCtx, campaignRow, &email)
	if err != nil {
		return w.resolveInvalid(jobCtx, job, err)
	}
	tp, ok := w.transports[email.Transport]
	if !ok {
		return w.resolveInvalid(jobCtx, job, fmt.Errorf("no transport for kind %q", email.Transport))
	}

	result, err := tp.Send(jobCtx, msg)
	if err != nil {
		return w.failJob(jobCtx, job, fmt.Errorf("transport: %w", err))
	}
	if result.Accepted {
		return w.resolveAccepted(jobCtx, job, result.MessageID)
	}
	return w.resolveRejected(jobCtx, job, result)
}

func (w *Worker) renewLease(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendLease(ctx, jobID); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					w.log.Warn("lease lost, aborting attempt", "job_id", jobID)
					cancel()
					return
				}
				w.log.Error("lease renewal failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// rescheduleForWindow moves the job and its campaign's pending jobs to the
// next active instant, then settles the triggering job.
func (w *Worker) rescheduleForWindow(ctx context.Context, job *queue.Job, now time.Time) error {
	email := job.Data.Email
	nextActive, err := schedule.NextActiveTime(now, email.ActiveDays, email.StartTimeUTC)
	if err != nil {
		return w.resolveInvalid(ctx, job, fmt.Errorf("next active time: %w", err))
	}

	w.rescheduled.Add(1)
	if err := w.resched.RescheduleCampaign(ctx, job, nextActive); err != nil {
		return w.failJob(ctx, job, err)
	}
	w.log.Info("campaign outside sending window, rescheduled",
		"campaign_id", email.CampaignID, "next_active", nextActive.Format(time.RFC3339))
	return w.queue.Complete(ctx, job.ID)
}

// resolveAccepted writes the success bookkeeping: SENT status, campaign and
// organization counters, usage cache, delivery event.
func (w *Worker) resolveAccepted(ctx context.Context, job *queue.Job, messageID string) error {
	email := job.Data.Email
	w.sent.Add(1)
	w.writeStatus(ctx, email.EmailID, domain.EmailSent)
	if err := w.campaigns.IncrementSent(ctx, email.CampaignID, 1); err != nil {
		w.log.Error("campaign counter write failed", "campaign_id", email.CampaignID, "error", err)
	}
	if err := w.orgs.IncrementSent(ctx, email.OrganizationID, 1); err != nil {
		w.log.Error("org counter write failed", "org_id", email.OrganizationID, "error", err)
	}
	if err := w.quota.IncrementUsage(ctx, email.OrganizationID, 1); err != nil {
		w.log.Error("usage increment failed", "org_id", email.OrganizationID, "error", err)
	}
	if err := w.emails.AddEvent(ctx, email.EmailID, email.CampaignID, eventDelivery); err != nil {
		w.log.Error("delivery event write failed", "email_id", email.EmailID, "error", err)
	}
	w.log.Info("email sent", "email_id", email.EmailID,
		"recipient", logger.RedactEmail(email.RecipientEmail), "message_id", messageID)
	return w.queue.Complete(ctx, job.ID)
}

// resolveRejected routes a provider rejection through the classifier:
// reputation codes defer the whole sender within the campaign, anything
// else follows the generic retry path.
func (w *Worker) resolveRejected(ctx context.Context, job *queue.Job, result *transport.Result) error {
	email := job.Data.Email
	rule := w.classifier.Classify(result.Code)
	if rule.Class == ClassReputationDefer {
		w.rescheduled.Add(1)
		if err := w.throttle.MarkDelayed(ctx, email.SenderID, rule.Defer); err != nil {
			w.log.Error("throttle mark failed", "sender_id", email.SenderID, "error", err)
		}
		if err := w.resched.DeferSender(ctx, job, rule.Defer); err != nil {
			return w.failJob(ctx, job, err)
		}
		w.log.Info("reputation rejection, sender deferred",
			"sender_id", email.SenderID, "code", result.Code, "window", rule.Defer.String())
		return w.queue.Complete(ctx, job.ID)
	}
	return w.failJob(ctx, job, fmt.Errorf("provider rejected with code %d: %s", result.Code, result.Response))
}

// resolveInvalid settles a job that can never succeed: ERROR status, no
// retry.
func (w *Worker) resolveInvalid(ctx context.Context, job *queue.Job, cause error) error {
	w.failed.Add(1)
	w.writeStatus(ctx, job.Data.Email.EmailID, domain.EmailError)
	w.log.Warn("job resolved as permanently failed", "job_id", job.ID, "cause", cause.Error())
	return w.queue.Complete(ctx, job.ID)
}

// failJob hands a failed attempt to the substrate's retry policy. When the
// attempt cap is hit the email goes to ERROR.
func (w *Worker) failJob(ctx context.Context, job *queue.Job, cause error) error {
	w.log.Warn("attempt failed", "job_id", job.ID, "attempt", job.Attempts+1, "cause", cause.Error())
	err := w.queue.Fail(ctx, job)
	if errors.Is(err, queue.ErrAttemptsExhausted) {
		w.failed.Add(1)
		w.writeStatus(ctx, job.Data.Email.EmailID, domain.EmailError)
		return nil
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		// Reclaimed mid-attempt; the reclaimer settles the job.
		w.log.Warn("attempt settlement skipped, lease no longer held", "job_id", job.ID)
		return nil
	}
	return err
}

// requeueJob parks the job's payload under a fresh derived id with the
// given delay. The caller settles the old job.
func (w *Worker) requeueJob(ctx context.Context, job *queue.Job, delay time.Duration) error {
	_, err := w.queue.Enqueue(ctx, job.Name, job.Data, queue.Options{
		JobID:       NextDelayedID(job.ID),
		Delay:       delay,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
	})
	if errors.Is(err, queue.ErrDuplicateJobID) {
		return nil
	}
	return err
}

func (w *Worker) writeStatus(ctx context.Context, emailID string, status domain.EmailStatus) {
	if err := w.emails.SetStatus(ctx, emailID, status); err != nil {
		w.log.Error("status write failed", "email_id", emailID, "status", string(status), "error", err)
	}
}

// buildMessage assembles the transport message from the campaign row and
// the job payload.
func (w *Worker) buildMessage(ctx context.Context, c *domain.Campaign, email *domain.EmailJob) (*transport.Message, error) {
	msg := &transport.Message{
		FromName:  c.SenderName,
		FromEmail: email.SenderEmail,
		ReplyTo:   c.ReplyToEmail,
		To:        email.RecipientEmail,
		Subject:   c.Subject,
		HTMLBody:  c.HTMLBody,
	}
	if email.Transport == domain.TransportSMTP {
		creds, err := w.senders.SMTPCredentials(ctx, email.SenderID)
		if err != nil {
			return nil, err
		}
		msg.SMTP = transport.SMTPAuth{
			Host:     creds.Host,
			Port:     creds.Port,
			User:     creds.User,
			Password: creds.Password,
			BindAddr: creds.BindAddr,
		}
	}
	return msg, nil
}
