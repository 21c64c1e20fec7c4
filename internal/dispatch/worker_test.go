package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

type fakeCampaigns struct {
	campaign *domain.Campaign
	statuses map[string]domain.CampaignStatus
	sent     int64
}

func (f *fakeCampaigns) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if f.campaign == nil || f.campaign.ID != id {
		return nil, ErrCampaignGone
	}
	return f.campaign, nil
}

func (f *fakeCampaigns) SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeCampaigns) IncrementSent(ctx context.Context, id string, n int64) error {
	f.sent += n
	return nil
}

type fakeOrgs struct {
	org  *domain.Organization
	sent int64
}

func (f *fakeOrgs) Get(ctx context.Context, id string) (*domain.Organization, error) {
	if f.org == nil || f.org.ID != id {
		return nil, ErrOrgGone
	}
	return f.org, nil
}

func (f *fakeOrgs) IncrementSent(ctx context.Context, id string, n int64) error {
	f.sent += n
	return nil
}

type fakeEmails struct {
	statuses map[string]domain.EmailStatus
	events   []string
}

func (f *fakeEmails) SetStatus(ctx context.Context, emailID string, status domain.EmailStatus) error {
	f.statuses[emailID] = status
	return nil
}

func (f *fakeEmails) AddEvent(ctx context.Context, emailID, campaignID, eventType string) error {
	f.events = append(f.events, eventType)
	return nil
}

type fakeSuppressions struct {
	suppressed map[string]bool
}

func (f *fakeSuppressions) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	return f.suppressed[email], nil
}

type fakeSenders struct{}

func (f *fakeSenders) SMTPCredentials(ctx context.Context, senderID string) (*domain.SMTPCredentials, error) {
	return &domain.SMTPCredentials{Host: "relay.example.org", Port: 587, User: "u", Password: "p"}, nil
}

type fakeTransport struct {
	result *transport.Result
	err    error
	sent   []*transport.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) (*transport.Result, error) {
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type workerFixture struct {
	worker    *Worker
	queue     *queue.Queue
	client    *redis.Client
	campaigns *fakeCampaigns
	orgs      *fakeOrgs
	emails    *fakeEmails
	suppr     *fakeSuppressions
	smtp      *fakeTransport
	throttle  *SenderThrottle
}

func newWorkerFixture(t *testing.T) (*workerFixture, func()) {
	t.Helper()
	client, cleanup := setupTestRedis(t)
	q := newTestQueue(client)

	f := &workerFixture{
		queue:  q,
		client: client,
		campaigns: &fakeCampaigns{
			campaign: &domain.Campaign{
				ID:             "camp-1",
				OrganizationID: "org-1",
				Subject:        "Hello",
				SenderName:     "Acme News",
				HTMLBody:       "<p>Hi there</p>",
			},
			statuses: map[string]domain.CampaignStatus{},
		},
		orgs:     &fakeOrgs{org: &domain.Organization{ID: "org-1", AllowedEmails: 1000, SentEmailCount: 0}},
		emails:   &fakeEmails{statuses: map[string]domain.EmailStatus{}},
		suppr:    &fakeSuppressions{suppressed: map[string]bool{}},
		smtp:     &fakeTransport{result: &transport.Result{Accepted: true, MessageID: "mid-1"}},
		throttle: NewSenderThrottle(client),
	}

	f.worker = NewWorker(WorkerDeps{
		Queue:        q,
		Pause:        NewPauseRegistry(client),
		Quota:        NewQuotaGovernor(client),
		Throttle:     f.throttle,
		Classifier:   NewRetryClassifier(nil),
		Reschedule:   NewRescheduleEngine(q, redisLockFactory(client)),
		Campaigns:    f.campaigns,
		Orgs:         f.orgs,
		Emails:       f.emails,
		Suppressions: f.suppr,
		Senders:      &fakeSenders{},
		Transports:   map[domain.TransportKind]transport.Transport{domain.TransportSMTP: f.smtp},
	}, WorkerConfig{})

	return f, cleanup
}

func (f *workerFixture) claimAndProcess(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.worker.processJob(ctx, job))
	return job
}

func TestWorkerAcceptedSend(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	require.Len(t, f.smtp.sent, 1)
	assert.Equal(t, "e-1@example.com", f.smtp.sent[0].To)
	assert.Equal(t, "Hello", f.smtp.sent[0].Subject)
	assert.Equal(t, "relay.example.org", f.smtp.sent[0].SMTP.Host)

	assert.Equal(t, domain.EmailSent, f.emails.statuses["e-1"])
	assert.Equal(t, []string{eventDelivery}, f.emails.events)
	assert.Equal(t, int64(1), f.campaigns.sent)
	assert.Equal(t, int64(1), f.orgs.sent)

	// Usage cache was incremented after acceptance.
	usage, err := NewQuotaGovernor(f.client).Usage(ctx, f.orgs.org)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage)

	_, err = f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound, "settled job should be gone")
}

func TestWorkerSuppressedRecipient(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.suppr.suppressed["e-1@example.com"] = true
	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent, "suppressed recipients never reach the transport")
	assert.Equal(t, domain.EmailSuppress, f.emails.statuses["e-1"])
	assert.Equal(t, []string{eventSuppress}, f.emails.events)
	assert.Equal(t, int64(1), f.campaigns.sent, "suppression counts toward campaign progress")
	assert.Equal(t, int64(0), f.orgs.sent)

	_, err := f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestWorkerQuotaLimit(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.orgs.org.AllowedEmails = 100
	f.orgs.org.SentEmailCount = 100
	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent)
	assert.Equal(t, domain.EmailLimit, f.emails.statuses["e-1"])
	assert.Equal(t, domain.CampaignLimit, f.campaigns.statuses["camp-1"])

	// Soft stop: no usage movement, no retry left behind.
	usage, err := NewQuotaGovernor(f.client).Usage(ctx, f.orgs.org)
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage)
	_, err = f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestWorkerBlockedOrganization(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()

	f.orgs.org.Blocked = true
	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent)
	assert.Equal(t, domain.EmailError, f.emails.statuses["e-1"])
}

func TestWorkerPausedCampaignParksJob(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, NewPauseRegistry(f.client).Pause(ctx, "camp-1"))
	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent)
	assert.Empty(t, f.emails.statuses, "pause is not a terminal outcome")

	_, err := f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	parked, err := f.queue.GetJob(ctx, "job-1-delayed-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, parked.State)
	assert.InDelta(t, time.Now().Add(30*time.Minute).UnixMilli(), parked.ReadyAt.UnixMilli(), 1000)
}

func TestWorkerThrottledSenderParksJob(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.throttle.MarkDelayed(ctx, "sender-1", 2*time.Hour))
	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent)

	parked, err := f.queue.GetJob(ctx, "job-1-delayed-1")
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(2*time.Hour).UnixMilli(), parked.ReadyAt.UnixMilli(), 1000)
}

func TestWorkerWindowRejectReschedulesCampaign(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	// Saturday 10:00 UTC, window Monday 09:00-17:00.
	base := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	f.worker.nowFn = func() time.Time { return base }
	f.worker.resched.nowFn = func() time.Time { return base }

	data := testEmailJob("e-1", "camp-1", "sender-1", 4000)
	data.Email.StartTimeUTC = "09:00"
	data.Email.EndTimeUTC = "17:00"
	data.Email.ActiveDays = []string{"MONDAY"}
	data.Email.Timezone = "UTC"
	mustEnqueue(t, f.queue, "job-1", data, 0)
	f.claimAndProcess(t)

	assert.Empty(t, f.smtp.sent)

	// Replacement parked until Monday 09:00 UTC, 47h after the fixed now.
	parked, err := f.queue.GetJob(ctx, "job-1-delayed-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, parked.State)
	wantDelay := 47 * time.Hour
	assert.InDelta(t, time.Now().Add(wantDelay).UnixMilli(), parked.ReadyAt.UnixMilli(), 1000)

	_, err = f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestWorkerReputationRejectionDefersSender(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.smtp.result = &transport.Result{Accepted: false, Code: 421, Response: "4.7.0 try again later"}

	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	mustEnqueue(t, f.queue, "job-2", testEmailJob("e-2", "camp-1", "sender-1", 4000), time.Hour)
	f.claimAndProcess(t)

	// Sender marker set for the default window.
	remaining, err := f.throttle.Delay(ctx, "sender-1")
	require.NoError(t, err)
	assert.InDelta(t, DefaultReputationDefer.Milliseconds(), remaining.Milliseconds(), 2000)

	// Trigger replaced, pending same-sender job pushed out.
	_, err = f.queue.GetJob(ctx, "job-1-delayed-1")
	assert.NoError(t, err)
	deferred, err := f.queue.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Hour+DefaultReputationDefer).UnixMilli(),
		deferred.ReadyAt.UnixMilli(), 2000)

	// Not a terminal failure.
	assert.Empty(t, f.emails.statuses)
}

func TestWorkerUnclassifiedRejectionRetries(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.smtp.result = &transport.Result{Accepted: false, Code: 535, Response: "auth failed"}

	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.claimAndProcess(t)

	// First attempt burned; job parked for backoff under its own id.
	parked, err := f.queue.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, parked.State)
	assert.Equal(t, 1, parked.Attempts)
	assert.Empty(t, f.emails.statuses)
}

func TestWorkerExhaustedRetriesResolveError(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.smtp.result = &transport.Result{Accepted: false, Code: 535, Response: "auth failed"}

	data := testEmailJob("e-1", "camp-1", "sender-1", 4000)
	_, err := f.queue.Enqueue(ctx, "e-1", data, queue.Options{JobID: "job-1", MaxAttempts: 1})
	require.NoError(t, err)
	f.claimAndProcess(t)

	assert.Equal(t, domain.EmailError, f.emails.statuses["e-1"])
	_, err = f.queue.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestWorkerStatsCounters(t *testing.T) {
	f, cleanup := newWorkerFixture(t)
	defer cleanup()

	mustEnqueue(t, f.queue, "job-1", testEmailJob("e-1", "camp-1", "sender-1", 4000), 0)
	f.suppr.suppressed["e-2@example.com"] = true
	mustEnqueue(t, f.queue, "job-2", testEmailJob("e-2", "camp-1", "sender-1", 4000), 0)

	f.worker.processed.Add(1)
	f.claimAndProcess(t)
	f.worker.processed.Add(1)
	f.claimAndProcess(t)

	stats := f.worker.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Suppressed)
}
