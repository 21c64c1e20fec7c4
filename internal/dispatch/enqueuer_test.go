package dispatch

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:             "camp-1",
		OrganizationID: "org-1",
		Name:           "Spring Launch",
		Subject:        "Hello",
		SenderEmail:    "news@example.org",
		StartTimeUTC:   "09:00",
		EndTimeUTC:     "17:00",
		ActiveDays:     []string{"MONDAY", "TUESDAY"},
		Timezone:       "UTC",
	}
}

func testRecipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{
			EmailID:     "email-" + string(rune('a'+i)),
			RecipientID: "rcpt-" + string(rune('a'+i)),
			Email:       "user" + string(rune('a'+i)) + "@example.com",
		}
	}
	return out
}

func TestEnqueueBulkDelaysWithoutJitter(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	q := newTestQueue(client)
	enq := NewJobEnqueuer(q)

	submitted, err := enq.EnqueueBulk(ctx, BulkRequest{
		Campaign:    testCampaign(),
		Org:         domain.CampaignOrg{ID: "org-1", Name: "Acme"},
		SenderID:    "sender-1",
		Transport:   domain.TransportSMTP,
		Recipients:  testRecipients(5),
		IntervalSec: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, submitted)

	// First recipient runs immediately, the rest land in the delayed set
	// 10s apart.
	jobs, err := q.JobsByCampaign(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	var readyAts []time.Time
	waiting := 0
	for _, j := range jobs {
		assert.Equal(t, int64(10000), j.Data.Email.ActualInterval)
		if j.State == queue.StateWaiting {
			waiting++
			continue
		}
		readyAts = append(readyAts, j.ReadyAt)
	}
	assert.Equal(t, 1, waiting)
	require.Len(t, readyAts, 4)

	sort.Slice(readyAts, func(a, b int) bool { return readyAts[a].Before(readyAts[b]) })
	for i := 1; i < len(readyAts); i++ {
		gap := readyAts[i].Sub(readyAts[i-1])
		assert.InDelta(t, (10 * time.Second).Milliseconds(), gap.Milliseconds(), 100,
			"spacing between recipient %d and %d", i, i+1)
	}
}

func TestEnqueueBulkBatchDelay(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	q := newTestQueue(client)
	enq := NewJobEnqueuer(q)

	_, err := enq.EnqueueBulk(ctx, BulkRequest{
		Campaign:      testCampaign(),
		Org:           domain.CampaignOrg{ID: "org-1"},
		SenderID:      "sender-1",
		Transport:     domain.TransportSMTP,
		Recipients:    testRecipients(1),
		IntervalSec:   10,
		BatchDelaySec: 60,
	})
	require.NoError(t, err)

	jobs, err := q.JobsByCampaign(ctx, "camp-1", queue.StateDelayed)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "batch delay should park even the first recipient")
}

func TestEnqueueBulkJitter(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	q := newTestQueue(client)

	enq := NewJobEnqueuer(q)
	enq.randFn = func(n int) int { return 30 } // jitterMin + 30 = 50s pad

	_, err := enq.EnqueueBulk(ctx, BulkRequest{
		Campaign:    testCampaign(),
		Org:         domain.CampaignOrg{ID: "org-1"},
		SenderID:    "sender-1",
		Transport:   domain.TransportSMTP,
		Recipients:  testRecipients(2),
		IntervalSec: 10,
		Jitter:      true,
	})
	require.NoError(t, err)

	jobs, err := q.JobsByCampaign(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, int64(10000+50000), j.Data.Email.ActualInterval)
	}
}

func TestEnqueueBulkPriorityMapping(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	q := newTestQueue(client)
	enq := NewJobEnqueuer(q)

	tests := []struct {
		label string
		want  int
	}{
		{"MOST_IMPORTANT", domain.PriorityMostImportant},
		{"HIGH", domain.PriorityHigh},
		{"MEDIUM", domain.PriorityMedium},
		{"LOW", domain.PriorityLow},
		{"", domain.PriorityMedium},
		{"BOGUS", domain.PriorityMedium},
	}
	for i, tt := range tests {
		campaign := testCampaign()
		campaign.ID = "camp-prio-" + tt.label
		_, err := enq.EnqueueBulk(ctx, BulkRequest{
			Campaign:   campaign,
			Org:        domain.CampaignOrg{ID: "org-1"},
			SenderID:   "sender-1",
			Transport:  domain.TransportSMTP,
			Recipients: testRecipients(1),
			Priority:   tt.label,
		})
		require.NoError(t, err, "case %d", i)

		jobs, err := q.JobsByCampaign(ctx, campaign.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, tt.want, jobs[0].Priority, "label %q", tt.label)
	}
}

func TestEnqueueBulkRejectsOvernightWindow(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	q := newTestQueue(client)
	enq := NewJobEnqueuer(q)

	campaign := testCampaign()
	campaign.StartTimeUTC = "22:00"
	campaign.EndTimeUTC = "06:00"

	_, err := enq.EnqueueBulk(context.Background(), BulkRequest{
		Campaign:   campaign,
		Org:        domain.CampaignOrg{ID: "org-1"},
		SenderID:   "sender-1",
		Transport:  domain.TransportSMTP,
		Recipients: testRecipients(1),
	})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestEnqueueOne(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	q := newTestQueue(client)
	enq := NewJobEnqueuer(q)

	jobID, err := enq.EnqueueOne(ctx, BulkRequest{
		Campaign:  testCampaign(),
		Org:       domain.CampaignOrg{ID: "org-1"},
		SenderID:  "sender-1",
		Transport: domain.TransportSES,
	}, testRecipients(1)[0])
	require.NoError(t, err)

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportSES, job.Data.Email.Transport)
	assert.Equal(t, "camp-1", job.Data.Email.CampaignID)
}
