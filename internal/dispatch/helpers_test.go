package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func newTestQueue(client *redis.Client) *queue.Queue {
	return queue.New(client, "campaign-emails", queue.DefaultConfig())
}

func redisLockFactory(client *redis.Client) LockFactory {
	return func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewRedisLock(client, key, ttl)
	}
}

func testEmailJob(emailID, campaignID, senderID string, interval int64) queue.JobData {
	return queue.JobData{
		Email: domain.EmailJob{
			Version:        domain.PayloadVersion,
			EmailID:        emailID,
			CampaignID:     campaignID,
			OrganizationID: "org-1",
			RecipientID:    "rcpt-" + emailID,
			RecipientEmail: emailID + "@example.com",
			SenderID:       senderID,
			SenderEmail:    "news@example.org",
			Transport:      domain.TransportSMTP,
			ActualInterval: interval,
		},
		CampaignOrg: domain.CampaignOrg{ID: "org-1", Name: "Acme"},
	}
}

func mustEnqueue(t *testing.T, q *queue.Queue, jobID string, data queue.JobData, delay time.Duration) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), data.Email.EmailID, data, queue.Options{
		JobID:    jobID,
		Delay:    delay,
		Priority: domain.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", jobID, err)
	}
}
