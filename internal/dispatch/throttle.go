package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// SenderThrottle holds per-sender delay markers set when a provider signals
// reputation trouble. A marked sender's jobs are deferred until the marker
// expires. Markers carry both a TTL and an explicit expiry instant; a read
// that finds a stale instant deletes the marker rather than trusting the
// TTL alone.
type SenderThrottle struct {
	client *redis.Client
	log    *logger.Logger
	nowFn  func() time.Time
}

// NewSenderThrottle creates a throttle on the shared Redis instance.
func NewSenderThrottle(client *redis.Client) *SenderThrottle {
	return &SenderThrottle{
		client: client,
		log:    logger.Component("throttle"),
		nowFn:  time.Now,
	}
}

func delayedSenderKey(senderID string) string { return "delayed_sender:" + senderID }

// MarkDelayed defers a sender for the given duration.
func (t *SenderThrottle) MarkDelayed(ctx context.Context, senderID string, d time.Duration) error {
	expiry := t.nowFn().Add(d).UnixMilli()
	if err := t.client.Set(ctx, delayedSenderKey(senderID), expiry, d).Err(); err != nil {
		return fmt.Errorf("mark sender %s delayed: %w", senderID, err)
	}
	t.log.Info("sender marked delayed", "sender_id", senderID, "until_ms", expiry)
	return nil
}

// Delay returns the remaining deferral for the sender, zero when the sender
// is clear. Stale markers are removed on read.
func (t *SenderThrottle) Delay(ctx context.Context, senderID string) (time.Duration, error) {
	val, err := t.client.Get(ctx, delayedSenderKey(senderID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check sender %s delay: %w", senderID, err)
	}

	expiryMs, convErr := strconv.ParseInt(val, 10, 64)
	if convErr != nil {
		// Unreadable marker: drop it rather than throttle forever.
		t.client.Del(ctx, delayedSenderKey(senderID))
		return 0, nil
	}

	remaining := time.UnixMilli(expiryMs).Sub(t.nowFn())
	if remaining <= 0 {
		t.client.Del(ctx, delayedSenderKey(senderID))
		return 0, nil
	}
	return remaining, nil
}

// IsDelayed reports whether the sender currently has a live marker.
func (t *SenderThrottle) IsDelayed(ctx context.Context, senderID string) (bool, error) {
	remaining, err := t.Delay(ctx, senderID)
	return remaining > 0, err
}
