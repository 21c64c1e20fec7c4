package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

const pausedSetKey = "paused_campaigns"

// PauseRegistry tracks paused campaigns as Redis set membership, shared
// across every worker process. Pausing only gates jobs not yet dispatched;
// in-flight sends are never interrupted.
type PauseRegistry struct {
	client *redis.Client
	log    *logger.Logger
}

// NewPauseRegistry creates a registry on the shared Redis instance.
func NewPauseRegistry(client *redis.Client) *PauseRegistry {
	return &PauseRegistry{
		client: client,
		log:    logger.Component("pause"),
	}
}

// Pause marks a campaign paused. Pausing an already-paused campaign is a
// conflict, not a no-op, so callers can surface the double operation.
func (r *PauseRegistry) Pause(ctx context.Context, campaignID string) error {
	added, err := r.client.SAdd(ctx, pausedSetKey, campaignID).Result()
	if err != nil {
		return fmt.Errorf("pause campaign %s: %w", campaignID, err)
	}
	if added == 0 {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrAlreadyPaused)
	}
	r.log.Info("campaign paused", "campaign_id", campaignID)
	return nil
}

// Resume clears a campaign's paused mark. Resuming a campaign that is not
// paused is a conflict.
func (r *PauseRegistry) Resume(ctx context.Context, campaignID string) error {
	removed, err := r.client.SRem(ctx, pausedSetKey, campaignID).Result()
	if err != nil {
		return fmt.Errorf("resume campaign %s: %w", campaignID, err)
	}
	if removed == 0 {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotPaused)
	}
	r.log.Info("campaign resumed", "campaign_id", campaignID)
	return nil
}

// IsPaused reports whether a campaign is currently paused.
func (r *PauseRegistry) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	paused, err := r.client.SIsMember(ctx, pausedSetKey, campaignID).Result()
	if err != nil {
		return false, fmt.Errorf("check pause %s: %w", campaignID, err)
	}
	return paused, nil
}

// Paused lists all paused campaign ids.
func (r *PauseRegistry) Paused(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, pausedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list paused campaigns: %w", err)
	}
	return ids, nil
}
