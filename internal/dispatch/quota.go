package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// QuotaGovernor enforces per-organization sending allowances against a
// Redis-cached usage counter. The counter is seeded from the authoritative
// organization row on first read and incremented only after a provider
// accepts a message, so a rejected or gated send never consumes quota.
type QuotaGovernor struct {
	client *redis.Client
	log    *logger.Logger
}

// NewQuotaGovernor creates a governor on the shared Redis instance.
func NewQuotaGovernor(client *redis.Client) *QuotaGovernor {
	return &QuotaGovernor{
		client: client,
		log:    logger.Component("quota"),
	}
}

func usageKey(orgID string) string { return "usage:" + orgID }

// Usage returns the organization's cached sent count, seeding the cache
// from the given row on a miss. SETNX keeps a concurrent seed from
// clobbering increments that landed in between.
func (g *QuotaGovernor) Usage(ctx context.Context, org *domain.Organization) (int64, error) {
	val, err := g.client.Get(ctx, usageKey(org.ID)).Result()
	if err == nil {
		n, convErr := strconv.ParseInt(val, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("usage for org %s: bad cached value %q", org.ID, val)
		}
		return n, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("usage for org %s: %w", org.ID, err)
	}

	if err := g.client.SetNX(ctx, usageKey(org.ID), org.SentEmailCount, 0).Err(); err != nil {
		return 0, fmt.Errorf("seed usage for org %s: %w", org.ID, err)
	}
	g.log.Debug("seeded usage cache", "org_id", org.ID, "sent", org.SentEmailCount)

	// Re-read: a concurrent seed or increment may have won.
	val, err = g.client.Get(ctx, usageKey(org.ID)).Result()
	if err != nil {
		return 0, fmt.Errorf("usage for org %s: %w", org.ID, err)
	}
	n, convErr := strconv.ParseInt(val, 10, 64)
	if convErr != nil {
		return 0, fmt.Errorf("usage for org %s: bad cached value %q", org.ID, val)
	}
	return n, nil
}

// IncrementUsage bumps the counter after a confirmed acceptance.
func (g *QuotaGovernor) IncrementUsage(ctx context.Context, orgID string, n int64) error {
	if err := g.client.IncrBy(ctx, usageKey(orgID), n).Err(); err != nil {
		return fmt.Errorf("increment usage for org %s: %w", orgID, err)
	}
	return nil
}

// Exceeded reports whether the organization has used up its allowance.
// Hitting the limit is a soft stop for the caller, not a failure.
func (g *QuotaGovernor) Exceeded(ctx context.Context, org *domain.Organization) (bool, error) {
	usage, err := g.Usage(ctx, org)
	if err != nil {
		return false, err
	}
	return usage >= org.AllowedEmails, nil
}

// ResetUsage drops the cached counter so the next read re-seeds from the
// organization row. Used when an allowance is changed externally.
func (g *QuotaGovernor) ResetUsage(ctx context.Context, orgID string) error {
	if err := g.client.Del(ctx, usageKey(orgID)).Err(); err != nil {
		return fmt.Errorf("reset usage for org %s: %w", orgID, err)
	}
	g.log.Info("usage cache reset", "org_id", orgID)
	return nil
}
