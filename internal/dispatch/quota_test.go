package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

func TestQuotaGovernorSeedsFromOrganization(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	gov := NewQuotaGovernor(client)

	org := &domain.Organization{ID: "org-1", AllowedEmails: 1000, SentEmailCount: 250}

	usage, err := gov.Usage(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage)

	// Seed is sticky: a changed row does not overwrite the cache.
	org.SentEmailCount = 999
	usage, err = gov.Usage(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage)
}

func TestQuotaGovernorIncrement(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	gov := NewQuotaGovernor(client)

	org := &domain.Organization{ID: "org-1", AllowedEmails: 1000, SentEmailCount: 10}

	_, err := gov.Usage(ctx, org)
	require.NoError(t, err)

	require.NoError(t, gov.IncrementUsage(ctx, "org-1", 1))
	require.NoError(t, gov.IncrementUsage(ctx, "org-1", 4))

	usage, err := gov.Usage(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, int64(15), usage)
}

func TestQuotaGovernorExceeded(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	gov := NewQuotaGovernor(client)

	org := &domain.Organization{ID: "org-1", AllowedEmails: 100, SentEmailCount: 99}

	exceeded, err := gov.Exceeded(ctx, org)
	require.NoError(t, err)
	assert.False(t, exceeded)

	require.NoError(t, gov.IncrementUsage(ctx, "org-1", 1))

	exceeded, err = gov.Exceeded(ctx, org)
	require.NoError(t, err)
	assert.True(t, exceeded, "usage at the allowance is exceeded")
}

func TestQuotaGovernorReset(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	gov := NewQuotaGovernor(client)

	org := &domain.Organization{ID: "org-1", AllowedEmails: 100, SentEmailCount: 50}

	_, err := gov.Usage(ctx, org)
	require.NoError(t, err)
	require.NoError(t, gov.IncrementUsage(ctx, "org-1", 10))

	require.NoError(t, gov.ResetUsage(ctx, "org-1"))

	// Next read re-seeds from the row.
	org.SentEmailCount = 5
	usage, err := gov.Usage(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage)
}
