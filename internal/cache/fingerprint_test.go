package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

func sampleCompetition() *models.Competition {
	return &models.Competition{
		GrantID:         "innovate_uk_2341",
		Source:          models.SourceInnovateUK,
		Title:           "Smart grants",
		URL:             "https://apply-for-innovation-funding.service.gov.uk/competition/2341/overview",
		Status:          models.StatusActive,
		IsActive:        true,
		CompetitionType: models.CompetitionGrant,
		ScrapedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFingerprintIgnoresTimestamps(t *testing.T) {
	t.Parallel()
	a := sampleCompetition()
	b := sampleCompetition()
	b.ScrapedAt = b.ScrapedAt.Add(48 * time.Hour)
	b.UpdatedAt = b.UpdatedAt.Add(48 * time.Hour)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.Title = "Smart grants: January 2025"
	fc, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestClassifyWithMemoryCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fc := NewMemoryCache()
	comp := sampleCompetition()

	change, err := Classify(ctx, fc, comp)
	require.NoError(t, err)
	assert.Equal(t, "new", change)

	change, err = Classify(ctx, fc, comp)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", change)

	comp.Status = models.StatusClosed
	comp.IsActive = false
	change, err = Classify(ctx, fc, comp)
	require.NoError(t, err)
	assert.Equal(t, "updated", change)
}

func TestClassifyWithRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := Dial(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	comp := sampleCompetition()
	comp.GrantID = "innovate_uk_test_" + time.Now().Format("150405.000000000")
	defer client.Del(ctx, fingerprintPrefix+comp.GrantID)

	fc := NewRedisCache(client, time.Minute)
	change, err := Classify(ctx, fc, comp)
	require.NoError(t, err)
	assert.Equal(t, "new", change)

	change, err = Classify(ctx, fc, comp)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", change)
}
