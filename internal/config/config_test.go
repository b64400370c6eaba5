package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("ds-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ds-1", cfg.Dataset.ID)
	assert.Equal(t, "annotation-dataset", cfg.Dataset.Kind)
	assert.Equal(t, 100, cfg.Buckets.Count)
	assert.Equal(t, 86400, cfg.Claims.TTLSeconds)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("ds-2")))
	require.NoError(t, err)
	assert.Equal(t, "ds-2", cfg.Dataset.ID)
}

func TestFromYAMLRejectsWrongKind(t *testing.T) {
	_, err := config.FromYAML([]byte("dataset:\n  id: x\n  kind: task-board\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annotation-dataset")
}

func TestValidateRejectsBadClaims(t *testing.T) {
	cfg := config.Default("ds-1")
	cfg.Claims.TTLSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = config.Default("ds-1")
	cfg.Claims.OverfetchFactor = 0
	assert.Error(t, cfg.Validate())

	cfg = config.Default("ds-1")
	cfg.Pagination.DefaultPageSize = cfg.Pagination.MaxPageSize + 1
	assert.Error(t, cfg.Validate())
}

func TestBucketForIsStableAndBounded(t *testing.T) {
	cfg := config.Default("ds-1")
	for _, id := range []string{"a", "b", "item-42", "00000000-0000-0000-0000-000000000000"} {
		b := cfg.BucketFor(id)
		assert.Equal(t, b, cfg.BucketFor(id))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, cfg.Buckets.Count)
	}
}
