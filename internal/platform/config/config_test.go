package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("ARCHIVE_ENDPOINT", "")
	t.Setenv("DSR_GRACE_PERIOD", "")

	cfg := FromEnv()
	assert.Equal(t, 7*24*time.Hour, cfg.DSR.GracePeriod)
	assert.Equal(t, "0 3 * * *", cfg.DSR.SweepSchedule)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " broker-1:9092, broker-2:9092 ,broker-1:9092,")
	t.Setenv("DSR_GRACE_PERIOD", "72h")
	t.Setenv("DSR_SWEEP_CONCURRENCY", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, 72*time.Hour, cfg.DSR.GracePeriod)
	assert.Equal(t, 4, cfg.DSR.SweepConcurrency)
}

func TestValidate(t *testing.T) {
	t.Run("regulated mode needs a real integrity secret", func(t *testing.T) {
		t.Setenv("REGULATED_MODE", "true")
		t.Setenv("AUDIT_INTEGRITY_SECRET", "")
		err := FromEnv().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "regulated mode")

		t.Setenv("AUDIT_INTEGRITY_SECRET", "rotated-2025-q1")
		assert.NoError(t, FromEnv().Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := FromEnv()
		cfg.Audit.IntegritySecret = ""
		cfg.DSR.GracePeriod = 0
		cfg.DSR.SweepConcurrency = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AUDIT_INTEGRITY_SECRET is required")
		assert.Contains(t, err.Error(), "DSR_GRACE_PERIOD")
		assert.Contains(t, err.Error(), "DSR_SWEEP_CONCURRENCY")
	})
}
