package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV": "dev", "APP_PORT": "8080",
		"DB_USER": "seat", "DB_HOST": "localhost", "DB_PORT": "3306", "DB_NAME": "seatmap",
		"JWT_SECRET": "s3cret",
	} {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BatchInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 10000, cfg.Sync.MaxQueueSize)
	assert.True(t, cfg.Sync.DedupEnabled)
	assert.Equal(t, 60*time.Second, cfg.Sync.DedupWindow)
	assert.True(t, cfg.Sync.CompressionEnabled)
	assert.Equal(t, PolicyTimestampWins, cfg.Sync.ConflictPolicy)
	assert.Equal(t, 30*time.Second, cfg.Seats.LockTTL)
	assert.Equal(t, 64, cfg.Socket.SendBuffer)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 1024, cfg.Broker.PublishBuffer)
	assert.Equal(t, 5*time.Second, cfg.Broker.DialTimeout)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_BATCH_INTERVAL", "1s")
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("SYNC_DEDUP_ENABLED", "off")
	t.Setenv("SYNC_CONFLICT_POLICY", PolicySourceWins)
	t.Setenv("SEAT_LOCK_TTL", "10s")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("RABBITMQ_DIAL_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Sync.BatchInterval)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.False(t, cfg.Sync.DedupEnabled)
	assert.Equal(t, PolicySourceWins, cfg.Sync.ConflictPolicy)
	assert.Equal(t, 10*time.Second, cfg.Seats.LockTTL)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Broker.DialTimeout)
}

func TestLoadReportsMissing(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_HOST", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestSyncValidate(t *testing.T) {
	ok := SyncConfig{BatchInterval: time.Second, BatchSize: 10, MaxQueueSize: 10, ConflictPolicy: PolicyTimestampWins}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.ConflictPolicy = "client_wins"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.MaxQueueSize = 5
	assert.Error(t, bad.Validate())

	bad = ok
	bad.BatchInterval = 0
	assert.Error(t, bad.Validate())
}

func TestRateLimitTTLCoversRefill(t *testing.T) {
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1m")
	cfg := LoadRateLimitConfig()
	assert.Equal(t, 5*time.Minute, cfg.TTL)
}
