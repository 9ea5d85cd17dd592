package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("RECALL_DB_MIGRATE_AT_START", "true")
	t.Setenv("RECALL_CACHE_EPOCH_TTL", "PT2H")
	t.Setenv("RECALL_ATTACHMENTS_MAX_SIZE", "12M")
	t.Setenv("RECALL_ATTACHMENTS_DEFAULT_EXPIRES_IN", "36h")
	t.Setenv("RECALL_VECTOR_QDRANT_PORT", "7001")
	t.Setenv("RECALL_TASKS_RETRY_DELAY", "PT5M")
	t.Setenv("RECALL_TASKS_CLAIM_BATCH_SIZE", "25")
	t.Setenv("RECALL_API_KEYS_AGENT_ONE", "key-a,key-b")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.NoError(t, err)

	require.True(t, cfg.DatastoreMigrateAtStart)
	require.Equal(t, 2*time.Hour, cfg.CacheEpochTTL)
	require.Equal(t, int64(12*1024*1024), cfg.AttachmentMaxSize)
	require.Equal(t, 36*time.Hour, cfg.AttachmentDefaultExpiresIn)
	require.Equal(t, 7001, cfg.QdrantPort)
	require.Equal(t, 5*time.Minute, cfg.TasksRetryDelay)
	require.Equal(t, 25, cfg.TasksClaimBatchSize)
	require.Equal(t, map[string]string{"key-a": "agent_one", "key-b": "agent_one"}, cfg.APIKeys)
}

func TestApplyEnv_RejectsBadDuration(t *testing.T) {
	t.Setenv("RECALL_TASKS_POLL_INTERVAL", "soon")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RECALL_TASKS_POLL_INTERVAL")
}

func TestQdrantAddress_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesPortFromHostWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "qdrant.internal:7000"
	cfg.QdrantPort = 6334
	require.Equal(t, "qdrant.internal:7000", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesHostPortFromURLWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "https://qdrant.internal:7443"
	require.Equal(t, "qdrant.internal:7443", cfg.QdrantAddress())
}

func TestParseDuration_ISOForms(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	d, err = parseDuration("PT45S")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)

	_, err = parseDuration("P1D")
	require.Error(t, err)
}

func TestParseMemorySize(t *testing.T) {
	n, err := parseMemorySize("512")
	require.NoError(t, err)
	require.Equal(t, int64(512), n)

	n, err = parseMemorySize("64K")
	require.NoError(t, err)
	require.Equal(t, int64(64*1024), n)

	n, err = parseMemorySize("2GB")
	require.NoError(t, err)
	require.Equal(t, int64(2*1024*1024*1024), n)

	_, err = parseMemorySize("lots")
	require.Error(t, err)
}
