package config

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, "postgres", cfg.DatastoreType)
	require.Equal(t, "none", cfg.CacheType)
	require.Equal(t, "local", cfg.EmbedType)
	require.True(t, cfg.SearchFulltextEnabled)
	require.True(t, cfg.SearchSemanticEnabled)
	// Max body must admit the largest allowed attachment upload.
	require.GreaterOrEqual(t, cfg.MaxBodySize, cfg.AttachmentMaxSize)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}

func TestResolvedTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())

	cfg.TempDir = " /tmp/custom-dir "
	require.Equal(t, "/tmp/custom-dir", cfg.ResolvedTempDir())

	var nilCfg *Config
	require.Equal(t, os.TempDir(), nilCfg.ResolvedTempDir())
}
