package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "DATABASE_URL", "KAFKA_BROKERS", "ETCD_ENDPOINTS", "MINIO_ENDPOINT",
		"DOCINDEX_PIPELINE_CHUNK_SIZE", "DOCINDEX_PIPELINE_CHUNK_OVERLAP", "DOCINDEX_VECTOR_PROVIDER",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoader_LoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := NewLoader("", nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "docindex", cfg.App.Name)
	assert.Equal(t, "memory", cfg.Bus.Provider)
	assert.Equal(t, "record-events", cfg.Bus.RecordChannel)
	assert.Equal(t, 800, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 200, cfg.Pipeline.ChunkOverlap)
	assert.Equal(t, 4, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.LeaseTTL)
	assert.Equal(t, "hashing-v1", cfg.Pipeline.EmbeddingModelVersion)
}

func TestLoader_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOCINDEX_PIPELINE_CHUNK_SIZE", "400")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := NewLoader("", nil).Load()
	require.NoError(t, err)

	assert.Equal(t, 400, cfg.Pipeline.ChunkSize)
	assert.Equal(t, "kafka", cfg.Bus.Provider)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
}

func TestLoader_RejectsOverlapNotBelowSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOCINDEX_PIPELINE_CHUNK_SIZE", "100")
	t.Setenv("DOCINDEX_PIPELINE_CHUNK_OVERLAP", "100")

	_, err := NewLoader("", nil).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ChunkOverlap")
}

func TestLoader_ReloadFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "docindex.yaml")
	require.NoError(t, os.WriteFile(file, []byte("pipeline:\n  chunk_size: 500\n"), 0o600))

	loader := NewLoader(file, nil)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Pipeline.ChunkSize)

	provider := NewProvider(cfg)
	loader.RegisterCallback(provider.ReloadCallback())

	require.NoError(t, os.WriteFile(file, []byte("pipeline:\n  chunk_size: 600\n  chunk_overlap: 50\n"), 0o600))
	require.NoError(t, loader.Reload())

	assert.Equal(t, 600, provider.Pipeline().ChunkSize)
	assert.Equal(t, 50, provider.Pipeline().ChunkOverlap)
	assert.Equal(t, 600, loader.GetConfig().Pipeline.ChunkSize)
}

func TestProvider_ApplyOverride(t *testing.T) {
	clearEnv(t)
	cfg, err := NewLoader("", nil).Load()
	require.NoError(t, err)

	provider := NewProvider(cfg)
	var seen []PipelineConfig
	provider.OnChange(func(_, next PipelineConfig) { seen = append(seen, next) })

	require.NoError(t, provider.ApplyOverride([]byte("max_attempts: 7\nstage_timeout: 45s\n")))
	assert.Equal(t, 7, provider.Pipeline().MaxAttempts)
	assert.Equal(t, 45*time.Second, provider.Pipeline().StageTimeout)
	assert.Equal(t, 800, provider.Pipeline().ChunkSize)
	require.Len(t, seen, 1)
	assert.Equal(t, 7, seen[0].MaxAttempts)

	// invalid override keeps the previous snapshot
	err = provider.ApplyOverride([]byte("chunk_overlap: 900\n"))
	require.Error(t, err)
	assert.Equal(t, 200, provider.Pipeline().ChunkOverlap)
	assert.Len(t, seen, 1)
}
