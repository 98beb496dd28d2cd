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
		"PARLHARVEST_DB_PATH", "PARLHARVEST_LOG_LEVEL", "PARLHARVEST_EMBEDDING_PROVIDER",
		"PARLHARVEST_EMBEDDING_MODEL", "PARLHARVEST_EMBEDDING_DIMENSIONS", "PARLHARVEST_INDEX_TYPE",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "JINA_API_KEY", "QDRANT_URL", "QDRANT_API_KEY",
		"QDRANT_COLLECTION", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT",
		"AZURE_OPENAI_EMBEDDING_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
		"PARLHARVEST_HANSARD_URL", "PARLHARVEST_QUESTIONS_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultHansardBaseURL, cfg.Remote.HansardBaseURL)
	assert.Equal(t, DefaultQuestionsBaseURL, cfg.Remote.QuestionsBaseURL)
	assert.Equal(t, "sqlite", cfg.Index.Type)
	assert.Equal(t, DefaultBatchSize, cfg.Processor.BatchSize)
	assert.Equal(t, DefaultStaleAfter, cfg.Processor.StaleAfter)
	assert.Equal(t, "2024-07-04", cfg.Harvest.Epoch.String())
	assert.Equal(t, DefaultOpenAIModel, cfg.Embedder.Model)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := `
database:
  path: /data/queue.db
remote:
  page_size: 20
  timeout: 5s
embedder:
  provider: local
  dimensions: 64
index:
  type: qdrant
  qdrant:
    url: http://localhost:6333
processor:
  batch_size: 10
  stale_after: 2m
harvest:
  epoch: 2024-09-01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/queue.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.Remote.PageSize)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "local", cfg.Embedder.Provider)
	assert.Equal(t, 64, cfg.Embedder.Dimensions)
	assert.Equal(t, "qdrant", cfg.Index.Type)
	assert.Equal(t, DefaultQdrantCollection, cfg.Index.Qdrant.Collection)
	assert.Equal(t, 10, cfg.Processor.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Processor.StaleAfter)
	assert.Equal(t, "2024-09-01", cfg.Harvest.Epoch.String())
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARLHARVEST_DB_PATH", "/tmp/env.db")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("PARLHARVEST_EMBEDDING_DIMENSIONS", "256")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, "sk-test", cfg.Embedder.APIKey)
	assert.Equal(t, "http://qdrant:6333", cfg.Index.Qdrant.URL)
	assert.Equal(t, 256, cfg.Embedder.Dimensions)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("PARLHARVEST_TEST_DOTENV=from-file\n"), 0o644))

	t.Setenv("PARLHARVEST_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("PARLHARVEST_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "from-file", os.Getenv("PARLHARVEST_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"local ok", func(c *Config) { c.Embedder.Provider = "local" }, ""},
		{"openai needs key", func(c *Config) { c.Embedder.Provider = "openai" }, "embedder.api_key"},
		{"azure needs endpoint", func(c *Config) {
			c.Embedder.Provider = "azure"
			c.Embedder.APIKey = "k"
		}, "AZURE_OPENAI_ENDPOINT"},
		{"unknown provider", func(c *Config) { c.Embedder.Provider = "bert" }, "embedder.provider"},
		{"qdrant needs url", func(c *Config) {
			c.Embedder.Provider = "local"
			c.Index.Type = "qdrant"
		}, "index.qdrant.url"},
		{"overlap too large", func(c *Config) {
			c.Embedder.Provider = "local"
			c.Chunker.OverlapSentences = c.Chunker.SentencesPerChunk
		}, "overlap_sentences"},
		{"bad log level", func(c *Config) {
			c.Embedder.Provider = "local"
			c.Log.Level = "chatty"
		}, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := Default()
	cfg.Embedder.APIKey = "secret"
	cfg.Index.Qdrant.APIKey = "also-secret"

	require.NoError(t, Save(path, cfg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), "hansard_base_url")
	assert.Equal(t, "secret", cfg.Embedder.APIKey)
}
