// Package config loads parlharvest configuration from a YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dshills/parlharvest/pkg/types"
)

// DefaultFileName is looked up in the working directory when no --config is given.
const DefaultFileName = "parlharvest.yaml"

// DatabaseConfig locates the queue store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig configures the Parliament API clients.
type RemoteConfig struct {
	HansardBaseURL   string        `yaml:"hansard_base_url"`
	QuestionsBaseURL string        `yaml:"questions_base_url"`
	PageSize         int           `yaml:"page_size"`
	MaxRatePerSecond float64       `yaml:"max_rate_per_second"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	Dimensions       int           `yaml:"dimensions"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key,omitempty"`
	APIVersion       string        `yaml:"api_version"`
	Deployment       string        `yaml:"deployment"`
	BatchSize        int           `yaml:"batch_size"`
	MaxRatePerSecond float64       `yaml:"max_rate_per_second"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	CacheSize        int           `yaml:"cache_size"`
}

// QdrantConfig contains connection details for a Qdrant vector index.
type QdrantConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IndexConfig selects and configures the vector index implementation.
type IndexConfig struct {
	Type   string       `yaml:"type"`
	Path   string       `yaml:"path"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// ChunkerConfig configures how long texts are split before embedding.
type ChunkerConfig struct {
	SentencesPerChunk int `yaml:"sentences_per_chunk"`
	OverlapSentences  int `yaml:"overlap_sentences"`
	MaxChars          int `yaml:"max_chars"`
}

// ProcessorConfig configures the process phase.
type ProcessorConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// HarvestConfig configures discovery.
type HarvestConfig struct {
	// Epoch is the first day sync considers when the queue is empty.
	Epoch types.Day `yaml:"epoch"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the root application configuration structure.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Index     IndexConfig     `yaml:"index"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Processor ProcessorConfig `yaml:"processor"`
	Harvest   HarvestConfig   `yaml:"harvest"`
	Log       LogConfig       `yaml:"log"`
}

// LoadDotEnv loads .env style files into the process environment.
// Missing files are ignored and existing variables keep precedence.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the config at path. An empty path tries DefaultFileName in the
// working directory; when no file exists the defaults are used. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to the given path, creating directories as needed.
// Secrets are not written.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	clean := *cfg
	clean.Embedder.APIKey = ""
	clean.Index.Qdrant.APIKey = ""
	data, err := yaml.Marshal(&clean)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv() {
	c.Database.Path = getEnv("PARLHARVEST_DB_PATH", c.Database.Path)
	c.Log.Level = getEnv("PARLHARVEST_LOG_LEVEL", c.Log.Level)

	c.Remote.HansardBaseURL = getEnv("PARLHARVEST_HANSARD_URL", c.Remote.HansardBaseURL)
	c.Remote.QuestionsBaseURL = getEnv("PARLHARVEST_QUESTIONS_URL", c.Remote.QuestionsBaseURL)

	c.Embedder.Provider = strings.ToLower(getEnv("PARLHARVEST_EMBEDDING_PROVIDER", c.Embedder.Provider))
	c.Embedder.Model = getEnv("PARLHARVEST_EMBEDDING_MODEL", c.Embedder.Model)
	c.Embedder.Dimensions = getEnvInt("PARLHARVEST_EMBEDDING_DIMENSIONS", c.Embedder.Dimensions)
	switch c.Embedder.Provider {
	case "azure":
		c.Embedder.APIKey = getEnv("AZURE_OPENAI_API_KEY", c.Embedder.APIKey)
		c.Embedder.BaseURL = getEnv("AZURE_OPENAI_ENDPOINT", c.Embedder.BaseURL)
		c.Embedder.APIVersion = getEnv("AZURE_OPENAI_API_VERSION", c.Embedder.APIVersion)
		c.Embedder.Deployment = getEnv("AZURE_OPENAI_EMBEDDING_DEPLOYMENT", c.Embedder.Deployment)
	case "jina":
		c.Embedder.APIKey = getEnv("JINA_API_KEY", c.Embedder.APIKey)
	case "openai", "":
		c.Embedder.APIKey = getEnv("OPENAI_API_KEY", c.Embedder.APIKey)
		c.Embedder.BaseURL = getEnv("OPENAI_BASE_URL", c.Embedder.BaseURL)
	}

	c.Index.Type = strings.ToLower(getEnv("PARLHARVEST_INDEX_TYPE", c.Index.Type))
	c.Index.Qdrant.URL = getEnv("QDRANT_URL", c.Index.Qdrant.URL)
	c.Index.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Index.Qdrant.APIKey)
	c.Index.Qdrant.Collection = getEnv("QDRANT_COLLECTION", c.Index.Qdrant.Collection)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
