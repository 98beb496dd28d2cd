package config

import (
	"time"

	"github.com/dshills/parlharvest/pkg/types"
)

// Default values
const (
	DefaultDatabasePath     = "parlharvest.db"
	DefaultIndexPath        = "parlharvest-vectors.db"
	DefaultHansardBaseURL   = "https://hansard-api.parliament.uk"
	DefaultQuestionsBaseURL = "https://questions-statements-api.parliament.uk/api"
	DefaultPageSize         = 100
	DefaultRemoteRate       = 10
	DefaultRemoteTimeout    = 30 * time.Second
	DefaultMaxRetries       = 3

	DefaultEmbeddingProvider = "openai"
	DefaultOpenAIModel       = "text-embedding-3-large"
	DefaultDimensions        = 1024
	DefaultAzureAPIVersion   = "2024-02-01"
	DefaultEmbedBatchSize    = 64
	DefaultEmbedTimeout      = 60 * time.Second
	DefaultCacheSize         = 10000

	DefaultQdrantCollection = "parliament"

	DefaultSentencesPerChunk = 8
	DefaultOverlapSentences  = 1
	DefaultMaxChars          = 1200

	DefaultBatchSize    = 50
	DefaultWorkers      = 4
	DefaultPollInterval = 30 * time.Second
	DefaultStaleAfter   = 15 * time.Minute

	DefaultLogLevel = "info"
)

// DefaultEpoch is the first sitting day of the 2024 Parliament.
var DefaultEpoch = types.NewDay(2024, time.July, 4)

// Default returns a config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	if c.Remote.HansardBaseURL == "" {
		c.Remote.HansardBaseURL = DefaultHansardBaseURL
	}
	if c.Remote.QuestionsBaseURL == "" {
		c.Remote.QuestionsBaseURL = DefaultQuestionsBaseURL
	}
	if c.Remote.PageSize == 0 {
		c.Remote.PageSize = DefaultPageSize
	}
	if c.Remote.MaxRatePerSecond == 0 {
		c.Remote.MaxRatePerSecond = DefaultRemoteRate
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = DefaultMaxRetries
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = DefaultEmbeddingProvider
	}
	if c.Embedder.Model == "" && c.Embedder.Provider == "openai" {
		c.Embedder.Model = DefaultOpenAIModel
	}
	if c.Embedder.Dimensions == 0 {
		c.Embedder.Dimensions = DefaultDimensions
	}
	if c.Embedder.APIVersion == "" && c.Embedder.Provider == "azure" {
		c.Embedder.APIVersion = DefaultAzureAPIVersion
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = DefaultEmbedBatchSize
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = DefaultEmbedTimeout
	}
	if c.Embedder.MaxRetries == 0 {
		c.Embedder.MaxRetries = DefaultMaxRetries
	}
	if c.Embedder.CacheSize == 0 {
		c.Embedder.CacheSize = DefaultCacheSize
	}

	if c.Index.Type == "" {
		c.Index.Type = "sqlite"
	}
	if c.Index.Path == "" {
		c.Index.Path = DefaultIndexPath
	}
	if c.Index.Qdrant.Collection == "" {
		c.Index.Qdrant.Collection = DefaultQdrantCollection
	}
	if c.Index.Qdrant.Timeout == 0 {
		c.Index.Qdrant.Timeout = DefaultRemoteTimeout
	}

	if c.Chunker.SentencesPerChunk == 0 {
		c.Chunker.SentencesPerChunk = DefaultSentencesPerChunk
	}
	if c.Chunker.OverlapSentences == 0 {
		c.Chunker.OverlapSentences = DefaultOverlapSentences
	}
	if c.Chunker.MaxChars == 0 {
		c.Chunker.MaxChars = DefaultMaxChars
	}

	if c.Processor.BatchSize == 0 {
		c.Processor.BatchSize = DefaultBatchSize
	}
	if c.Processor.Workers == 0 {
		c.Processor.Workers = DefaultWorkers
	}
	if c.Processor.PollInterval == 0 {
		c.Processor.PollInterval = DefaultPollInterval
	}
	if c.Processor.StaleAfter == 0 {
		c.Processor.StaleAfter = DefaultStaleAfter
	}

	if c.Harvest.Epoch.IsZero() {
		c.Harvest.Epoch = DefaultEpoch
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
