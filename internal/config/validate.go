package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate ensures the configuration is usable for every command.
func (c *Config) Validate() error {
	if err := c.ValidateQueue(); err != nil {
		return err
	}
	if err := c.validateEmbedder(); err != nil {
		return err
	}
	return c.ValidateIndex()
}

// ValidateQueue checks only what the queue commands (harvest, audit, heal,
// status) need, so they run without embedding credentials.
func (c *Config) ValidateQueue() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateChunker(); err != nil {
		return err
	}
	if err := c.validateProcessor(); err != nil {
		return err
	}
	_, err := ParseLevel(c.Log.Level)
	return err
}

func (c *Config) validateDatabase() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path must be set")
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.PageSize < 1 {
		return errors.New("remote.page_size must be positive")
	}
	if c.Remote.MaxRatePerSecond < 0 {
		return errors.New("remote.max_rate_per_second must not be negative")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}
	return nil
}

func (c *Config) validateEmbedder() error {
	switch c.Embedder.Provider {
	case "local":
	case "openai", "jina":
		if c.Embedder.APIKey == "" {
			return fmt.Errorf("embedder.api_key is required for provider %q; set the provider's API key env var", c.Embedder.Provider)
		}
	case "azure":
		if c.Embedder.APIKey == "" || c.Embedder.BaseURL == "" {
			return errors.New("azure embeddings need AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT")
		}
		if c.Embedder.Deployment == "" {
			return errors.New("embedder.deployment must be set for provider azure")
		}
	default:
		return fmt.Errorf("embedder.provider %q is not one of openai, azure, jina, local", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions < 1 {
		return errors.New("embedder.dimensions must be positive")
	}
	return nil
}

// ValidateIndex checks the vector index settings.
func (c *Config) ValidateIndex() error {
	switch c.Index.Type {
	case "sqlite":
		if strings.TrimSpace(c.Index.Path) == "" {
			return errors.New("index.path must be set for the sqlite index")
		}
	case "qdrant":
		if strings.TrimSpace(c.Index.Qdrant.URL) == "" {
			return errors.New("index.qdrant.url must be set when index.type is qdrant")
		}
	default:
		return fmt.Errorf("index.type %q is not one of sqlite, qdrant", c.Index.Type)
	}
	return nil
}

func (c *Config) validateChunker() error {
	if c.Chunker.SentencesPerChunk < 1 {
		return errors.New("chunker.sentences_per_chunk must be positive")
	}
	if c.Chunker.OverlapSentences < 0 || c.Chunker.OverlapSentences >= c.Chunker.SentencesPerChunk {
		return errors.New("chunker.overlap_sentences must be between 0 and sentences_per_chunk-1")
	}
	return nil
}

func (c *Config) validateProcessor() error {
	if c.Processor.BatchSize < 1 {
		return errors.New("processor.batch_size must be positive")
	}
	if c.Processor.Workers < 1 {
		return errors.New("processor.workers must be positive")
	}
	if c.Processor.PollInterval <= 0 {
		return errors.New("processor.poll_interval must be positive")
	}
	if c.Processor.StaleAfter < 0 {
		return errors.New("processor.stale_after must not be negative")
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
