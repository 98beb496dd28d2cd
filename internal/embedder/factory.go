package embedder

import (
	"fmt"
	"strings"

	"github.com/dshills/parlharvest/internal/config"
	"github.com/dshills/parlharvest/internal/retry"
)

// New creates an embedder from configuration
func New(cfg config.EmbedderConfig) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	opts := Options{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		Model:            cfg.Model,
		Dimensions:       cfg.Dimensions,
		APIVersion:       cfg.APIVersion,
		Deployment:       cfg.Deployment,
		BatchSize:        cfg.BatchSize,
		MaxRatePerSecond: cfg.MaxRatePerSecond,
		Timeout:          cfg.Timeout,
		Retry:            retry.DefaultConfig().WithMaxRetries(cfg.MaxRetries),
		Cache:            cache,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderAzure:
		return NewAzureProvider(opts)
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimensions, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrUnsupportedModel, cfg.Provider)
	}
}

// Providers lists the supported provider names.
func Providers() []string {
	return []string{ProviderOpenAI, ProviderAzure, ProviderJina, ProviderLocal}
}
