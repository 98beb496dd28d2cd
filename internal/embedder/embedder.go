package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/parlharvest/internal/retry"
)

// Common errors
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrProviderFailed     = errors.New("embedding provider failed")
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrEmptyText          = errors.New("text cannot be empty")
	ErrNoProviderEnabled  = errors.New("no embedding provider configured")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrUnexpectedResponse = errors.New("unexpected embedding response")
)

// Embedding represents a vector embedding with metadata
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // Content hash for caching
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text string
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
}

// BatchEmbeddingResponse represents a batch response
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts, in input order
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache provides in-memory LRU caching of embeddings by content hash
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](10000)
	}
	return &Cache{
		cache: cache,
	}
}

// Get retrieves a copy of an embedding from cache
func (c *Cache) Get(hash string) (*Embedding, bool) {
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	return emb.clone(), true
}

// Set stores a copy of emb
func (c *Cache) Set(hash string, emb *Embedding) {
	c.cache.Add(hash, emb.clone())
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

func (e *Embedding) clone() *Embedding {
	vector := make([]float32, len(e.Vector))
	copy(vector, e.Vector)
	out := *e
	out.Vector = vector
	return &out
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateRequest validates an embedding request. Validation failures are
// permanent: resubmitting the same text cannot succeed.
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return retry.Permanent(ErrEmptyText)
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return retry.Permanent(fmt.Errorf("%w: no texts provided", ErrInvalidInput))
	}

	for i, text := range req.Texts {
		if text == "" {
			return retry.Permanent(fmt.Errorf("%w: text at index %d: %w", ErrInvalidInput, i, ErrEmptyText))
		}
	}

	return nil
}
