package types

import (
	"crypto/sha256"
)

// Chunk is a contiguous slice of an item's text that is embedded as one vector.
type Chunk struct {
	// Identification
	ItemID string
	Index  int // Position within the item (0-based)

	// Content
	Content     string
	ContentHash [32]byte // SHA-256 hash for cache lookups
	TokenCount  int

	// Location in the source text, in sentences
	StartSentence int
	EndSentence   int
}

// ComputeTokenCount estimates the number of tokens in the chunk
// Uses a simple heuristic: characters / 4
func (c *Chunk) ComputeTokenCount() int {
	c.TokenCount = len(c.Content) / 4
	return c.TokenCount
}

// ComputeContentHash computes the SHA-256 hash of the chunk content
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = sha256.Sum256([]byte(c.Content))
}

// Validate performs validation of the chunk
func (c *Chunk) Validate() error {
	if c.ItemID == "" {
		return ErrMissingItemID
	}
	if c.Content == "" {
		return ErrEmptyContent
	}
	if c.Index < 0 {
		return ErrInvalidChunkIdx
	}
	return nil
}
