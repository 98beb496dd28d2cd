package types

import "errors"

// Domain errors for type validation
var (
	ErrInvalidDay      = errors.New("invalid day, want YYYY-MM-DD")
	ErrInvalidRange    = errors.New("invalid date range")
	ErrUnknownItemType = errors.New("unknown item type")

	// Chunk errors
	ErrEmptyContent    = errors.New("content cannot be empty")
	ErrInvalidChunkIdx = errors.New("chunk index must be >= 0")
	ErrMissingItemID   = errors.New("item id is required")

	// Search result errors
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between -1 and 1")
)
