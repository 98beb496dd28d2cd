package types

// SearchResult represents a single search hit with relevance information
type SearchResult struct {
	// Identification
	ItemID     string
	ChunkIndex int
	Rank       int // Position in result set (1-based)

	// Scoring
	RelevanceScore float64 // Cosine similarity reported by the index

	// Metadata
	ItemType   ItemType
	OccurredOn Day
	Title      string
	URL        string
	Content    string
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ItemID == "" {
		return ErrMissingItemID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.RelevanceScore < -1 || sr.RelevanceScore > 1 {
		return ErrInvalidRelevanceScore
	}

	if sr.Content == "" {
		return ErrEmptyContent
	}

	return nil
}
