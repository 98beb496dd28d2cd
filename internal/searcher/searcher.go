package searcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/parlharvest/internal/embedder"
	"github.com/dshills/parlharvest/internal/vectorindex"
	"github.com/dshills/parlharvest/pkg/types"
)

// Limits
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Request contains parameters for a search operation
type Request struct {
	Query string
	Types types.TypeFilter
	From  types.Day
	To    types.Day
	Limit int
	// MinScore drops hits below this cosine similarity.
	MinScore float64
}

// Response contains search results and metadata
type Response struct {
	Results      []types.SearchResult
	TotalResults int
	Duration     time.Duration
}

// Searcher embeds queries and looks them up in the vector index.
type Searcher struct {
	index    vectorindex.Index
	embedder embedder.Embedder
}

// New creates a Searcher.
func New(index vectorindex.Index, emb embedder.Embedder) *Searcher {
	return &Searcher{
		index:    index,
		embedder: emb,
	}
}

// Search embeds req.Query and returns the nearest chunks, best first.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	if s.embedder == nil || s.index == nil {
		return nil, fmt.Errorf("searcher not initialized")
	}
	if err := validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	hits, err := s.index.Query(ctx, embedding.Vector, vectorindex.Filter{
		Types: req.Types,
		From:  req.From,
		To:    req.To,
	}, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < req.MinScore {
			continue
		}
		result := types.SearchResult{
			ItemID:         h.ItemID,
			ChunkIndex:     h.ChunkIndex,
			Rank:           len(results) + 1,
			RelevanceScore: clampScore(h.Score),
			ItemType:       h.ItemType,
			OccurredOn:     h.OccurredOn,
			Title:          h.Title,
			URL:            h.URL,
			Content:        h.Content,
		}
		// Points written by other tools may lack content
		if err := result.Validate(); err != nil {
			continue
		}
		results = append(results, result)
	}

	return &Response{
		Results:      results,
		TotalResults: len(results),
		Duration:     time.Since(startTime),
	}, nil
}

// clampScore absorbs float rounding at the ends of the cosine range.
func clampScore(s float64) float64 {
	return max(-1, min(1, s))
}

func validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return fmt.Errorf("%w: %s is before %s", types.ErrInvalidRange, req.To, req.From)
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	return nil
}
