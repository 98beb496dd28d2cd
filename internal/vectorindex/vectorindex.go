package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/parlharvest/internal/config"
	"github.com/dshills/parlharvest/pkg/types"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrNotEnsured        = errors.New("index not initialised; call Ensure first")
	ErrUnknownIndexType  = errors.New("unknown index type")
)

// pointNamespace roots the deterministic point ids. Changing it orphans
// every point already written.
var pointNamespace = uuid.MustParse("6f1c1f0e-8a43-5b7e-9d2c-3e0f5a4b7c61")

// PointID returns the deterministic id of chunk n of itemID. Re-indexing an
// item overwrites its points instead of duplicating them.
func PointID(itemID string, chunk int) string {
	return uuid.NewSHA1(pointNamespace, []byte(itemID+"#"+strconv.Itoa(chunk))).String()
}

// Point is one embedded chunk with the metadata needed to filter and
// display it without going back to the queue.
type Point struct {
	ID         string
	ItemID     string
	ChunkIndex int
	ItemType   types.ItemType
	OccurredOn types.Day
	Title      string
	URL        string
	Content    string
	Metadata   map[string]any
	Vector     []float32
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Types types.TypeFilter
	From  types.Day
	To    types.Day
}

func (f Filter) matches(p *Point) bool {
	if !f.Types.Includes(p.ItemType) {
		return false
	}
	if !f.From.IsZero() && p.OccurredOn.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.OccurredOn.After(f.To) {
		return false
	}
	return true
}

// Hit is a query result. Vector is not populated.
type Hit struct {
	Point
	Score float64
}

// Index stores chunk vectors for similarity search.
//
// Upsert treats the points it receives for an item as that item's complete
// set: points of the same item with a higher chunk index are removed, so an
// item whose text shrank does not keep stale chunks.
type Index interface {
	Ensure(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error)
	PresentItems(ctx context.Context, itemIDs []string) (map[string]bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open creates the index selected by cfg.
func Open(ctx context.Context, cfg config.IndexConfig) (Index, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "qdrant":
		return NewQdrant(QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Timeout:    cfg.Qdrant.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndexType, cfg.Type)
	}
}

// chunkCounts returns, per item, one past the highest chunk index in points.
func chunkCounts(points []Point) map[string]int {
	counts := make(map[string]int)
	for i := range points {
		if n := points[i].ChunkIndex + 1; n > counts[points[i].ItemID] {
			counts[points[i].ItemID] = n
		}
	}
	return counts
}

func validatePoints(points []Point, dimension int) error {
	for i := range points {
		if points[i].ItemID == "" {
			return fmt.Errorf("point %d: %w", i, types.ErrMissingItemID)
		}
		if len(points[i].Vector) != dimension {
			return fmt.Errorf("point %s: %w: got %d, want %d",
				points[i].ItemID, ErrDimensionMismatch, len(points[i].Vector), dimension)
		}
	}
	return nil
}
