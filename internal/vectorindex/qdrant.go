package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/pkg/types"
)

const (
	qdrantUpsertBatch = 256
	qdrantScrollLimit = 1000
)

// QdrantConfig holds connection details for a Qdrant server.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
}

// Qdrant is a minimal REST client for a Qdrant collection using cosine
// distance. Payload fields mirror Point; occurred_on is also stored as a
// unix timestamp so date filters can use a numeric range.
type Qdrant struct {
	base       string
	apiKey     string
	collection string
	client     *http.Client
	retry      retry.Config

	mu        sync.RWMutex
	dimension int
}

// NewQdrant creates a client. No request is made until Ensure.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, errors.New("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("qdrant collection is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	rc := cfg.Retry
	if rc.MaxRetries == 0 {
		rc = retry.DefaultConfig()
	}
	return &Qdrant{
		base:       strings.TrimRight(cfg.URL, "/") + "/collections/" + url.PathEscape(cfg.Collection),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     client,
		retry:      rc,
	}, nil
}

type qdrantStatusError struct {
	status int
	msg    string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant %d: %s", e.status, e.msg)
}

// Ensure creates the collection and its payload indexes when missing and
// checks the vector size of an existing one.
func (q *Qdrant) Ensure(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: invalid dimension %d", ErrDimensionMismatch, dimension)
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodGet, "", nil, &info)
	var statusErr *qdrantStatusError
	switch {
	case err == nil:
		if size := info.Result.Config.Params.Vectors.Size; size != dimension {
			return fmt.Errorf("%w: collection %s has %d, embedder produces %d",
				ErrDimensionMismatch, q.collection, size, dimension)
		}
	case errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound:
		create := map[string]any{
			"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
		}
		if err := q.do(ctx, http.MethodPut, "", create, nil); err != nil {
			return fmt.Errorf("create collection %s: %w", q.collection, err)
		}
		fields := map[string]string{
			"item_id":       "keyword",
			"item_type":     "keyword",
			"chunk_index":   "integer",
			"occurred_unix": "integer",
		}
		for field, schema := range fields {
			body := map[string]any{"field_name": field, "field_schema": schema}
			if err := q.do(ctx, http.MethodPut, "/index?wait=true", body, nil); err != nil {
				return fmt.Errorf("create payload index %s: %w", field, err)
			}
		}
	default:
		return fmt.Errorf("get collection %s: %w", q.collection, err)
	}

	q.mu.Lock()
	q.dimension = dimension
	q.mu.Unlock()
	return nil
}

func (q *Qdrant) dim() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dimension
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func toPayload(p *Point) map[string]any {
	payload := map[string]any{
		"item_id":       p.ItemID,
		"chunk_index":   p.ChunkIndex,
		"item_type":     string(p.ItemType),
		"occurred_on":   p.OccurredOn.String(),
		"occurred_unix": p.OccurredOn.Time().Unix(),
		"title":         p.Title,
		"url":           p.URL,
		"text":          p.Content,
	}
	if len(p.Metadata) > 0 {
		payload["metadata"] = p.Metadata
	}
	return payload
}

func fromPayload(payload map[string]any) Point {
	var p Point
	p.ItemID, _ = payload["item_id"].(string)
	if v, ok := payload["chunk_index"].(float64); ok {
		p.ChunkIndex = int(v)
	}
	if v, ok := payload["item_type"].(string); ok {
		p.ItemType = types.ItemType(v)
	}
	if v, ok := payload["occurred_on"].(string); ok {
		p.OccurredOn, _ = types.ParseDay(v)
	}
	p.Title, _ = payload["title"].(string)
	p.URL, _ = payload["url"].(string)
	p.Content, _ = payload["text"].(string)
	p.Metadata, _ = payload["metadata"].(map[string]any)
	p.ID = PointID(p.ItemID, p.ChunkIndex)
	return p
}

// Upsert writes points with wait=true, then removes chunks beyond each
// item's new count.
func (q *Qdrant) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	dimension := q.dim()
	if dimension == 0 {
		return ErrNotEnsured
	}
	if err := validatePoints(points, dimension); err != nil {
		return err
	}

	for start := 0; start < len(points); start += qdrantUpsertBatch {
		batch := points[start:min(start+qdrantUpsertBatch, len(points))]
		body := struct {
			Points []qdrantPoint `json:"points"`
		}{Points: make([]qdrantPoint, len(batch))}
		for i := range batch {
			id := batch[i].ID
			if id == "" {
				id = PointID(batch[i].ItemID, batch[i].ChunkIndex)
			}
			body.Points[i] = qdrantPoint{ID: id, Vector: batch[i].Vector, Payload: toPayload(&batch[i])}
		}
		if err := q.do(ctx, http.MethodPut, "/points?wait=true", body, nil); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
	}

	for itemID, n := range chunkCounts(points) {
		body := map[string]any{
			"filter": map[string]any{
				"must": []any{
					matchValue("item_id", itemID),
					map[string]any{"key": "chunk_index", "range": map[string]any{"gte": n}},
				},
			},
		}
		if err := q.do(ctx, http.MethodPost, "/points/delete?wait=true", body, nil); err != nil {
			return fmt.Errorf("prune stale chunks of %s: %w", itemID, err)
		}
	}
	return nil
}

func matchValue(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func (f Filter) qdrant() map[string]any {
	var must []any
	if len(f.Types) > 0 {
		anyOf := make([]string, len(f.Types))
		for i, t := range f.Types {
			anyOf[i] = string(t)
		}
		must = append(must, map[string]any{"key": "item_type", "match": map[string]any{"any": anyOf}})
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		r := map[string]any{}
		if !f.From.IsZero() {
			r["gte"] = f.From.Time().Unix()
		}
		if !f.To.IsZero() {
			r["lte"] = f.To.Time().Unix()
		}
		must = append(must, map[string]any{"key": "occurred_unix", "range": r})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

// Query runs a filtered similarity search.
func (q *Qdrant) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if f := filter.qdrant(); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/points/search", req, &resp); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{Point: fromPayload(r.Payload), Score: r.Score})
	}
	return hits, nil
}

// PresentItems scrolls the points whose item_id is one of itemIDs.
func (q *Qdrant) PresentItems(ctx context.Context, itemIDs []string) (map[string]bool, error) {
	present := make(map[string]bool, len(itemIDs))
	for start := 0; start < len(itemIDs); start += presentBatch {
		batch := itemIDs[start:min(start+presentBatch, len(itemIDs))]
		var offset any
		for {
			req := map[string]any{
				"filter":       map[string]any{"must": []any{map[string]any{"key": "item_id", "match": map[string]any{"any": batch}}}},
				"limit":        qdrantScrollLimit,
				"with_payload": map[string]any{"include": []string{"item_id"}},
				"with_vector":  false,
			}
			if offset != nil {
				req["offset"] = offset
			}
			var resp struct {
				Result struct {
					Points []struct {
						Payload map[string]any `json:"payload"`
					} `json:"points"`
					NextPageOffset any `json:"next_page_offset"`
				} `json:"result"`
			}
			if err := q.do(ctx, http.MethodPost, "/points/scroll", req, &resp); err != nil {
				return nil, fmt.Errorf("scroll points: %w", err)
			}
			for _, p := range resp.Result.Points {
				if id, ok := p.Payload["item_id"].(string); ok {
					present[id] = true
				}
			}
			if resp.Result.NextPageOffset == nil {
				break
			}
			offset = resp.Result.NextPageOffset
		}
	}
	return present, nil
}

// Count returns the exact number of points in the collection.
func (q *Qdrant) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/points/count", map[string]any{"exact": true}, &resp); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return resp.Result.Count, nil
}

func (q *Qdrant) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

// do sends one JSON request with retries. Non-2xx responses are classified
// by status; a 404 is returned as *qdrantStatusError so Ensure can detect a
// missing collection.
func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
	}

	_, err := retry.Do(ctx, q.retry, func(ctx context.Context) (struct{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, q.base+path, reader)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if q.apiKey != "" {
			req.Header.Set("api-key", q.apiKey)
		}

		resp, err := q.client.Do(req)
		if err != nil {
			return struct{}{}, retry.Transient(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return struct{}{}, retry.FromStatus(resp.StatusCode,
				&qdrantStatusError{status: resp.StatusCode, msg: strings.TrimSpace(string(msg))})
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, retry.Transient(fmt.Errorf("decode response: %w", err))
			}
		}
		return struct{}{}, nil
	})
	return err
}
