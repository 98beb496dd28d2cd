package searcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dshills/parlharvest/internal/embedder"
	"github.com/dshills/parlharvest/internal/vectorindex"
	"github.com/dshills/parlharvest/pkg/types"
)

// mockEmbedder maps known queries onto unit axes
type mockEmbedder struct {
	calls        atomic.Int32
	generateFunc func(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error)
}

var queryAxis = map[string]int{
	"schools":   0,
	"hospitals": 1,
	"railways":  2,
}

func axisVector(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	m.calls.Add(1)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	axis, ok := queryAxis[req.Text]
	if !ok {
		axis = 3
	}
	return &embedder.Embedding{Vector: axisVector(axis), Dimension: 4, Model: "mock-model", Provider: "mock"}, nil
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	out := &embedder.BatchEmbeddingResponse{Provider: "mock", Model: "mock-model"}
	for _, text := range req.Texts {
		e, err := m.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, e)
	}
	return out, nil
}

func (m *mockEmbedder) Dimension() int   { return 4 }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "mock-model" }
func (m *mockEmbedder) Close() error     { return nil }

func setupTestSearcher(t *testing.T) (*Searcher, *mockEmbedder, *vectorindex.SQLiteIndex) {
	t.Helper()
	ctx := context.Background()
	index, err := vectorindex.OpenSQLite(ctx, filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })
	if err := index.Ensure(ctx, 4); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	points := []vectorindex.Point{
		{ItemID: "pq_1", ItemType: types.ItemWrittenQuestion, OccurredOn: types.MustParseDay("2024-07-04"),
			Title: "School funding", Content: "Funding for rural schools.", Vector: axisVector(0)},
		{ItemID: "hansard_1", ItemType: types.ItemContribution, OccurredOn: types.MustParseDay("2024-07-05"),
			Title: "Education debate", Content: "Schools debate.", Vector: []float32{0.8, 0.6, 0, 0}},
		{ItemID: "hansard_2", ItemType: types.ItemContribution, OccurredOn: types.MustParseDay("2024-07-06"),
			Title: "NHS", Content: "Hospital waiting lists.", Vector: axisVector(1)},
	}
	if err := index.Upsert(ctx, points); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	emb := &mockEmbedder{}
	return New(index, emb), emb, index
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantErr   bool
		wantLimit int
	}{
		{name: "defaults", req: Request{Query: "schools"}, wantLimit: DefaultLimit},
		{name: "limit capped", req: Request{Query: "schools", Limit: 500}, wantLimit: MaxLimit},
		{name: "blank query", req: Request{Query: "   "}, wantErr: true},
		{name: "inverted dates", req: Request{
			Query: "schools",
			From:  types.MustParseDay("2024-07-05"),
			To:    types.MustParseDay("2024-07-01"),
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := validateRequest(&req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && req.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", req.Limit, tt.wantLimit)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	s, emb, _ := setupTestSearcher(t)

	resp, err := s.Search(context.Background(), Request{Query: "schools", Limit: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalResults != 2 {
		t.Fatalf("TotalResults = %d, want 2", resp.TotalResults)
	}
	first := resp.Results[0]
	if first.ItemID != "pq_1" || first.Rank != 1 {
		t.Errorf("first result = %s rank %d, want pq_1 rank 1", first.ItemID, first.Rank)
	}
	if first.Title != "School funding" || first.ItemType != types.ItemWrittenQuestion {
		t.Errorf("metadata not carried: %+v", first)
	}
	if resp.Results[1].ItemID != "hansard_1" || resp.Results[1].Rank != 2 {
		t.Errorf("second result = %s rank %d", resp.Results[1].ItemID, resp.Results[1].Rank)
	}
	if resp.Results[0].RelevanceScore < resp.Results[1].RelevanceScore {
		t.Error("results not ordered by score")
	}
	if emb.calls.Load() != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls.Load())
	}
}

func TestSearch_Filters(t *testing.T) {
	s, _, _ := setupTestSearcher(t)
	ctx := context.Background()

	resp, err := s.Search(ctx, Request{Query: "schools", Types: types.TypeFilter{types.ItemContribution}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, r := range resp.Results {
		if r.ItemType != types.ItemContribution {
			t.Errorf("type filter leaked %s", r.ItemID)
		}
	}

	resp, err = s.Search(ctx, Request{Query: "schools", From: types.MustParseDay("2024-07-05"), To: types.MustParseDay("2024-07-05")})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalResults != 1 || resp.Results[0].ItemID != "hansard_1" {
		t.Errorf("date filter results = %+v", resp.Results)
	}

	resp, err = s.Search(ctx, Request{Query: "schools", MinScore: 0.9})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalResults != 1 {
		t.Errorf("MinScore kept %d results, want 1", resp.TotalResults)
	}
}

func TestSearch_EmbedderError(t *testing.T) {
	s, emb, _ := setupTestSearcher(t)
	emb.generateFunc = func(context.Context, embedder.EmbeddingRequest) (*embedder.Embedding, error) {
		return nil, errors.New("provider down")
	}
	if _, err := s.Search(context.Background(), Request{Query: "schools"}); err == nil {
		t.Fatal("expected error when embedding fails")
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	s, emb, _ := setupTestSearcher(t)
	emb.generateFunc = func(context.Context, embedder.EmbeddingRequest) (*embedder.Embedding, error) {
		return &embedder.Embedding{Vector: []float32{1, 0}, Dimension: 2}, nil
	}
	_, err := s.Search(context.Background(), Request{Query: "schools"})
	if !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
}

func BenchmarkSearch(b *testing.B) {
	ctx := context.Background()
	index, err := vectorindex.OpenSQLite(ctx, filepath.Join(b.TempDir(), "vectors.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer index.Close()
	emb, err := embedder.NewLocalProvider(64, nil)
	if err != nil {
		b.Fatal(err)
	}
	if err := index.Ensure(ctx, emb.Dimension()); err != nil {
		b.Fatal(err)
	}

	texts := []string{"school funding", "hospital waiting lists", "rail electrification", "housing targets"}
	var points []vectorindex.Point
	for i := 0; i < 500; i++ {
		text := texts[i%len(texts)]
		e, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			b.Fatal(err)
		}
		points = append(points, vectorindex.Point{
			ItemID:     fmt.Sprintf("pq_%d", i),
			ItemType:   types.ItemWrittenQuestion,
			OccurredOn: types.MustParseDay("2024-07-04"),
			Content:    text,
			Vector:     e.Vector,
		})
	}
	if err := index.Upsert(ctx, points); err != nil {
		b.Fatal(err)
	}

	s := New(index, emb)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Search(ctx, Request{Query: "school funding"}); err != nil {
			b.Fatal(err)
		}
	}
}
