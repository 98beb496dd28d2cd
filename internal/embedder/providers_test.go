package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/parlharvest/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// embeddingServer answers OpenAI-style requests with vectors whose first
// component encodes the input position.
func embeddingServer(t testing.TB, dims int, check func(r *http.Request, body embeddingRequest)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(r, body)
		}
		var resp embeddingResponse
		resp.Model = body.Model
		// Reverse order to prove the client sorts by index
		for i := len(body.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(len(body.Input[i]))
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{vec, i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIProvider(t *testing.T) {
	srv, calls := embeddingServer(t, 8, func(r *http.Request, body embeddingRequest) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "text-embedding-3-large", body.Model)
		assert.Equal(t, 8, body.Dimensions)
	})

	p, err := NewOpenAIProvider(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Dimensions: 8, Retry: fastRetry()})
	require.NoError(t, err)
	defer p.Close()

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bbb"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, float32(1), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(3), resp.Embeddings[1].Vector[0])
	assert.Equal(t, ProviderOpenAI, p.Provider())
	assert.Equal(t, 8, p.Dimension())
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(Options{})
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
}

func TestAzureProvider(t *testing.T) {
	srv, _ := embeddingServer(t, 4, func(r *http.Request, body embeddingRequest) {
		assert.Equal(t, "/openai/deployments/embed-large/embeddings", r.URL.Path)
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "az-key", r.Header.Get("api-key"))
		assert.Empty(t, body.Model)
	})

	p, err := NewAzureProvider(Options{
		APIKey: "az-key", BaseURL: srv.URL + "/", Deployment: "embed-large",
		Dimensions: 4, Retry: fastRetry(),
	})
	require.NoError(t, err)

	emb, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 4)
	assert.Equal(t, "embed-large", p.Model())

	_, err = NewAzureProvider(Options{APIKey: "k", BaseURL: srv.URL})
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
}

func TestJinaProvider(t *testing.T) {
	srv, _ := embeddingServer(t, 4, func(r *http.Request, body embeddingRequest) {
		assert.Equal(t, "Bearer jina-key", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultJinaModel, body.Model)
	})

	p, err := NewJinaProvider(Options{APIKey: "jina-key", BaseURL: srv.URL, Dimensions: 4, Retry: fastRetry()})
	require.NoError(t, err)
	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.NoError(t, err)
}

func TestProvider_SplitsBatches(t *testing.T) {
	srv, calls := embeddingServer(t, 2, func(_ *http.Request, body embeddingRequest) {
		assert.LessOrEqual(t, len(body.Input), 2)
	})
	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, BatchSize: 2, Retry: fastRetry()})
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bb", "ccc", "dddd", "eeeee"}})
	require.NoError(t, err)
	for i, emb := range resp.Embeddings {
		assert.Equal(t, float32(i+1), emb.Vector[0])
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestProvider_CacheAvoidsCalls(t *testing.T) {
	srv, calls := embeddingServer(t, 2, nil)
	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, Cache: NewCache(10), Retry: fastRetry()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "bb"}})
	require.NoError(t, err)
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"bb", "ccc", "a"}})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, float32(2), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(3), resp.Embeddings[1].Vector[0])
	assert.Equal(t, float32(1), resp.Embeddings[2].Vector[0])
}

func TestProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2],"index":0}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	require.NoError(t, err)

	emb, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, emb.Vector)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProvider_GivesUpTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestProvider_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"input too long"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
	assert.Contains(t, retry.Tag(err), "[permanent]")
	assert.Equal(t, int32(1), calls.Load())
}

func TestProvider_DimensionMismatch(t *testing.T) {
	srv, _ := embeddingServer(t, 3, nil)
	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 4, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

func TestProvider_ContextCancelled(t *testing.T) {
	srv, calls := embeddingServer(t, 2, nil)
	p, err := NewOpenAIProvider(Options{APIKey: "k", BaseURL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}
