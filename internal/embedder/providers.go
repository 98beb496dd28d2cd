package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/dshills/parlharvest/internal/retry"
)

// Provider configuration
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderJina   = "jina"
	ProviderLocal  = "local"

	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultJinaBaseURL   = "https://api.jina.ai/v1"

	// Default models
	DefaultOpenAIModel = "text-embedding-3-large"
	DefaultJinaModel   = "jina-embeddings-v3"
	LocalModel         = "local-hash"

	// Dimensions
	OpenAIDimension = 1536
	JinaDimension   = 1024
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 64
	MaxBatchSize     = 2048

	DefaultTimeout = 60 * time.Second
)

// Options configures an API backed provider.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int

	// Azure only
	APIVersion string
	Deployment string

	// BatchSize caps texts per API request; larger requests are split.
	BatchSize int
	// MaxRatePerSecond limits API requests; zero means unlimited.
	MaxRatePerSecond float64
	Timeout          time.Duration
	Retry            retry.Config
	HTTPClient       *http.Client
	Cache            *Cache
}

// APIProvider implements Embedder over an OpenAI-compatible /embeddings API.
// OpenAI, Azure OpenAI and Jina AI share the request and response shape and
// differ in endpoint and authentication.
type APIProvider struct {
	name       string
	model      string
	dims       int
	sendModel  bool
	endpoint   string
	authHeader string
	authValue  string
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
	cache      *Cache
}

// NewOpenAIProvider creates an embedder for the OpenAI embeddings API.
// BaseURL may point at any OpenAI-compatible server.
func NewOpenAIProvider(opts Options) (*APIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrNoProviderEnabled)
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultOpenAIModel
	}
	if opts.Dimensions == 0 {
		opts.Dimensions = OpenAIDimension
	}
	p := newAPIProvider(ProviderOpenAI, opts)
	p.sendModel = true
	p.endpoint = strings.TrimRight(base, "/") + "/embeddings"
	p.authHeader, p.authValue = "Authorization", "Bearer "+opts.APIKey
	return p, nil
}

// NewAzureProvider creates an embedder for an Azure OpenAI deployment.
// BaseURL is the resource endpoint, e.g. https://name.openai.azure.com.
func NewAzureProvider(opts Options) (*APIProvider, error) {
	switch {
	case opts.APIKey == "":
		return nil, fmt.Errorf("%w: AZURE_OPENAI_API_KEY not set", ErrNoProviderEnabled)
	case opts.BaseURL == "":
		return nil, fmt.Errorf("%w: AZURE_OPENAI_ENDPOINT not set", ErrNoProviderEnabled)
	case opts.Deployment == "":
		return nil, fmt.Errorf("%w: AZURE_OPENAI_EMBEDDING_DEPLOYMENT not set", ErrNoProviderEnabled)
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2024-02-01"
	}
	if opts.Model == "" {
		opts.Model = opts.Deployment
	}
	if opts.Dimensions == 0 {
		opts.Dimensions = OpenAIDimension
	}
	p := newAPIProvider(ProviderAzure, opts)
	p.endpoint = fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(opts.BaseURL, "/"), url.PathEscape(opts.Deployment), url.QueryEscape(opts.APIVersion))
	p.authHeader, p.authValue = "api-key", opts.APIKey
	return p, nil
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts Options) (*APIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: JINA_API_KEY not set", ErrNoProviderEnabled)
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultJinaBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultJinaModel
	}
	if opts.Dimensions == 0 {
		opts.Dimensions = JinaDimension
	}
	p := newAPIProvider(ProviderJina, opts)
	p.sendModel = true
	p.endpoint = strings.TrimRight(base, "/") + "/embeddings"
	p.authHeader, p.authValue = "Authorization", "Bearer "+opts.APIKey
	return p, nil
}

func newAPIProvider(name string, opts Options) *APIProvider {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.MaxRatePerSecond > 0 {
		limit = rate.Limit(opts.MaxRatePerSecond)
	}
	cfg := opts.Retry
	if cfg.MaxRetries == 0 {
		cfg = retry.DefaultConfig()
	}
	return &APIProvider{
		name:       name,
		model:      opts.Model,
		dims:       opts.Dimensions,
		batchSize:  batchSize,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, 1),
		retry:      cfg,
		cache:      opts.Cache,
	}
}

func (p *APIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *APIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	var missing []int
	for i, text := range req.Texts {
		if p.cache != nil {
			if emb, ok := p.cache.Get(ComputeHash(text)); ok {
				embeddings[i] = emb
				continue
			}
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += p.batchSize {
		idx := missing[start:min(start+p.batchSize, len(missing))]
		texts := make([]string, len(idx))
		for j, i := range idx {
			texts[j] = req.Texts[i]
		}

		vectors, err := retry.Do(ctx, p.retry, func(ctx context.Context) ([][]float32, error) {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, retry.Transient(err)
			}
			return p.callAPI(ctx, texts)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailed, p.name, err)
		}

		for j, i := range idx {
			emb := &Embedding{
				Vector:    vectors[j],
				Dimension: len(vectors[j]),
				Provider:  p.name,
				Model:     p.model,
				Hash:      ComputeHash(texts[j]),
			}
			if p.cache != nil {
				p.cache.Set(emb.Hash, emb)
			}
			embeddings[i] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      p.model,
	}, nil
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (p *APIProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	payload := embeddingRequest{Input: texts, Dimensions: p.dims}
	if p.sendModel {
		payload.Model = p.model
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(p.authHeader, p.authValue)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("api call: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, retry.FromStatus(resp.StatusCode,
			fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	var apiResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, retry.Transient(fmt.Errorf("decode response: %w", err))
	}
	if len(apiResp.Data) != len(texts) {
		return nil, retry.Transient(fmt.Errorf("%w: %d embeddings for %d texts", ErrUnexpectedResponse, len(apiResp.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, data := range apiResp.Data {
		if data.Index < 0 || data.Index >= len(texts) || vectors[data.Index] != nil {
			return nil, retry.Transient(fmt.Errorf("%w: bad index %d", ErrUnexpectedResponse, data.Index))
		}
		if p.dims > 0 && len(data.Embedding) != p.dims {
			return nil, retry.Permanent(fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(data.Embedding), p.dims))
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

func (p *APIProvider) Dimension() int {
	return p.dims
}

func (p *APIProvider) Provider() string {
	return p.name
}

func (p *APIProvider) Model() string {
	return p.model
}

func (p *APIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider embeds text offline by feature hashing its words into a
// fixed-size unit vector. Texts sharing vocabulary score as similar, which is
// enough for tests and for running the pipeline without an API key.
type LocalProvider struct {
	dims  int
	cache *Cache
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(dims int, cache *Cache) (*LocalProvider, error) {
	if dims <= 0 {
		dims = LocalDimension
	}
	return &LocalProvider{
		dims:  dims,
		cache: cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, retry.Transient(err)
	}

	hash := ComputeHash(req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(hash); ok {
			return emb, nil
		}
	}

	vector := make([]float32, l.dims)
	words := strings.FieldsFunc(strings.ToLower(req.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(word))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vector[(sum>>1)%uint64(l.dims)] += sign
	}
	if isZero(vector) {
		vector[0] = 1
	}

	emb := &Embedding{
		Vector:    NormalizeVector(vector),
		Dimension: l.dims,
		Provider:  ProviderLocal,
		Model:     LocalModel,
		Hash:      hash,
	}
	if l.cache != nil {
		l.cache.Set(hash, emb)
	}
	return emb, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      LocalModel,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return l.dims
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return LocalModel
}

func (l *LocalProvider) Close() error {
	return nil
}

func isZero(v []float32) bool {
	for _, val := range v {
		if val != 0 {
			return false
		}
	}
	return true
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
