// Package embedder turns chunk text into vectors.
//
// Providers:
//
//   - openai: the OpenAI embeddings API, or any compatible server via base_url
//   - azure: an Azure OpenAI deployment (api-key header, api-version query)
//   - jina: Jina AI
//   - local: offline feature hashing, deterministic, no network
//
// # Basic Usage
//
//	emb, err := embedder.New(cfg.Embedder)
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{chunk1.Content, chunk2.Content},
//	})
//
// Embeddings come back in input order. Requests larger than the configured
// batch size are split, and texts already in the LRU cache are not sent.
//
// # Errors
//
// Every error carries a retry classification from package retry. Timeouts,
// 429 and 5xx responses are transient and retried with backoff inside the
// call; other 4xx responses, empty input and a dimension mismatch are
// permanent and returned at once. Callers record retry.Tag(err) so the
// queue shows which kind of failure stopped an item.
//
// # Rate Limiting
//
// max_rate_per_second caps API requests per provider instance. The limiter
// is shared by every goroutine using the instance.
package embedder
