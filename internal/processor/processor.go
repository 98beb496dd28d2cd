package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/parlharvest/internal/chunker"
	"github.com/dshills/parlharvest/internal/embedder"
	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
)

// ErrAlreadyRunning is returned when Run is called while another Run on the
// same Processor is in progress.
var ErrAlreadyRunning = errors.New("processor is already running")

const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 30 * time.Second
	DefaultItemTimeout  = 5 * time.Minute

	maxErrorMessages = 20
)

// Processor coordinates the process pipeline: claim -> fetch -> chunk ->
// embed -> index -> complete.
type Processor struct {
	store    storage.Store
	source   remote.Source
	embedder embedder.Embedder
	index    vectorindex.Index
	chunker  *chunker.Chunker
	logger   *slog.Logger

	itemTimeout time.Duration
	lock        RunLock
	ensureMu    sync.Mutex
	ensured     bool
}

// Config contains configuration for the processor
type Config struct {
	Chunker *chunker.Chunker
	Logger  *slog.Logger
	// ItemTimeout bounds the work on one item, including retries.
	ItemTimeout time.Duration
}

// Options controls one Run.
type Options struct {
	BatchSize int // Items claimed per batch (default: 50)
	Workers   int // Items processed concurrently (default: runtime.NumCPU())
	// Loop keeps claiming batches until the queue is drained.
	Loop bool
	// Watch keeps polling after the queue is drained until ctx is cancelled.
	Watch        bool
	PollInterval time.Duration
	// Limit stops the run after this many items have been claimed; 0 is unlimited.
	Limit   int
	OnBatch func(BatchResult)
}

// BatchResult reports one claimed batch.
type BatchResult struct {
	Number    int
	Claimed   int
	Completed int
	Failed    int
	ClaimLost int
	Chunks    int
	Duration  time.Duration
}

// Statistics contains statistics about a run
type Statistics struct {
	Batches       int
	Claimed       int
	Completed     int
	Failed        int
	ClaimLost     int
	Chunks        int
	Duration      time.Duration
	ErrorMessages []string
}

func (s *Statistics) add(b BatchResult) {
	s.Batches++
	s.Claimed += b.Claimed
	s.Completed += b.Completed
	s.Failed += b.Failed
	s.ClaimLost += b.ClaimLost
	s.Chunks += b.Chunks
}

// New creates a new Processor instance
func New(store storage.Store, source remote.Source, emb embedder.Embedder, index vectorindex.Index, cfg Config) *Processor {
	c := cfg.Chunker
	if c == nil {
		c = chunker.New(chunker.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ItemTimeout
	if timeout <= 0 {
		timeout = DefaultItemTimeout
	}
	return &Processor{
		store:       store,
		source:      source,
		embedder:    emb,
		index:       index,
		chunker:     c,
		logger:      logger,
		itemTimeout: timeout,
	}
}

// Run claims and processes batches. Without Loop or Watch it processes a
// single batch. Item failures are recorded on the items and never stop the
// run; only store errors and cancellation end it early. On cancellation the
// current batch finishes and Run returns the statistics with ctx.Err().
func (p *Processor) Run(ctx context.Context, opts Options) (*Statistics, error) {
	if !p.lock.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer p.lock.Release()

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	start := time.Now()
	stats := &Statistics{ErrorMessages: make([]string, 0)}
	finish := func(err error) (*Statistics, error) {
		stats.Duration = time.Since(start)
		return stats, err
	}

	if err := p.ensureIndex(ctx); err != nil {
		return finish(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		limit := opts.BatchSize
		if opts.Limit > 0 {
			remaining := opts.Limit - stats.Claimed
			if remaining <= 0 {
				return finish(nil)
			}
			limit = min(limit, remaining)
		}

		br, err := p.processBatch(ctx, limit, opts.Workers, stats)
		if err != nil {
			return finish(err)
		}

		if br.Claimed == 0 {
			if !opts.Watch {
				return finish(nil)
			}
			p.logger.Debug("queue drained, waiting", "poll_interval", opts.PollInterval)
			select {
			case <-ctx.Done():
				return finish(ctx.Err())
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		br.Number = stats.Batches + 1
		stats.add(br)
		if opts.OnBatch != nil {
			opts.OnBatch(br)
		}
		p.logger.Info("batch processed",
			"batch", br.Number, "claimed", br.Claimed, "completed", br.Completed,
			"failed", br.Failed, "claim_lost", br.ClaimLost, "duration", br.Duration)

		if !opts.Loop && !opts.Watch {
			return finish(nil)
		}
	}
}

func (p *Processor) ensureIndex(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.ensured {
		return nil
	}
	if err := p.index.Ensure(ctx, p.embedder.Dimension()); err != nil {
		return fmt.Errorf("prepare vector index: %w", err)
	}
	p.ensured = true
	return nil
}

// processBatch claims up to limit items and processes them on a bounded
// pool. Items run on a context detached from ctx so a cancelled run still
// records an outcome for everything it claimed.
func (p *Processor) processBatch(ctx context.Context, limit, workers int, stats *Statistics) (BatchResult, error) {
	start := time.Now()
	token := uuid.NewString()

	items, err := p.store.Claim(ctx, token, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return BatchResult{}, nil
	}

	var (
		completed, failed, lost, chunks atomic.Int32
		errMu                           sync.Mutex
	)
	itemCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		g.Go(func() error {
			// Stale detection measures idleness from pickup, not from the claim
			finalErr := p.store.Touch(itemCtx, item.ItemID, token)
			if finalErr == nil {
				n, procErr := p.processItem(itemCtx, item)
				if procErr != nil {
					msg := retry.Tag(procErr)
					finalErr = p.store.Fail(itemCtx, item.ItemID, token, msg)
					if finalErr == nil {
						failed.Add(1)
						errMu.Lock()
						if len(stats.ErrorMessages) < maxErrorMessages {
							stats.ErrorMessages = append(stats.ErrorMessages, item.ItemID+": "+msg)
						}
						errMu.Unlock()
						p.logger.Warn("item failed",
							"item_id", item.ItemID, "day", item.OccurredOn, "attempt", item.AttemptCount,
							"class", retry.Classify(procErr), "error", procErr)
					}
				} else {
					finalErr = p.store.Complete(itemCtx, item.ItemID, token)
					if finalErr == nil {
						completed.Add(1)
						chunks.Add(int32(n))
						p.logger.Debug("item completed", "item_id", item.ItemID, "chunks", n)
					}
				}
			}

			switch {
			case finalErr == nil:
				return nil
			case errors.Is(finalErr, storage.ErrClaimLost):
				lost.Add(1)
				p.logger.Warn("claim lost; item was reset while in flight", "item_id", item.ItemID)
				return nil
			default:
				return fmt.Errorf("record outcome of %s: %w", item.ItemID, finalErr)
			}
		})
	}
	err = g.Wait()

	return BatchResult{
		Claimed:   len(items),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		ClaimLost: int(lost.Load()),
		Chunks:    int(chunks.Load()),
		Duration:  time.Since(start),
	}, err
}

// processItem fetches, chunks, embeds and indexes one item. It returns the
// number of chunks written. The index write completes before the caller
// marks the item COMPLETED.
func (p *Processor) processItem(ctx context.Context, item *storage.QueueItem) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()

	doc, err := p.source.Fetch(ctx, item)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return 0, retry.Permanent(fmt.Errorf("fetch: %w", remote.ErrNoText))
	}

	chunks := p.chunker.Chunk(item.ItemID, doc.Text)
	if len(chunks) == 0 {
		return 0, retry.Permanent(fmt.Errorf("chunk: %w", remote.ErrNoText))
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if err := c.Validate(); err != nil {
			return 0, retry.Permanent(fmt.Errorf("chunk %d: %w", i, err))
		}
		texts[i] = c.Content
	}

	resp, err := p.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Embeddings) != len(chunks) {
		return 0, fmt.Errorf("embed: %d embeddings for %d chunks", len(resp.Embeddings), len(chunks))
	}

	points := make([]vectorindex.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorindex.Point{
			ID:         vectorindex.PointID(item.ItemID, c.Index),
			ItemID:     item.ItemID,
			ChunkIndex: c.Index,
			ItemType:   item.ItemType,
			OccurredOn: item.OccurredOn,
			Title:      doc.Title,
			URL:        doc.URL,
			Content:    c.Content,
			Metadata:   doc.Metadata,
			Vector:     resp.Embeddings[i].Vector,
		}
	}
	if err := p.index.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("index: %w", err)
	}
	return len(chunks), nil
}
