package processor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/parlharvest/internal/embedder"
	"github.com/dshills/parlharvest/internal/harvester"
	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/remote/remotetest"
	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
	"github.com/dshills/parlharvest/pkg/types"
)

type fixture struct {
	store  *storage.SQLiteStore
	source *remotetest.Source
	index  *vectorindex.SQLiteIndex
	emb    embedder.Embedder
	proc   *Processor
	dbPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "queue.db")
	store, err := storage.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := vectorindex.OpenSQLite(ctx, filepath.Join(dir, "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	emb, err := embedder.NewLocalProvider(32, nil)
	require.NoError(t, err)

	src := remotetest.New()
	return &fixture{
		store:  store,
		source: src,
		index:  index,
		emb:    emb,
		proc:   New(store, src, emb, index, Config{}),
		dbPath: dbPath,
	}
}

func (f *fixture) harvest(t *testing.T, start, end string) {
	t.Helper()
	r, err := types.ParseDateRange(start, end)
	require.NoError(t, err)
	res, err := harvester.New(f.store, f.source, harvester.Config{}).Harvest(context.Background(), harvester.Request{Range: r})
	require.NoError(t, err)
	require.Empty(t, res.FailedDays)
}

func (f *fixture) stats(t *testing.T) map[storage.State]int {
	t.Helper()
	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contributions := f.source.AddN(types.ItemContribution, "2024-07-04", "c", 12)
	questions := f.source.AddN(types.ItemWrittenQuestion, "2024-07-05", "q", 5)
	f.harvest(t, "2024-07-04", "2024-07-05")
	assert.Equal(t, 17, f.stats(t)[storage.StatePending])

	var batches []BatchResult
	stats, err := f.proc.Run(ctx, Options{BatchSize: 5, Workers: 3, Loop: true, OnBatch: func(b BatchResult) {
		batches = append(batches, b)
	}})
	require.NoError(t, err)

	assert.Equal(t, 17, stats.Claimed)
	assert.Equal(t, 17, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 4, stats.Batches)
	require.Len(t, batches, 4)
	assert.Equal(t, 1, batches[0].Number)
	assert.Equal(t, 2, batches[3].Claimed)

	counts := f.stats(t)
	assert.Equal(t, 17, counts[storage.StateCompleted])
	assert.Equal(t, 0, counts[storage.StatePending])

	// Every COMPLETED item is in the index
	all := append(append([]string{}, contributions...), questions...)
	present, err := f.index.PresentItems(ctx, all)
	require.NoError(t, err)
	for _, id := range all {
		assert.True(t, present[id], id)
	}

	// A second run finds nothing to do
	stats, err = f.proc.Run(ctx, Options{Loop: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 0, stats.Batches)
}

func TestRun_SingleBatchWithoutLoop(t *testing.T) {
	f := newFixture(t)
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 8)
	f.harvest(t, "2024-07-04", "2024-07-04")

	stats, err := f.proc.Run(context.Background(), Options{BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 5, f.stats(t)[storage.StatePending])
}

func TestRun_Limit(t *testing.T) {
	f := newFixture(t)
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 10)
	f.harvest(t, "2024-07-04", "2024-07-04")

	stats, err := f.proc.Run(context.Background(), Options{BatchSize: 4, Loop: true, Limit: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Claimed)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 4, f.stats(t)[storage.StatePending])
}

func TestRun_ClassifiesFailures(t *testing.T) {
	f := newFixture(t)
	ids := f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 4)
	f.source.FailFetch(ids[0], retry.FromStatus(503, errors.New("service unavailable")), -1)
	f.source.FailFetch(ids[1], retry.FromStatus(404, errors.New("not found")), -1)
	f.source.SetText(ids[2], "   ")
	f.harvest(t, "2024-07-04", "2024-07-04")

	stats, err := f.proc.Run(context.Background(), Options{Loop: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3, stats.Failed)
	assert.Len(t, stats.ErrorMessages, 3)

	ctx := context.Background()
	transient, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, transient.State)
	assert.True(t, strings.HasPrefix(transient.LastError, "[transient]"), transient.LastError)

	permanent, err := f.store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(permanent.LastError, "[permanent]"), permanent.LastError)

	empty, err := f.store.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(empty.LastError, "[permanent]"), empty.LastError)
	assert.Contains(t, empty.LastError, remote.ErrNoText.Error())

	done, err := f.store.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, done.State)
	assert.Empty(t, done.LastError)
}

// failingIndex rejects every upsert.
type failingIndex struct {
	vectorindex.Index
}

func (failingIndex) Upsert(context.Context, []vectorindex.Point) error {
	return retry.Transient(errors.New("qdrant unavailable"))
}

func TestRun_IndexFailureNeverCompletes(t *testing.T) {
	f := newFixture(t)
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 3)
	f.harvest(t, "2024-07-04", "2024-07-04")

	proc := New(f.store, f.source, f.emb, failingIndex{f.index}, Config{})
	stats, err := proc.Run(context.Background(), Options{Loop: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 0, f.stats(t)[storage.StateCompleted])
}

func TestRun_CrashSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 6)
	f.harvest(t, "2024-07-04", "2024-07-04")

	// A worker claims half the queue and dies without recording outcomes
	crashed, err := f.store.Claim(ctx, "dead-worker", 3)
	require.NoError(t, err)
	require.Len(t, crashed, 3)

	// A live run only sees the unclaimed items
	stats, err := f.proc.Run(ctx, Options{Loop: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 3, f.stats(t)[storage.StateProcessing])

	// Reset-stale returns the orphaned items to PENDING
	n, err := f.store.ResetStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stats, err = f.proc.Run(ctx, Options{Loop: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)

	counts := f.stats(t)
	assert.Equal(t, 6, counts[storage.StateCompleted])
	assert.Equal(t, 0, counts[storage.StateProcessing])

	// The dead worker waking up cannot overwrite the new outcome
	assert.ErrorIs(t, f.store.Fail(ctx, crashed[0].ItemID, "dead-worker", "late"), storage.ErrClaimLost)
	item, err := f.store.Get(ctx, crashed[0].ItemID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, item.State)

	// Re-processed items are not duplicated in the index
	count, err := f.index.Count(ctx)
	require.NoError(t, err)
	present, err := f.index.PresentItems(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, present, 6)
	assert.Equal(t, 6, count)
}

// blockingSource holds Fetch until released so a test can reset an item
// while it is in flight.
type blockingSource struct {
	remote.Source
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) Fetch(ctx context.Context, item *storage.QueueItem) (*remote.Document, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Source.Fetch(ctx, item)
}

func TestRun_ClaimLostIsCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 1)
	f.harvest(t, "2024-07-04", "2024-07-04")

	src := &blockingSource{Source: f.source, started: make(chan struct{}), release: make(chan struct{})}
	proc := New(f.store, src, f.emb, f.index, Config{})

	done := make(chan *Statistics)
	go func() {
		stats, err := proc.Run(ctx, Options{})
		assert.NoError(t, err)
		done <- stats
	}()

	<-src.started
	n, err := f.store.ResetStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	close(src.release)

	stats := <-done
	assert.Equal(t, 1, stats.ClaimLost)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 1, f.stats(t)[storage.StatePending])
}

func TestRun_ResetBeforePickupIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 2)
	f.harvest(t, "2024-07-04", "2024-07-04")

	// One worker: the second item waits in the pool behind the first
	src := &blockingSource{Source: f.source, started: make(chan struct{}), release: make(chan struct{})}
	proc := New(f.store, src, f.emb, f.index, Config{})

	done := make(chan *Statistics)
	go func() {
		stats, err := proc.Run(ctx, Options{Workers: 1})
		assert.NoError(t, err)
		done <- stats
	}()

	<-src.started
	n, err := f.store.ResetStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	close(src.release)

	stats := <-done
	assert.Equal(t, 2, stats.ClaimLost)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 1, f.source.Fetches(ids[0]))
	assert.Zero(t, f.source.Fetches(ids[1]), "an item reset before pickup is not worked on")
	assert.Equal(t, 2, f.stats(t)[storage.StatePending])
}

func TestRun_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.proc.lock.TryAcquire())
	defer f.proc.lock.Release()

	_, err := f.proc.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRun_WatchStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 2)
	f.harvest(t, "2024-07-04", "2024-07-04")

	ctx, cancel := context.WithCancel(context.Background())
	stats, err := f.proc.Run(ctx, Options{Watch: true, PollInterval: 10 * time.Millisecond, OnBatch: func(BatchResult) {
		// Cancel once the backlog is processed; the next poll must observe it
		cancel()
	}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, stats.Completed)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.source.AddN(types.ItemWrittenQuestion, "2024-07-04", "q", 2)
	f.harvest(t, "2024-07-04", "2024-07-04")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := f.proc.Run(ctx, Options{Loop: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 2, f.stats(t)[storage.StatePending])
}

func TestRun_TwoProcessorsShareQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.AddN(types.ItemContribution, "2024-07-04", "c", 40)
	f.harvest(t, "2024-07-04", "2024-07-04")

	other, err := storage.Open(ctx, f.dbPath)
	require.NoError(t, err)
	defer other.Close()

	procs := []*Processor{
		f.proc,
		New(other, f.source, f.emb, f.index, Config{}),
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := p.Run(ctx, Options{BatchSize: 3, Workers: 2, Loop: true})
			assert.NoError(t, err)
			mu.Lock()
			total += stats.Claimed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, total)
	assert.Equal(t, 40, f.stats(t)[storage.StateCompleted])
}
