package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/parlharvest/internal/remote/remotetest"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
	"github.com/dshills/parlharvest/pkg/types"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueue(t *testing.T, store storage.Store, itemType types.ItemType, day string, ids ...string) {
	t.Helper()
	items := make([]storage.NewItem, len(ids))
	for i, id := range ids {
		items[i] = storage.NewItem{ItemID: id, ItemType: itemType, OccurredOn: types.MustParseDay(day)}
	}
	_, err := store.Enqueue(context.Background(), items)
	require.NoError(t, err)
}

// completeAll claims and completes every pending item.
func completeAll(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()
	items, err := store.Claim(ctx, "test", 1000)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, store.Complete(ctx, item.ItemID, "test"))
	}
}

func dayRange(t *testing.T, start, end string) types.DateRange {
	t.Helper()
	r, err := types.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func contributions() types.TypeFilter {
	return types.TypeFilter{types.ItemContribution}
}

func TestAudit_ZeroLocalRemoteHasItems(t *testing.T) {
	store := newStore(t)
	src := remotetest.New()
	src.AddN(types.ItemContribution, "2024-07-04", "c", 3)

	report, err := New(store, src, nil, Config{}).Audit(context.Background(), Request{
		Range: dayRange(t, "2024-07-04", "2024-07-04"),
		Types: contributions(),
	})
	require.NoError(t, err)
	require.Len(t, report.Days, 1)

	day := report.Days[0]
	assert.Equal(t, StatusMissing, day.Status)
	assert.Equal(t, 3, day.Missing)
	require.NotNil(t, day.Remote)
	assert.Equal(t, 3, *day.Remote)
	assert.Equal(t, VerdictGaps, report.Verdict())
	assert.Equal(t, "VERDICT: GAPS missing=1 unverified=0 days=1", report.VerdictLine())
}

func TestAudit_ConfirmedEmpty(t *testing.T) {
	store := newStore(t)
	src := remotetest.New()

	report, err := New(store, src, nil, Config{}).Audit(context.Background(), Request{
		Range: dayRange(t, "2024-07-06", "2024-07-06"),
		Types: contributions(),
	})
	require.NoError(t, err)

	day := report.Days[0]
	assert.Equal(t, StatusOK, day.Status)
	assert.True(t, day.ConfirmedEmpty)
	assert.Equal(t, VerdictOK, report.Verdict())
	assert.Equal(t, "VERDICT: OK days=1", report.VerdictLine())
}

func TestAudit_CountFailureIsUnverified(t *testing.T) {
	store := newStore(t)
	src := remotetest.New()
	src.FailCount("2024-07-06", errors.New("connection reset"))

	report, err := New(store, src, nil, Config{}).Audit(context.Background(), Request{
		Range: dayRange(t, "2024-07-05", "2024-07-06"),
		Types: contributions(),
	})
	require.NoError(t, err)
	require.Len(t, report.Days, 2)

	assert.Equal(t, StatusOK, report.Days[0].Status)
	assert.Equal(t, StatusUnverified, report.Days[1].Status)
	assert.Contains(t, report.Days[1].Error, "connection reset")
	assert.Nil(t, report.Days[1].Remote)
	assert.Equal(t, Summary{DaysChecked: 2, OK: 1, Unverified: 1}, report.Summary)
	assert.Equal(t, VerdictGaps, report.Verdict())
}

func TestAudit_LocalIncomplete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := remotetest.New()
	enqueue(t, store, types.ItemContribution, "2024-07-04", "hansard_1", "hansard_2", "hansard_3")

	// one completed, one failed, one pending
	claimed, err := store.Claim(ctx, "w", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.Complete(ctx, claimed[0].ItemID, "w"))
	require.NoError(t, store.Fail(ctx, claimed[1].ItemID, "w", "[permanent] boom"))

	report, err := New(store, src, nil, Config{}).Audit(ctx, Request{
		Range: dayRange(t, "2024-07-04", "2024-07-04"),
		Types: contributions(),
	})
	require.NoError(t, err)

	day := report.Days[0]
	assert.Equal(t, StatusMissing, day.Status)
	assert.Equal(t, 2, day.Missing)
	assert.Equal(t, 1, day.Completed)
	assert.Equal(t, 1, day.Failed)
	assert.Equal(t, 1, day.Pending)
	// Days with local rows are not cross-referenced unless deep
	assert.Zero(t, src.CountCalls)
}

func TestAudit_Deep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := remotetest.New()
	src.AddN(types.ItemContribution, "2024-07-04", "c", 5)
	enqueue(t, store, types.ItemContribution, "2024-07-04", "hansard_c-0", "hansard_c-1")
	completeAll(t, store)

	a := New(store, src, nil, Config{})
	shallow, err := a.Audit(ctx, Request{Range: dayRange(t, "2024-07-04", "2024-07-04"), Types: contributions()})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, shallow.Days[0].Status)

	deep, err := a.Audit(ctx, Request{Range: dayRange(t, "2024-07-04", "2024-07-04"), Types: contributions(), Deep: true})
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, deep.Days[0].Status)
	assert.Equal(t, 3, deep.Days[0].Missing)
}

func TestAudit_VerifyIndex(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := remotetest.New()
	enqueue(t, store, types.ItemWrittenQuestion, "2024-07-04", "pq_1", "pq_2")
	completeAll(t, store)

	index, err := vectorindex.OpenSQLite(ctx, filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	defer index.Close()
	require.NoError(t, index.Ensure(ctx, 2))
	require.NoError(t, index.Upsert(ctx, []vectorindex.Point{{
		ItemID:     "pq_1",
		ItemType:   types.ItemWrittenQuestion,
		OccurredOn: types.MustParseDay("2024-07-04"),
		Content:    "answer",
		Vector:     []float32{1, 0},
	}}))

	report, err := New(store, src, index, Config{}).Audit(ctx, Request{
		Range:       dayRange(t, "2024-07-04", "2024-07-04"),
		Types:       types.TypeFilter{types.ItemWrittenQuestion},
		VerifyIndex: true,
	})
	require.NoError(t, err)

	day := report.Days[0]
	assert.Equal(t, StatusMissing, day.Status)
	assert.Equal(t, 1, day.IndexMissing)
	assert.Equal(t, 1, day.Missing)
}

func TestAudit_VerifyIndexRequiresIndex(t *testing.T) {
	_, err := New(newStore(t), remotetest.New(), nil, Config{}).Audit(context.Background(), Request{
		Range:       dayRange(t, "2024-07-04", "2024-07-04"),
		VerifyIndex: true,
	})
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestAudit_OrderedByDayThenType(t *testing.T) {
	report, err := New(newStore(t), remotetest.New(), nil, Config{Concurrency: 8}).Audit(context.Background(), Request{
		Range: dayRange(t, "2024-07-01", "2024-07-03"),
	})
	require.NoError(t, err)
	require.Len(t, report.Days, 6)
	for i, d := range report.Days {
		assert.Equal(t, types.MustParseDay("2024-07-01").AddDays(i/2), d.Day)
		assert.Equal(t, types.AllItemTypes[i%2], d.ItemType)
	}
}

func TestAudit_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(newStore(t), remotetest.New(), nil, Config{}).Audit(ctx, Request{
		Range: dayRange(t, "2024-07-01", "2024-07-03"),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReport_JSON(t *testing.T) {
	src := remotetest.New()
	src.AddN(types.ItemContribution, "2024-07-04", "c", 1)
	report, err := New(newStore(t), src, nil, Config{}).Audit(context.Background(), Request{
		Range: dayRange(t, "2024-07-04", "2024-07-04"),
		Types: contributions(),
	})
	require.NoError(t, err)

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "GAPS", decoded["verdict"])
	assert.Equal(t, "2024-07-04", decoded["start"])
	days := decoded["days"].([]any)
	require.Len(t, days, 1)
	assert.Equal(t, "MISSING", days[0].(map[string]any)["status"])
}
