// Package healer returns failed and stuck items to PENDING and re-harvests
// days an audit found empty or short, so that the next process run converges the
// queue to completeness. Every operation is idempotent.
package healer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dshills/parlharvest/internal/auditor"
	"github.com/dshills/parlharvest/internal/harvester"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

// DefaultMergeWithin is the largest distance in days between two gap days
// that are re-harvested as one range.
const DefaultMergeWithin = 3

// Harvester re-lists date ranges.
type Harvester interface {
	Harvest(ctx context.Context, req harvester.Request) (*harvester.Result, error)
}

// Config configures a Healer.
type Config struct {
	MergeWithin int
	Logger      *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Healer applies the state resets the audit and operators ask for.
type Healer struct {
	store       storage.Store
	harvester   Harvester
	mergeWithin int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Healer. h may be nil when HealGaps is never used.
func New(store storage.Store, h Harvester, cfg Config) *Healer {
	merge := cfg.MergeWithin
	if merge <= 0 {
		merge = DefaultMergeWithin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Healer{store: store, harvester: h, mergeWithin: merge, logger: logger, now: now}
}

// RetryFailed moves every FAILED item back to PENDING and clears its error.
func (h *Healer) RetryFailed(ctx context.Context) (int64, error) {
	n, err := h.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	h.logger.Info("failed items requeued", "count", n)
	return n, nil
}

// ResetStale moves PROCESSING items idle for longer than olderThan back to
// PENDING. A zero olderThan resets every PROCESSING item, which is only safe
// when no processor is running.
func (h *Healer) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := h.now().Add(-olderThan)
	n, err := h.store.ResetStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	h.logger.Info("stale items reset", "count", n, "older_than", olderThan)
	return n, nil
}

// Gap is a range of days that need re-listing for one item type.
type Gap struct {
	ItemType types.ItemType
	Range    types.DateRange
}

// Result reports what a heal did.
type Result struct {
	Requeued int64
	Gaps     []Gap
	Harvest  harvester.Result
}

// Heal requeues the FAILED items in the report's range and re-harvests its
// empty gaps. Items left PENDING are picked up by the next process run.
func (h *Healer) Heal(ctx context.Context, report *auditor.Report) (*Result, error) {
	n, err := h.store.RetryFailedIn(ctx, report.Range(), types.TypeFilter(report.Types))
	if err != nil {
		return nil, err
	}
	res, err := h.HealGaps(ctx, report)
	if res != nil {
		res.Requeued = n
	}
	return res, err
}

// HealGaps re-harvests the gap days of the report (see Gaps). Gap days of
// one item type that are at most MergeWithin days apart are harvested as one
// range. Days whose queued rows are merely incomplete need RetryFailed and a
// process run instead.
func (h *Healer) HealGaps(ctx context.Context, report *auditor.Report) (*Result, error) {
	res := &Result{Gaps: Gaps(report, h.mergeWithin)}
	if len(res.Gaps) == 0 {
		return res, nil
	}
	if h.harvester == nil {
		return nil, fmt.Errorf("heal gaps: no harvester configured")
	}

	for _, gap := range res.Gaps {
		h.logger.Info("re-harvesting gap", "type", gap.ItemType, "range", gap.Range)
		hr, err := h.harvester.Harvest(ctx, harvester.Request{
			Range: gap.Range,
			Types: types.TypeFilter{gap.ItemType},
		})
		if hr != nil {
			res.Harvest.Queued += hr.Queued
			res.Harvest.Known += hr.Known
			res.Harvest.HarvestedDays = append(res.Harvest.HarvestedDays, hr.HarvestedDays...)
			res.Harvest.FailedDays = append(res.Harvest.FailedDays, hr.FailedDays...)
			res.Harvest.Duration += hr.Duration
		}
		if err != nil {
			return res, fmt.Errorf("heal %s %s: %w", gap.ItemType, gap.Range, err)
		}
	}
	return res, nil
}

// Gaps groups the days of report that need re-listing into ranges per item
// type. A day needs re-listing when it is not OK and either has no local rows
// or the remote reported more records than are queued (a deep audit).
func Gaps(report *auditor.Report, mergeWithin int) []Gap {
	byType := make(map[types.ItemType][]types.Day)
	for _, d := range report.Days {
		if needsRelisting(d) {
			byType[d.ItemType] = append(byType[d.ItemType], d.Day)
		}
	}

	var gaps []Gap
	for _, itemType := range types.AllItemTypes {
		days := byType[itemType]
		if len(days) == 0 {
			continue
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

		cur := types.DateRange{Start: days[0], End: days[0]}
		for _, d := range days[1:] {
			if cur.End.DaysUntil(d) <= mergeWithin {
				cur.End = d
				continue
			}
			gaps = append(gaps, Gap{ItemType: itemType, Range: cur})
			cur = types.DateRange{Start: d, End: d}
		}
		gaps = append(gaps, Gap{ItemType: itemType, Range: cur})
	}
	return gaps
}

func needsRelisting(d auditor.DayReport) bool {
	if d.Status == auditor.StatusOK {
		return false
	}
	if d.Local == 0 {
		return true
	}
	return d.Remote != nil && *d.Remote > d.Local
}
