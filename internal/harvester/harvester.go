// Package harvester discovers parliamentary records and enqueues them.
//
// Harvesting only lists: it never fetches full content, embeds or writes to
// the index. Enqueueing is insert-if-absent, so harvesting the same range any
// number of times leaves the queue unchanged after the first run.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

// DefaultPageSize is the listing page size when none is configured.
const DefaultPageSize = 100

// Config configures a Harvester.
type Config struct {
	PageSize int
	Logger   *slog.Logger
}

// Harvester walks days and pages through the remote listings.
type Harvester struct {
	source   remote.Source
	store    storage.Store
	pageSize int
	logger   *slog.Logger
}

// New creates a Harvester.
func New(store storage.Store, source remote.Source, cfg Config) *Harvester {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		source:   source,
		store:    store,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Request selects what to harvest.
type Request struct {
	Range types.DateRange
	Types types.TypeFilter
}

// DayFailure records a day whose listing for one item type did not finish.
type DayFailure struct {
	Day      types.Day
	ItemType types.ItemType
	Err      error
}

// Result summarises a harvest.
type Result struct {
	// Queued is the number of newly inserted items; Known were already queued.
	Queued int
	Known  int
	// HarvestedDays were fully listed for every requested type.
	HarvestedDays []types.Day
	// FailedDays lists each day and type whose listing failed. Re-harvesting
	// just these days is enough to close the gap.
	FailedDays []DayFailure
	Duration   time.Duration
}

// FailedRange returns the smallest range covering every failed day.
func (r *Result) FailedRange() (types.DateRange, bool) {
	if len(r.FailedDays) == 0 {
		return types.DateRange{}, false
	}
	first, last := r.FailedDays[0].Day, r.FailedDays[0].Day
	for _, f := range r.FailedDays[1:] {
		if f.Day.Before(first) {
			first = f.Day
		}
		if f.Day.After(last) {
			last = f.Day
		}
	}
	return types.DateRange{Start: first, End: last}, true
}

func (r *Result) merge(o *Result) {
	r.Queued += o.Queued
	r.Known += o.Known
	r.HarvestedDays = append(r.HarvestedDays, o.HarvestedDays...)
	r.FailedDays = append(r.FailedDays, o.FailedDays...)
}

// storeError marks a failure of the local queue, which aborts the harvest.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Harvest lists every requested type for every day in req.Range and
// enqueues what it finds. A remote failure on one day is recorded in the
// result and the walk continues; a store failure or cancellation stops it
// and is returned together with the partial result.
func (h *Harvester) Harvest(ctx context.Context, req Request) (*Result, error) {
	if req.Range.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRange, req.Range)
	}
	start := time.Now()
	res := &Result{}

	for _, day := range req.Range.Days() {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}

		dayOK := true
		for _, itemType := range req.Types.Types() {
			inserted, existing, err := h.harvestDay(ctx, day, itemType)
			res.Queued += inserted
			res.Known += existing

			var se *storeError
			switch {
			case err == nil:
				h.logger.Debug("day harvested", "day", day, "type", itemType, "queued", inserted, "known", existing)
			case errors.As(err, &se):
				res.Duration = time.Since(start)
				return res, fmt.Errorf("harvest %s %s: %w", day, itemType, se.err)
			case ctx.Err() != nil:
				res.Duration = time.Since(start)
				return res, ctx.Err()
			default:
				dayOK = false
				res.FailedDays = append(res.FailedDays, DayFailure{Day: day, ItemType: itemType, Err: err})
				h.logger.Warn("day listing failed", "day", day, "type", itemType, "error", err)
			}
		}
		if dayOK {
			res.HarvestedDays = append(res.HarvestedDays, day)
		}
	}

	res.Duration = time.Since(start)
	h.logger.Info("harvest finished",
		"range", req.Range.String(), "types", req.Types.String(),
		"queued", res.Queued, "known", res.Known,
		"failed_days", len(res.FailedDays), "duration", res.Duration)
	return res, nil
}

// harvestDay pages through every listing kind of itemType for day,
// enqueueing page by page.
func (h *Harvester) harvestDay(ctx context.Context, day types.Day, itemType types.ItemType) (inserted, existing int, err error) {
	for _, kind := range remote.KindsFor(itemType) {
		skip := 0
		for {
			page, err := h.source.List(ctx, day, itemType, kind, skip, h.pageSize)
			if err != nil {
				return inserted, existing, fmt.Errorf("list %s skip=%d: %w", kind, skip, err)
			}
			if page.Returned == 0 {
				break
			}
			if len(page.Items) < page.Returned {
				h.logger.Warn("listing entries skipped",
					"day", day, "kind", kind, "skip", skip, "skipped", page.Returned-len(page.Items))
			}

			items := make([]storage.NewItem, 0, len(page.Items))
			for _, l := range page.Items {
				occurred := l.OccurredOn
				if occurred.IsZero() {
					occurred = day
				}
				items = append(items, storage.NewItem{
					ItemID:     l.ItemID,
					ItemType:   itemType,
					OccurredOn: occurred,
					Payload:    l.Payload,
				})
			}
			if len(items) > 0 {
				res, err := h.store.Enqueue(ctx, items)
				if err != nil {
					return inserted, existing, &storeError{err: err}
				}
				inserted += res.Inserted
				existing += res.Existing
			}

			skip += page.Returned
			if skip >= page.Total {
				break
			}
		}
	}
	return inserted, existing, nil
}

// SyncRequest brings the queue up to date.
type SyncRequest struct {
	Types types.TypeFilter
	// Epoch is the first day considered for a type with nothing queued.
	Epoch types.Day
	// Today is the last day to harvest; zero means the current UTC day.
	Today types.Day
}

// Sync harvests, per item type, from the latest queued day to today. The
// latest day is listed again since it may have been harvested while records
// were still being published.
func (h *Harvester) Sync(ctx context.Context, req SyncRequest) (*Result, error) {
	today := req.Today
	if today.IsZero() {
		today = types.Today()
	}
	total := &Result{}
	start := time.Now()

	for _, itemType := range req.Types.Types() {
		from := req.Epoch
		_, last, ok, err := h.store.DateBounds(ctx, types.TypeFilter{itemType})
		if err != nil {
			return total, fmt.Errorf("sync %s: %w", itemType, err)
		}
		if ok && last.After(from) {
			from = last
		}
		if from.IsZero() || from.After(today) {
			h.logger.Info("already up to date", "type", itemType, "latest", last)
			continue
		}

		h.logger.Info("syncing", "type", itemType, "from", from, "to", today)
		res, err := h.Harvest(ctx, Request{
			Range: types.DateRange{Start: from, End: today},
			Types: types.TypeFilter{itemType},
		})
		if res != nil {
			total.merge(res)
		}
		if err != nil {
			total.Duration = time.Since(start)
			return total, err
		}
	}

	total.HarvestedDays = uniqueDays(total.HarvestedDays)
	total.Duration = time.Since(start)
	return total, nil
}

func uniqueDays(days []types.Day) []types.Day {
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	var out []types.Day
	for _, d := range days {
		if len(out) == 0 || !d.Equal(out[len(out)-1]) {
			out = append(out, d)
		}
	}
	return out
}
