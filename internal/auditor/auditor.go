// Package auditor checks a date range for gaps without writing anything.
//
// A day and item type is OK only when every local row is COMPLETED and, for
// days with no local rows, the remote source confirms there is nothing to
// harvest. When the remote cannot be asked the day is UNVERIFIED, which is
// reported as a gap.
package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
	"github.com/dshills/parlharvest/pkg/types"
)

// DefaultConcurrency bounds parallel remote counts.
const DefaultConcurrency = 4

// ErrNoIndex is returned when index verification is requested without an index.
var ErrNoIndex = errors.New("index verification requested but no index configured")

// Status classifies one day and item type.
type Status string

const (
	StatusOK         Status = "OK"
	StatusMissing    Status = "MISSING"
	StatusUnverified Status = "UNVERIFIED"
)

// Verdicts
const (
	VerdictOK   = "OK"
	VerdictGaps = "GAPS"
)

// Request selects what to audit.
type Request struct {
	Range types.DateRange
	Types types.TypeFilter
	// Deep asks the remote for every day, not only days with no local rows.
	Deep bool
	// VerifyIndex checks that COMPLETED items have points in the vector index.
	VerifyIndex bool
}

// DayReport is the audit result for one day and item type.
type DayReport struct {
	Day            types.Day      `json:"day"`
	ItemType       types.ItemType `json:"item_type"`
	Status         Status         `json:"status"`
	Local          int            `json:"local"`
	Completed      int            `json:"completed"`
	Pending        int            `json:"pending"`
	Processing     int            `json:"processing"`
	Failed         int            `json:"failed"`
	Remote         *int           `json:"remote,omitempty"`
	Missing        int            `json:"missing"`
	IndexMissing   int            `json:"index_missing,omitempty"`
	ConfirmedEmpty bool           `json:"confirmed_empty,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Summary counts day reports by status.
type Summary struct {
	DaysChecked int `json:"days_checked"`
	OK          int `json:"ok"`
	Missing     int `json:"missing"`
	Unverified  int `json:"unverified"`
}

// Report is the outcome of an audit. Days are ordered by date, then type.
type Report struct {
	Start    types.Day        `json:"start"`
	End      types.Day        `json:"end"`
	Types    []types.ItemType `json:"types"`
	Days     []DayReport      `json:"days"`
	Summary  Summary          `json:"summary"`
	Duration time.Duration    `json:"duration_ns"`
}

// Range returns the audited range.
func (r *Report) Range() types.DateRange {
	return types.DateRange{Start: r.Start, End: r.End}
}

// Verdict is OK when every day report is OK, GAPS otherwise.
func (r *Report) Verdict() string {
	if r.Summary.Missing+r.Summary.Unverified > 0 {
		return VerdictGaps
	}
	return VerdictOK
}

// VerdictLine renders the final line printed by the audit command.
func (r *Report) VerdictLine() string {
	if r.Verdict() == VerdictOK {
		return fmt.Sprintf("VERDICT: OK days=%d", r.Summary.DaysChecked)
	}
	return fmt.Sprintf("VERDICT: GAPS missing=%d unverified=%d days=%d",
		r.Summary.Missing, r.Summary.Unverified, r.Summary.DaysChecked)
}

// MarshalJSON adds the verdict to the encoded report.
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		*plain
		Verdict string `json:"verdict"`
	}{(*plain)(r), r.Verdict()})
}

// Gaps returns the reports that are not OK.
func (r *Report) Gaps() []DayReport {
	var gaps []DayReport
	for _, d := range r.Days {
		if d.Status != StatusOK {
			gaps = append(gaps, d)
		}
	}
	return gaps
}

// Config configures an Auditor.
type Config struct {
	Concurrency int
	Logger      *slog.Logger
}

// Auditor compares the queue against the remote source.
type Auditor struct {
	store       storage.Store
	source      remote.Source
	index       vectorindex.Index
	concurrency int
	logger      *slog.Logger
}

// New creates an Auditor. index may be nil when VerifyIndex is never used.
func New(store storage.Store, source remote.Source, index vectorindex.Index, cfg Config) *Auditor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:       store,
		source:      source,
		index:       index,
		concurrency: concurrency,
		logger:      logger,
	}
}

type statsKey struct {
	day      string
	itemType types.ItemType
}

// Audit classifies every day and item type in req.Range. Remote failures
// make a day UNVERIFIED; store failures and cancellation abort the audit.
func (a *Auditor) Audit(ctx context.Context, req Request) (*Report, error) {
	if req.Range.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRange, req.Range)
	}
	if req.VerifyIndex && a.index == nil {
		return nil, ErrNoIndex
	}
	start := time.Now()

	daily, err := a.store.DailyStats(ctx, req.Range, req.Types)
	if err != nil {
		return nil, fmt.Errorf("read daily stats: %w", err)
	}
	local := make(map[statsKey]storage.DayStats, len(daily))
	for _, ds := range daily {
		local[statsKey{day: ds.Day.String(), itemType: ds.ItemType}] = ds
	}

	itemTypes := req.Types.Types()
	days := req.Range.Days()
	reports := make([]DayReport, len(days)*len(itemTypes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, day := range days {
		for j, itemType := range itemTypes {
			slot := &reports[i*len(itemTypes)+j]
			ds := local[statsKey{day: day.String(), itemType: itemType}]
			ds.Day, ds.ItemType = day, itemType
			g.Go(func() error {
				rep, err := a.auditDay(gctx, ds, req)
				if err != nil {
					return err
				}
				*slot = rep
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Start: req.Range.Start,
		End:   req.Range.End,
		Types: itemTypes,
		Days:  reports,
	}
	for _, d := range reports {
		report.Summary.DaysChecked++
		switch d.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusMissing:
			report.Summary.Missing++
		case StatusUnverified:
			report.Summary.Unverified++
		}
	}
	report.Duration = time.Since(start)

	a.logger.Info("audit finished",
		"range", req.Range, "verdict", report.Verdict(), "ok", report.Summary.OK,
		"missing", report.Summary.Missing, "unverified", report.Summary.Unverified)
	return report, nil
}

func (a *Auditor) auditDay(ctx context.Context, ds storage.DayStats, req Request) (DayReport, error) {
	rep := DayReport{
		Day:        ds.Day,
		ItemType:   ds.ItemType,
		Local:      ds.Total(),
		Completed:  ds.Completed,
		Pending:    ds.Pending,
		Processing: ds.Processing,
		Failed:     ds.Failed,
	}
	var missing, unverified bool

	if n := ds.Incomplete(); n > 0 {
		rep.Missing = n
		missing = true
	}

	if ds.Total() == 0 || req.Deep {
		count, err := a.source.Count(ctx, ds.Day, ds.ItemType)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return DayReport{}, ctx.Err()
			}
			unverified = true
			rep.Error = err.Error()
			a.logger.Warn("remote count failed", "day", ds.Day, "item_type", ds.ItemType, "error", err)
		case count > ds.Total():
			rep.Remote = &count
			rep.Missing += count - ds.Total()
			missing = true
		default:
			rep.Remote = &count
			rep.ConfirmedEmpty = ds.Total() == 0
		}
	}

	if req.VerifyIndex && ds.Completed > 0 {
		n, err := a.indexMissing(ctx, ds)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return DayReport{}, ctx.Err()
			}
			if errors.Is(err, errStore) {
				return DayReport{}, err
			}
			unverified = true
			rep.Error = err.Error()
		case n > 0:
			rep.IndexMissing = n
			rep.Missing += n
			missing = true
		}
	}

	switch {
	case missing:
		rep.Status = StatusMissing
	case unverified:
		rep.Status = StatusUnverified
	default:
		rep.Status = StatusOK
	}
	return rep, nil
}

var errStore = errors.New("queue store")

// indexMissing counts the day's COMPLETED items that have no points.
func (a *Auditor) indexMissing(ctx context.Context, ds storage.DayStats) (int, error) {
	items, err := a.store.ListByDay(ctx, ds.Day, types.TypeFilter{ds.ItemType})
	if err != nil {
		return 0, fmt.Errorf("%w: list %s: %w", errStore, ds.Day, err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.State == storage.StateCompleted {
			ids = append(ids, item.ItemID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	present, err := a.index.PresentItems(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("check index: %w", err)
	}
	missing := 0
	for _, id := range ids {
		if !present[id] {
			missing++
		}
	}
	return missing, nil
}
