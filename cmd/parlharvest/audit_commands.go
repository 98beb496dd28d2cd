package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/auditor"
	"github.com/dshills/parlharvest/internal/harvester"
	"github.com/dshills/parlharvest/internal/healer"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
)

var errGapsFound = errors.New("audit found gaps")

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var (
		flags     rangeFlags
		req       auditor.Request
		jsonOut   bool
		failOnGap bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check a date range for missing or unverified days",
		Long: "Audit reports, per day and item type, whether everything was harvested " +
			"and processed. Days with nothing queued are checked against the remote " +
			"API. The audit never writes; use heal to act on its findings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			req.Range, req.Types, err = flags.parse()
			if err != nil {
				return err
			}
			source, err := ctx.newSource()
			if err != nil {
				return err
			}
			var index vectorindex.Index
			if req.VerifyIndex {
				index, err = ctx.openIndex(cmd.Context())
				if err != nil {
					return err
				}
				defer index.Close()
			}

			var report *auditor.Report
			err = ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				a := auditor.New(store, source, index, auditor.Config{Logger: ctx.logger})
				report, err = a.Audit(cmd.Context(), req)
				return err
			})
			if err != nil {
				return err
			}

			if jsonOut {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				printAuditReport(cmd.OutOrStdout(), report)
			}
			if failOnGap && report.Verdict() != auditor.VerdictOK {
				return errGapsFound
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&req.Deep, "deep", false, "Compare remote counts for every day, not only empty ones")
	cmd.Flags().BoolVar(&req.VerifyIndex, "verify-index", false, "Check that completed items are present in the vector index")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")
	cmd.Flags().BoolVar(&failOnGap, "fail-on-gap", false, "Exit with status 1 when any gap is found")
	return cmd
}

func printAuditReport(out io.Writer, report *auditor.Report) {
	rows := make([][]string, 0, len(report.Days))
	for _, d := range report.Days {
		remote := "-"
		if d.Remote != nil {
			remote = strconv.Itoa(*d.Remote)
		}
		note := d.Error
		switch {
		case note != "":
			note = truncate(note, 60)
		case d.ConfirmedEmpty && d.Day.IsWeekend():
			note = "no records (weekend)"
		case d.ConfirmedEmpty:
			note = "no records"
		case d.IndexMissing > 0:
			note = fmt.Sprintf("%d not in index", d.IndexMissing)
		}
		rows = append(rows, []string{
			d.Day.String(),
			string(d.ItemType),
			string(d.Status),
			strconv.Itoa(d.Local),
			strconv.Itoa(d.Completed),
			strconv.Itoa(d.Pending + d.Processing),
			strconv.Itoa(d.Failed),
			remote,
			strconv.Itoa(d.Missing),
			note,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Day", "Type", "Status", "Local", "Done", "Queued", "Failed", "Remote", "Missing", "Note"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	fmt.Fprintln(out, colorLine(out, report.VerdictLine(), report.Verdict() == auditor.VerdictOK))
}

func newHealCommand(ctx *commandContext) *cobra.Command {
	var (
		flags rangeFlags
		deep  bool
	)
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Requeue failed items and re-harvest empty days found by an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, filter, err := flags.parse()
			if err != nil {
				return err
			}
			source, err := ctx.newSource()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				report, err := auditor.New(store, source, nil, auditor.Config{Logger: ctx.logger}).
					Audit(cmd.Context(), auditor.Request{Range: r, Types: filter, Deep: deep})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if report.Verdict() == auditor.VerdictOK {
					fmt.Fprintln(out, colorLine(out, report.VerdictLine(), true))
					fmt.Fprintln(out, "Nothing to heal")
					return nil
				}

				h := harvester.New(store, source, harvester.Config{
					PageSize: ctx.config.Remote.PageSize,
					Logger:   ctx.logger,
				})
				res, err := healer.New(store, h, healer.Config{Logger: ctx.logger}).Heal(cmd.Context(), report)
				if res != nil {
					fmt.Fprintf(out, "Requeued %d failed items\n", res.Requeued)
					for _, g := range res.Gaps {
						fmt.Fprintf(out, "Re-harvested %s %s\n", g.ItemType, g.Range)
					}
					if len(res.Gaps) > 0 {
						printHarvestResult(out, &res.Harvest)
					}
					fmt.Fprintln(out, "Run `parlharvest process --loop` to process the requeued items")
				}
				return err
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&deep, "deep", false, "Also re-harvest days with fewer rows than the remote reports")
	return cmd
}
