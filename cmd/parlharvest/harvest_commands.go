package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/harvester"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

func newInitDBCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the queue database and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				version, err := store.SchemaVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queue database ready at %s (schema %s, driver %s)\n",
					store.Path(), version, storage.DriverName)
				return nil
			})
		},
	}
}

func newHarvestCommand(ctx *commandContext) *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Discover records in a date range and queue them",
		Long: "Harvest lists every record of the selected types for each day and " +
			"queues the ones not seen before. Running it again over the same range is safe.",
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
				h := harvester.New(store, source, harvester.Config{
					PageSize: ctx.config.Remote.PageSize,
					Logger:   ctx.logger,
				})
				res, err := h.Harvest(cmd.Context(), harvester.Request{Range: r, Types: filter})
				if res != nil {
					printHarvestResult(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var itemType string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Harvest from the latest queued day up to today",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := types.ParseTypeFilter(itemType)
			if err != nil {
				return err
			}
			source, err := ctx.newSource()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				h := harvester.New(store, source, harvester.Config{
					PageSize: ctx.config.Remote.PageSize,
					Logger:   ctx.logger,
				})
				res, err := h.Sync(cmd.Context(), harvester.SyncRequest{
					Types: filter,
					Epoch: ctx.config.Harvest.Epoch,
				})
				if res != nil {
					printHarvestResult(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "all", "Item types: all, contribution, written-question")
	return cmd
}

func printHarvestResult(out io.Writer, res *harvester.Result) {
	fmt.Fprintf(out, "Queued %d new items (%d already known) across %d days in %s\n",
		res.Queued, res.Known, len(res.HarvestedDays), res.Duration.Round(time.Millisecond))
	if len(res.FailedDays) == 0 {
		return
	}

	rows := make([][]string, 0, len(res.FailedDays))
	for _, f := range res.FailedDays {
		rows = append(rows, []string{f.Day.String(), string(f.ItemType), truncate(f.Err.Error(), 80)})
	}
	fmt.Fprintf(out, "\n%d day listings failed:\n", len(res.FailedDays))
	fmt.Fprintln(out, renderTable([]string{"Day", "Type", "Error"}, rows, nil))
	if r, ok := res.FailedRange(); ok {
		fmt.Fprintf(out, "Re-run: parlharvest harvest --start-date %s --end-date %s --type %s\n",
			r.Start, r.End, failedTypes(res.FailedDays))
	}
}

func failedTypes(failures []harvester.DayFailure) string {
	seen := make(map[types.ItemType]bool)
	var names []string
	for _, f := range failures {
		if !seen[f.ItemType] {
			seen[f.ItemType] = true
			names = append(names, string(f.ItemType))
		}
	}
	if len(names) == len(types.AllItemTypes) {
		return "all"
	}
	return strings.Join(names, ",")
}
