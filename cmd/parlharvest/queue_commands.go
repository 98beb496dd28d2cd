package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/healer"
	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
)

func newRetryFailedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move every FAILED item back to PENDING",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				n, err := healer.New(store, nil, healer.Config{Logger: ctx.logger}).RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed items\n", n)
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var (
		staleAfter time.Duration
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move stuck PROCESSING items back to PENDING",
		Long: "Reset returns items left PROCESSING by a crashed or killed processor to " +
			"PENDING. Only items idle for longer than --stale-after are touched; --all " +
			"resets every PROCESSING item and must not be used while a processor runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold := ctx.config.Processor.StaleAfter
			if cmd.Flags().Changed("stale-after") {
				threshold = staleAfter
			}
			if all {
				threshold = 0
			}
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				n, err := healer.New(store, nil, healer.Config{Logger: ctx.logger}).ResetStale(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stale items to PENDING\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Idle time after which a PROCESSING item is stale (default from config)")
	cmd.Flags().BoolVar(&all, "all", false, "Reset every PROCESSING item regardless of age")
	return cmd
}

// failedItem is one FAILED row as status reports it.
type failedItem struct {
	ItemID    string `json:"item_id"`
	Day       string `json:"day"`
	Attempts  int    `json:"attempts"`
	Class     string `json:"class"`
	LastError string `json:"last_error"`
}

func listFailed(cmd *cobra.Command, store storage.Store, limit int) ([]failedItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := store.ListByState(cmd.Context(), storage.StateFailed, limit)
	if err != nil {
		return nil, err
	}
	out := make([]failedItem, len(items))
	for i, item := range items {
		class := "unknown"
		if c, ok := retry.ClassOfTag(item.LastError); ok {
			class = string(c)
		}
		out[i] = failedItem{
			ItemID:    item.ItemID,
			Day:       item.OccurredOn.String(),
			Attempts:  item.AttemptCount,
			Class:     class,
			LastError: item.LastError,
		}
	}
	return out, nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOut     bool
		failedLimit int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts by state and the indexed point count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				counts, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				first, last, ok, err := store.DateBounds(cmd.Context(), nil)
				if err != nil {
					return err
				}

				points := -1
				if index, err := ctx.openIndex(cmd.Context()); err != nil {
					ctx.logger.Warn("vector index unavailable", "error", err)
				} else {
					if n, err := index.Count(cmd.Context()); err != nil {
						ctx.logger.Warn("count index points", "error", err)
					} else {
						points = n
					}
					_ = index.Close()
				}

				var failed []failedItem
				if counts[storage.StateFailed] > 0 {
					if failed, err = listFailed(cmd, store, failedLimit); err != nil {
						return err
					}
				}

				if jsonOut {
					byState := make(map[string]int, len(storage.AllStates))
					for _, s := range storage.AllStates {
						byState[string(s)] = counts[s]
					}
					payload := map[string]any{"database": store.Path(), "states": byState}
					if ok {
						payload["first_day"] = first
						payload["last_day"] = last
					}
					if points >= 0 {
						payload["index_points"] = points
					}
					if len(failed) > 0 {
						payload["failed_items"] = failed
					}
					return writeJSON(cmd, payload)
				}

				out := cmd.OutOrStdout()
				total := 0
				rows := make([][]string, 0, len(storage.AllStates)+1)
				for _, s := range storage.AllStates {
					total += counts[s]
					rows = append(rows, []string{string(s), strconv.Itoa(counts[s])})
				}
				rows = append(rows, []string{"TOTAL", strconv.Itoa(total)})
				fmt.Fprintf(out, "Queue: %s\n", store.Path())
				fmt.Fprintln(out, renderTable([]string{"State", "Items"}, rows, []columnAlignment{alignLeft, alignRight}))
				if ok {
					fmt.Fprintf(out, "Days: %s to %s\n", first, last)
				} else {
					fmt.Fprintln(out, "Days: queue is empty")
				}
				if points >= 0 {
					fmt.Fprintf(out, "Index points: %d\n", points)
				} else {
					fmt.Fprintln(out, "Index points: unavailable")
				}
				healthy := counts[storage.StateFailed] == 0
				fmt.Fprintln(out, colorLine(out, fmt.Sprintf("Failed: %d", counts[storage.StateFailed]), healthy))
				if len(failed) > 0 {
					rows := make([][]string, len(failed))
					for i, f := range failed {
						rows[i] = []string{f.ItemID, f.Day, strconv.Itoa(f.Attempts), f.Class, truncate(f.LastError, 60)}
					}
					fmt.Fprintln(out, renderTable(
						[]string{"Item", "Day", "Attempts", "Class", "Last Error"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
					))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit status as JSON")
	cmd.Flags().IntVar(&failedLimit, "failed", 10, "List up to N most recently failed items (0 hides them)")
	return cmd
}
