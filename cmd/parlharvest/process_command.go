package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/processor"
	"github.com/dshills/parlharvest/internal/storage"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var opts processor.Options
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Fetch, embed and index queued items",
		Long: "Process claims PENDING items in batches, embeds their text and writes " +
			"the vectors to the index before marking each item COMPLETED. Without " +
			"--loop or --watch a single batch is processed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if opts.BatchSize <= 0 {
				opts.BatchSize = cfg.Processor.BatchSize
			}
			if opts.Workers <= 0 {
				opts.Workers = cfg.Processor.Workers
			}
			opts.PollInterval = cfg.Processor.PollInterval

			emb, err := ctx.newEmbedder()
			if err != nil {
				return err
			}
			defer emb.Close()
			source, err := ctx.newSource()
			if err != nil {
				return err
			}
			index, err := ctx.openIndex(cmd.Context())
			if err != nil {
				return err
			}
			defer index.Close()

			out := cmd.OutOrStdout()
			opts.OnBatch = func(b processor.BatchResult) {
				fmt.Fprintf(out, "batch %d: claimed=%d completed=%d failed=%d claim_lost=%d chunks=%d (%s)\n",
					b.Number, b.Claimed, b.Completed, b.Failed, b.ClaimLost, b.Chunks, b.Duration.Round(time.Millisecond))
			}

			return ctx.withStore(cmd.Context(), func(store *storage.SQLiteStore) error {
				p := processor.New(store, source, emb, index, processor.Config{
					Chunker: ctx.newChunker(),
					Logger:  ctx.logger,
				})
				stats, err := p.Run(cmd.Context(), opts)
				if stats != nil {
					fmt.Fprintf(out, "Processed %d items in %d batches: %d completed, %d failed, %d claim lost, %d chunks (%s)\n",
						stats.Claimed, stats.Batches, stats.Completed, stats.Failed, stats.ClaimLost,
						stats.Chunks, stats.Duration.Round(time.Millisecond))
					for _, msg := range stats.ErrorMessages {
						fmt.Fprintf(out, "  %s\n", truncate(msg, 160))
					}
				}
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(out, "Interrupted; claimed items were finalized")
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Loop, "loop", false, "Keep processing batches until the queue is empty")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Keep polling for new items after the queue is empty")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Items claimed per batch (default from config)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "Concurrent items per batch (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Stop after claiming this many items")
	return cmd
}
