package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/searcher"
	"github.com/dshills/parlharvest/pkg/types"
)

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var (
		itemType string
		from, to string
		limit    int
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find indexed records similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := types.ParseTypeFilter(itemType)
			if err != nil {
				return err
			}
			fromDay, err := parseOptionalDay("from", from)
			if err != nil {
				return err
			}
			toDay, err := parseOptionalDay("to", to)
			if err != nil {
				return err
			}

			emb, err := ctx.newEmbedder()
			if err != nil {
				return err
			}
			defer emb.Close()
			index, err := ctx.openIndex(cmd.Context())
			if err != nil {
				return err
			}
			defer index.Close()

			resp, err := searcher.New(index, emb).Search(cmd.Context(), searcher.Request{
				Query: strings.Join(args, " "),
				Types: filter,
				From:  fromDay,
				To:    toDay,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, resp.Results)
			}

			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No results")
				return nil
			}
			rows := make([][]string, 0, len(resp.Results))
			for _, r := range resp.Results {
				rows = append(rows, []string{
					strconv.Itoa(r.Rank),
					strconv.FormatFloat(r.RelevanceScore, 'f', 3, 64),
					r.OccurredOn.String(),
					string(r.ItemType),
					truncate(r.Title, 40),
					truncate(r.Content, 80),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Score", "Day", "Type", "Title", "Excerpt"},
				rows,
				[]columnAlignment{alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "all", "Item types: all, contribution, written-question")
	cmd.Flags().StringVar(&from, "from", "", "Earliest day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "Latest day, YYYY-MM-DD")
	cmd.Flags().IntVar(&limit, "limit", searcher.DefaultLimit, "Maximum results")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit results as JSON")
	return cmd
}
