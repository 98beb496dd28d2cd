package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/pkg/types"
)

type rangeFlags struct {
	start    string
	end      string
	itemType string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start-date", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.end, "end-date", "", "Last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.itemType, "type", "all", "Item types: all, contribution, written-question")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")
}

func (f *rangeFlags) parse() (types.DateRange, types.TypeFilter, error) {
	r, err := types.ParseDateRange(strings.TrimSpace(f.start), strings.TrimSpace(f.end))
	if err != nil {
		return types.DateRange{}, nil, fmt.Errorf("invalid date range: %w", err)
	}
	filter, err := types.ParseTypeFilter(f.itemType)
	if err != nil {
		return types.DateRange{}, nil, err
	}
	return r, filter, nil
}

func parseOptionalDay(name, value string) (types.Day, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return types.Day{}, nil
	}
	d, err := types.ParseDay(value)
	if err != nil {
		return types.Day{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return d, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
