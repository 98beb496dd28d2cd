// Package types provides shared type definitions for parlharvest.
//
// This package defines the domain vocabulary used across the queue store,
// harvester, processor, auditor and healer: calendar days, date ranges,
// item types, text chunks and search results.
//
// # Days and Ranges
//
// Day is a civil date with no time-of-day. Every queue item carries the Day
// it occurred on, and harvesting and auditing both partition work by Day:
//
//	start := types.MustParseDay("2024-07-04")
//	r, err := types.NewDateRange(start, start.AddDays(1))
//	for _, d := range r.Days() {
//	    fmt.Println(d) // 2024-07-04, 2024-07-05
//	}
//
// # Item Types
//
// ItemType distinguishes Hansard contributions from written questions. Each
// type owns a stable id prefix so queue ids never collide across sources:
//
//	types.ItemContribution.ItemID("ABC-123")   // "hansard_ABC-123"
//	types.ItemWrittenQuestion.ItemID("170001") // "pq_170001"
//
// TypeFilter selects a subset of item types; the zero value selects all:
//
//	f, _ := types.ParseTypeFilter("hansard")
//	f.Includes(types.ItemWrittenQuestion) // false
//
// # Validation
//
// Chunk and SearchResult implement Validate:
//
//	if err := chunk.Validate(); err != nil {
//	    return err
//	}
package types
