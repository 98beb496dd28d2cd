package types

import (
	"fmt"
	"strings"
)

// ItemType identifies the kind of parliamentary record a queue item holds.
type ItemType string

const (
	// ItemContribution is a Hansard contribution (spoken, written statement,
	// correction or petition).
	ItemContribution ItemType = "contribution"
	// ItemWrittenQuestion is a written parliamentary question with its answer.
	ItemWrittenQuestion ItemType = "written-question"
)

// AllItemTypes lists every item type in a stable order.
var AllItemTypes = []ItemType{ItemContribution, ItemWrittenQuestion}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemContribution, ItemWrittenQuestion:
		return true
	}
	return false
}

// IDPrefix returns the prefix used for queue item ids of this type.
func (t ItemType) IDPrefix() string {
	switch t {
	case ItemContribution:
		return "hansard_"
	case ItemWrittenQuestion:
		return "pq_"
	}
	return ""
}

// ItemID builds the stable queue id for an external identifier.
func (t ItemType) ItemID(externalID string) string {
	return t.IDPrefix() + externalID
}

// TypeFilter restricts an operation to a subset of item types.
// The zero value selects every type.
type TypeFilter []ItemType

// ParseTypeFilter accepts "all", "" or a comma separated list of item types.
// The legacy names "hansard" and "pqs" are accepted as aliases.
func ParseTypeFilter(s string) (TypeFilter, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return nil, nil
	}
	var filter TypeFilter
	seen := make(map[ItemType]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "hansard", "contributions":
			part = string(ItemContribution)
		case "pqs", "pq", "questions", "written-questions":
			part = string(ItemWrittenQuestion)
		}
		t := ItemType(part)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, part)
		}
		if !seen[t] {
			seen[t] = true
			filter = append(filter, t)
		}
	}
	return filter, nil
}

// Includes reports whether t passes the filter.
func (f TypeFilter) Includes(t ItemType) bool {
	if len(f) == 0 {
		return true
	}
	for _, ft := range f {
		if ft == t {
			return true
		}
	}
	return false
}

// Types returns the concrete item types selected by the filter.
func (f TypeFilter) Types() []ItemType {
	if len(f) == 0 {
		return AllItemTypes
	}
	out := make([]ItemType, 0, len(f))
	for _, t := range AllItemTypes {
		if f.Includes(t) {
			out = append(out, t)
		}
	}
	return out
}

func (f TypeFilter) String() string {
	if len(f) == 0 {
		return "all"
	}
	parts := make([]string, len(f))
	for i, t := range f {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
