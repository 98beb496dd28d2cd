// Package remote talks to the UK Parliament APIs: the Hansard search API for
// contributions and the Written Questions API for parliamentary questions.
//
// The harvester pages through listings with List, the auditor cross-checks
// per-day totals with Count, and the processor turns a queued item into an
// embeddable Document with Fetch.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

var (
	// ErrUnknownKind is returned when a listing kind does not belong to the item type.
	ErrUnknownKind = errors.New("unknown listing kind")
	// ErrNoText is returned when a record carries nothing to embed.
	ErrNoText = errors.New("record has no text")
	// ErrBadPayload is returned when a stored listing payload cannot be decoded.
	ErrBadPayload = errors.New("bad listing payload")
)

// Kind is a listing endpoint within an item type.
type Kind string

const (
	KindSpoken      Kind = "Spoken"
	KindWritten     Kind = "Written"
	KindCorrections Kind = "Corrections"
	KindPetitions   Kind = "Petitions"
	KindTabled      Kind = "tabled"
)

// KindsFor returns the listing kinds that together cover an item type.
func KindsFor(t types.ItemType) []Kind {
	switch t {
	case types.ItemContribution:
		return []Kind{KindSpoken, KindWritten, KindCorrections, KindPetitions}
	case types.ItemWrittenQuestion:
		return []Kind{KindTabled}
	}
	return nil
}

// Listing is one record discovered by a listing call.
type Listing struct {
	ItemID     string
	ItemType   types.ItemType
	OccurredOn types.Day
	Payload    json.RawMessage
}

// Page is one page of a listing.
type Page struct {
	Items []Listing
	Total int
	// Returned counts every result the API sent for this page, including
	// entries dropped from Items as unusable. Paging advances by Returned.
	Returned int
}

// Document is the full content of a record, ready for chunking.
type Document struct {
	ItemID     string
	ItemType   types.ItemType
	OccurredOn types.Day
	Title      string
	Text       string
	URL        string
	Metadata   map[string]any
}

// Source is the remote record API.
type Source interface {
	// List returns one page of records of kind occurring on day.
	List(ctx context.Context, day types.Day, itemType types.ItemType, kind Kind, skip, take int) (*Page, error)
	// Count returns the number of records of itemType the API reports for day.
	Count(ctx context.Context, day types.Day, itemType types.ItemType) (int, error)
	// Fetch returns the full content of a queued item.
	Fetch(ctx context.Context, item *storage.QueueItem) (*Document, error)
}

// listingPayload is what the harvester stores with each queue item.
type listingPayload struct {
	Kind Kind            `json:"kind"`
	Item json.RawMessage `json:"item"`
}
