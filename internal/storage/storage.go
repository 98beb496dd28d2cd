package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/parlharvest/pkg/types"
)

var (
	// ErrNotFound is returned when a requested item doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when a worker finalizes an item it no longer
	// holds, because the item was reset or reclaimed in the meantime.
	ErrClaimLost = errors.New("claim lost")
	// ErrInvalidTransition is returned for a state change the queue does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle state of a queue item.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePending, StateProcessing, StateCompleted, StateFailed}

var allowedTransitions = map[State][]State{
	StatePending:    {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed, StatePending},
	StateFailed:     {StatePending},
}

// CanTransition reports whether the queue allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a processing attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// QueueItem is one discovered record and its processing state.
type QueueItem struct {
	ItemID       string
	ItemType     types.ItemType
	OccurredOn   types.Day
	State        State
	AttemptCount int
	LastError    string
	ClaimToken   string
	Payload      []byte // Listing JSON captured at harvest time
	UpdatedAt    time.Time
	CreatedAt    time.Time
}

// NewItem is a discovered record to be enqueued.
type NewItem struct {
	ItemID     string
	ItemType   types.ItemType
	OccurredOn types.Day
	Payload    []byte
}

// EnqueueResult reports how many items were new and how many already existed.
type EnqueueResult struct {
	Inserted int
	Existing int
}

// DayStats counts items by state for one day and item type.
type DayStats struct {
	Day        types.Day
	ItemType   types.ItemType
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of items recorded for the day.
func (d DayStats) Total() int {
	return d.Pending + d.Processing + d.Completed + d.Failed
}

// Incomplete returns the number of items not yet COMPLETED.
func (d DayStats) Incomplete() int {
	return d.Pending + d.Processing + d.Failed
}

// Store is the durable queue shared by the harvester, processor, auditor
// and healer.
type Store interface {
	// Enqueue inserts items that are not already present. Existing rows are
	// never modified.
	Enqueue(ctx context.Context, items []NewItem) (EnqueueResult, error)

	// Claim atomically moves up to limit PENDING items to PROCESSING under
	// token, oldest day first. No two claims ever return the same item.
	Claim(ctx context.Context, token string, limit int) ([]*QueueItem, error)
	// Touch refreshes updated_at of a claimed item so ResetStale measures
	// idleness from when a worker picked it up, not from the claim.
	Touch(ctx context.Context, itemID, token string) error
	// Complete moves a claimed item to COMPLETED.
	Complete(ctx context.Context, itemID, token string) error
	// Fail moves a claimed item to FAILED and records msg.
	Fail(ctx context.Context, itemID, token, msg string) error

	// RetryFailed moves every FAILED item back to PENDING.
	RetryFailed(ctx context.Context) (int64, error)
	// RetryFailedIn moves FAILED items occurring in r back to PENDING.
	RetryFailedIn(ctx context.Context, r types.DateRange, filter types.TypeFilter) (int64, error)
	// ResetStale moves PROCESSING items last updated before cutoff back to PENDING.
	ResetStale(ctx context.Context, cutoff time.Time) (int64, error)

	Get(ctx context.Context, itemID string) (*QueueItem, error)
	ListByDay(ctx context.Context, day types.Day, filter types.TypeFilter) ([]*QueueItem, error)
	ListByState(ctx context.Context, state State, limit int) ([]*QueueItem, error)
	DailyStats(ctx context.Context, r types.DateRange, filter types.TypeFilter) ([]DayStats, error)
	Stats(ctx context.Context) (map[State]int, error)
	// DateBounds returns the first and last occurred_on in the queue.
	DateBounds(ctx context.Context, filter types.TypeFilter) (first, last types.Day, ok bool, err error)

	Close() error
}
